package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/jfld/web3-fk/internal/connection"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

var errSubscriptionClosed = errors.New("subscription closed")

// feed consumes one push subscription until it breaks
type feed func(ctx context.Context) error

// keepSubscribed runs fn while connected and resubscribes with backoff after
// it breaks. A broken stream degrades the connector so its health loop
// redials the push transport.
func (nm *NetworkMonitor) keepSubscribed(ctx context.Context, name string, fn feed) {
	logger := nm.logger.WithField("feed", name)
	backoff := nm.backoff

	for {
		if err := nm.connector.WaitConnected(ctx); err != nil {
			return
		}

		started := time.Now()
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, connection.ErrPushUnavailable):
			logger.Debug("Push transport unavailable, relying on polling")
		case err != nil:
			nm.connector.ReportError(name+"_subscription", err)
			logger.WithError(err).Warn("Subscription broken, resubscribing")
		}

		if time.Since(started) > nm.maxBackoff {
			backoff = nm.backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > nm.maxBackoff {
			backoff = nm.maxBackoff
		}
	}
}

func subscriptionErr(err error) error {
	if err == nil {
		return errSubscriptionClosed
	}
	return err
}

// headFeed forwards pushed heads to the block source
func (nm *NetworkMonitor) headFeed(ctx context.Context) error {
	heads, sub, err := nm.connector.SubscribeHeads(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	nm.logger.Info("Subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return subscriptionErr(err)
		case h, ok := <-heads:
			if !ok {
				return errSubscriptionClosed
			}
			if h == nil || h.Number == nil {
				continue
			}
			n := h.Number.Uint64()
			nm.connector.ObserveHead(n)
			nm.source.Notify(n)
		}
	}
}

// transferFeed decodes ERC-20 Transfer logs and publishes them
func (nm *NetworkMonitor) transferFeed(ctx context.Context) error {
	return nm.consumeLogs(ctx, nm.parser.Query())
}

func (nm *NetworkMonitor) consumeLogs(ctx context.Context, q ethereum.FilterQuery) error {
	logs, sub, err := nm.connector.SubscribeLogs(ctx, q)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	nm.logger.Info("Subscribed to transfer logs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return subscriptionErr(err)
		case l, ok := <-logs:
			if !ok {
				return errSubscriptionClosed
			}
			t, err := nm.parser.ParseLog(l)
			if err != nil {
				nm.logger.WithError(err).WithField("tx", l.TxHash.Hex()).Debug("Ignoring log")
				continue
			}
			if t.Removed {
				nm.reorg.ObserveRemovedLog(t)
			}
			if err := nm.processor.ProcessTokenTransfer(ctx, t); err != nil {
				nm.metrics.ObserveError(nm.name, "token_transfer", err)
				nm.logger.WithError(err).WithFields(logrus.Fields{
					"tx":        t.TransactionHash,
					"log_index": t.LogIndex,
				}).Warn("Failed to publish token transfer")
			}
		}
	}
}

// pendingFeed counts mempool hashes
func (nm *NetworkMonitor) pendingFeed(ctx context.Context) error {
	hashes, sub, err := nm.connector.SubscribePending(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	nm.logger.Info("Subscribed to pending transactions")

	pm := nm.metrics.GetPrometheusMetrics()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return subscriptionErr(err)
		case _, ok := <-hashes:
			if !ok {
				return errSubscriptionClosed
			}
			nm.pending.Add(1)
			pm.RecordPendingTransaction(nm.name)
		}
	}
}

// isCanceled reports whether err only reflects shutdown
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		utils.IsCode(err, utils.ErrCodeClosed)
}
