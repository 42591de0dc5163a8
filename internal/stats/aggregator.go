// Package stats maintains incremental per-address statistics.
package stats

import (
	"context"
	"math/big"
	"time"

	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// ProfileStore is the merge-safe store primitive the aggregator relies on
type ProfileStore interface {
	ApplyProfileDelta(ctx context.Context, delta *models.ProfileDelta) error
	IncrementSuspicious(ctx context.Context, network, address string) error
	GetProfile(ctx context.Context, network, address string) (*models.AddressProfile, error)
}

// Aggregator applies profile deltas. Every call is one increment: delivering
// the same delta twice counts it twice. Callers that need once-only counting
// dedup by transaction hash before calling.
type Aggregator struct {
	store  ProfileStore
	logger *logrus.Entry
}

// NewAggregator creates an aggregator over store
func NewAggregator(store ProfileStore) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: utils.WithComponent("stats"),
	}
}

// Update merges one observation of address into its profile
func (a *Aggregator) Update(ctx context.Context, address, network string, value *big.Int, isSender bool, ts time.Time) error {
	address = utils.NormalizeAddress(address)
	if address == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Address is required", network)
	}
	return a.store.ApplyProfileDelta(ctx, &models.ProfileDelta{
		Address:   address,
		Network:   network,
		Value:     utils.BigOrZero(value),
		IsSender:  isSender,
		Timestamp: ts,
	})
}

// UpdateTransaction updates the sender and, when present, the receiver of tx
func (a *Aggregator) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := a.Update(ctx, tx.FromAddress, tx.Network, tx.Value, true, tx.Timestamp); err != nil {
		return err
	}
	if tx.ToAddress == "" {
		return nil
	}
	return a.Update(ctx, tx.ToAddress, tx.Network, tx.Value, false, tx.Timestamp)
}

// MarkSuspicious increments the suspicious activity counter of address
func (a *Aggregator) MarkSuspicious(ctx context.Context, network, address string) error {
	address = utils.NormalizeAddress(address)
	if address == "" {
		return nil
	}
	if err := a.store.IncrementSuspicious(ctx, network, address); err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"network": network,
		"address": address,
	}).Debug("Suspicious activity recorded")
	return nil
}

// Profile returns the stored profile of address
func (a *Aggregator) Profile(ctx context.Context, network, address string) (*models.AddressProfile, error) {
	return a.store.GetProfile(ctx, network, utils.NormalizeAddress(address))
}
