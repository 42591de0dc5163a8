package connection

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/pkg/utils"
)

// ChainClient is the subset of ethclient.Client the collector relies on
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// PendingSubscriber streams mempool transaction hashes
type PendingSubscriber interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
}

// Transport is one dialed set of clients for a network. Push and Pending are
// nil when no websocket endpoint is configured or reachable.
type Transport struct {
	RPC     ChainClient
	Push    ChainClient
	Pending PendingSubscriber
}

// Close releases every client of the transport
func (t *Transport) Close() {
	if t == nil {
		return
	}
	if t.RPC != nil {
		t.RPC.Close()
	}
	if t.Push != nil {
		t.Push.Close()
	}
}

// Dialer opens a Transport for a network
type Dialer func(ctx context.Context, cfg config.NetworkConfig) (*Transport, error)

// DefaultDialer dials the RPC endpoint and, when push is enabled, the
// websocket endpoint. A websocket failure leaves the transport poll-only.
func DefaultDialer(ctx context.Context, cfg config.NetworkConfig) (*Transport, error) {
	rpcClient, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}

	t := &Transport{RPC: rpcClient}
	if cfg.WSURL == "" || !cfg.PushEnabled {
		return t, nil
	}

	wsClient, err := rpc.DialContext(ctx, cfg.WSURL)
	if err != nil {
		utils.WithComponent("connection").WithError(err).
			WithField("ws_url", cfg.WSURL).
			Warn("Websocket dial failed, continuing with RPC polling only")
		return t, nil
	}

	t.Push = ethclient.NewClient(wsClient)
	t.Pending = &pendingClient{client: gethclient.New(wsClient)}
	return t, nil
}

type pendingClient struct {
	client *gethclient.Client
}

func (p *pendingClient) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	sub, err := p.client.SubscribePendingTransactions(ctx, ch)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
