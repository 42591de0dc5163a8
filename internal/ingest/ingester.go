// Package ingest fetches raw blocks with their receipts and maps them onto
// the canonical model.
package ingest

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BlockFetcher is the chain access the ingester needs
type BlockFetcher interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RawBlock is a block with one receipt per transaction, in block order
type RawBlock struct {
	Block    *types.Block
	Receipts []*types.Receipt
}

// BlockIngester fetches full block data for a block number
type BlockIngester struct {
	fetcher     BlockFetcher
	concurrency int
	logger      *logrus.Entry
}

// NewBlockIngester creates an ingester fetching at most concurrency receipts at once
func NewBlockIngester(network string, fetcher BlockFetcher, concurrency int) *BlockIngester {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &BlockIngester{
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      utils.WithComponent("ingest").WithField("network", network),
	}
}

// Fetch returns block n and all of its receipts. Any failure fails the whole
// block so the caller can retry it.
func (bi *BlockIngester) Fetch(ctx context.Context, n uint64) (*RawBlock, error) {
	block, err := bi.fetcher.BlockByNumber(ctx, n)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Block not available", fmt.Sprintf("%d", n))
	}

	txs := block.Transactions()
	receipts := make([]*types.Receipt, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bi.concurrency)
	for i, tx := range txs {
		i, hash := i, tx.Hash()
		g.Go(func() error {
			r, err := bi.fetcher.TransactionReceipt(gctx, hash)
			if err != nil {
				return err
			}
			receipts[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bi.logger.WithFields(logrus.Fields{
		"block":    n,
		"tx_count": len(txs),
	}).Debug("Fetched block")
	return &RawBlock{Block: block, Receipts: receipts}, nil
}
