// Package chaintest provides an in-memory chain for tests of code built on
// connection.ChainClient.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/connection"
)

// ErrDown is returned by every call while the chain is marked down
var ErrDown = errors.New("connection refused")

// Chain is a fake node. All methods are safe for concurrent use.
type Chain struct {
	mu         sync.Mutex
	chainID    int64
	head       uint64
	blocks     map[uint64]*types.Block
	receipts   map[common.Hash]*types.Receipt
	down       bool
	failBlocks map[uint64]int
	calls      map[string]int
	headSubs   map[*Sub]chan<- *types.Header
	logSubs    map[*Sub]chan<- types.Log
	pendSubs   map[*Sub]chan<- common.Hash
	dials      int
}

// New creates an empty chain with the given id
func New(chainID int64) *Chain {
	return &Chain{
		chainID:    chainID,
		blocks:     make(map[uint64]*types.Block),
		receipts:   make(map[common.Hash]*types.Receipt),
		failBlocks: make(map[uint64]int),
		calls:      make(map[string]int),
		headSubs:   make(map[*Sub]chan<- *types.Header),
		logSubs:    make(map[*Sub]chan<- types.Log),
		pendSubs:   make(map[*Sub]chan<- common.Hash),
	}
}

// Dialer returns a connection.Dialer serving this chain. withPush adds a
// push transport backed by the same chain.
func (c *Chain) Dialer(withPush bool) connection.Dialer {
	return func(ctx context.Context, cfg config.NetworkConfig) (*connection.Transport, error) {
		c.mu.Lock()
		c.dials++
		down := c.down
		c.mu.Unlock()
		if down {
			return nil, ErrDown
		}
		t := &connection.Transport{RPC: c}
		if withPush {
			t.Push = c
			t.Pending = c
		}
		return t, nil
	}
}

// SetDown makes every call fail with ErrDown and breaks open subscriptions
func (c *Chain) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	var subs []*Sub
	if down {
		for s := range c.headSubs {
			subs = append(subs, s)
		}
		for s := range c.logSubs {
			subs = append(subs, s)
		}
		for s := range c.pendSubs {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.fail(ErrDown)
	}
}

// FailBlock makes the next n fetches of block number fail
func (c *Chain) FailBlock(number uint64, n int) {
	c.mu.Lock()
	c.failBlocks[number] = n
	c.mu.Unlock()
}

// Calls returns how often method was invoked
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Dials returns how often the chain was dialed
func (c *Chain) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// AddBlock stores a block with its receipts and advances the head
func (c *Chain) AddBlock(block *types.Block, receipts []*types.Receipt) {
	c.mu.Lock()
	c.blocks[block.NumberU64()] = block
	for _, r := range receipts {
		c.receipts[r.TxHash] = r
	}
	if block.NumberU64() > c.head {
		c.head = block.NumberU64()
	}
	c.mu.Unlock()
}

// Block returns a stored block
func (c *Chain) Block(number uint64) *types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[number]
}

// Extend appends empty blocks up to head, chained by parent hash
func (c *Chain) Extend(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := c.head + 1; n <= head; n++ {
		parent := common.Hash{}
		if p, ok := c.blocks[n-1]; ok {
			parent = p.Hash()
		}
		c.blocks[n] = NewBlock(n, parent, time.Unix(int64(1700000000+n*12), 0), nil)
	}
	if head > c.head {
		c.head = head
	}
}

// EmitHead pushes the header of a stored block to head subscribers
func (c *Chain) EmitHead(number uint64) {
	c.mu.Lock()
	b := c.blocks[number]
	subs := make([]chan<- *types.Header, 0, len(c.headSubs))
	for _, ch := range c.headSubs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()
	if b == nil {
		return
	}
	for _, ch := range subs {
		ch <- b.Header()
	}
}

// EmitLog pushes a log to log subscribers
func (c *Chain) EmitLog(l types.Log) {
	c.mu.Lock()
	subs := make([]chan<- types.Log, 0, len(c.logSubs))
	for _, ch := range c.logSubs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- l
	}
}

// EmitPending pushes a pending hash to pending subscribers
func (c *Chain) EmitPending(h common.Hash) {
	c.mu.Lock()
	subs := make([]chan<- common.Hash, 0, len(c.pendSubs))
	for _, ch := range c.pendSubs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- h
	}
}

// Subscribers returns the number of open head subscriptions
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.headSubs)
}

func (c *Chain) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	if c.down {
		return ErrDown
	}
	return nil
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.enter("ChainID"); err != nil {
		return nil, err
	}
	return big.NewInt(c.chainID), nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.enter("BlockNumber"); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Chain) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if err := c.enter("BlockByNumber"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	if left := c.failBlocks[n]; left > 0 {
		c.failBlocks[n] = left - 1
		return nil, errors.New("upstream timeout")
	}
	b, ok := c.blocks[n]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.enter("TransactionReceipt"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if err := c.enter("SubscribeNewHead"); err != nil {
		return nil, err
	}
	s := newSub()
	c.mu.Lock()
	c.headSubs[s] = ch
	c.mu.Unlock()
	s.onClose = func() {
		c.mu.Lock()
		delete(c.headSubs, s)
		c.mu.Unlock()
	}
	return s, nil
}

func (c *Chain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := c.enter("SubscribeFilterLogs"); err != nil {
		return nil, err
	}
	s := newSub()
	c.mu.Lock()
	c.logSubs[s] = ch
	c.mu.Unlock()
	s.onClose = func() {
		c.mu.Lock()
		delete(c.logSubs, s)
		c.mu.Unlock()
	}
	return s, nil
}

func (c *Chain) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	if err := c.enter("SubscribePendingTransactions"); err != nil {
		return nil, err
	}
	s := newSub()
	c.mu.Lock()
	c.pendSubs[s] = ch
	c.mu.Unlock()
	s.onClose = func() {
		c.mu.Lock()
		delete(c.pendSubs, s)
		c.mu.Unlock()
	}
	return s, nil
}

func (c *Chain) Close() {}

// Sub is a fake ethereum.Subscription
type Sub struct {
	once    sync.Once
	errCh   chan error
	onClose func()
}

func newSub() *Sub {
	return &Sub{errCh: make(chan error, 1)}
}

func (s *Sub) Unsubscribe() {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.errCh)
	})
}

func (s *Sub) Err() <-chan error {
	return s.errCh
}

func (s *Sub) fail(err error) {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		s.errCh <- err
		close(s.errCh)
	})
}

// NewBlock builds a block carrying txs
func NewBlock(number uint64, parent common.Hash, ts time.Time, txs []*types.Transaction) *types.Block {
	header := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		ParentHash: parent,
		Time:       uint64(ts.Unix()),
		GasLimit:   30_000_000,
		Difficulty: big.NewInt(0),
		BaseFee:    big.NewInt(1_000_000_000),
		Coinbase:   common.HexToAddress("0x00000000000000000000000000000000000000c0"),
	}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

// Account is a funded test key
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewAccount generates a fresh key
func NewAccount() Account {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return Account{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// SignLegacy signs a legacy transaction for chainID
func SignLegacy(chainID int64, from Account, tx *types.LegacyTx) *types.Transaction {
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	return types.MustSignNewTx(from.Key, signer, tx)
}

// SignDynamic signs an EIP-1559 transaction for chainID
func SignDynamic(chainID int64, from Account, tx *types.DynamicFeeTx) *types.Transaction {
	tx.ChainID = big.NewInt(chainID)
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	return types.MustSignNewTx(from.Key, signer, tx)
}

// Receipt builds a receipt for tx in block
func Receipt(tx *types.Transaction, block uint64, status uint64, gasUsed uint64) *types.Receipt {
	return &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		TxHash:            tx.Hash(),
		GasUsed:           gasUsed,
		EffectiveGasPrice: tx.GasPrice(),
		BlockNumber:       new(big.Int).SetUint64(block),
	}
}
