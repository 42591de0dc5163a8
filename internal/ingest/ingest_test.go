package ingest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jfld/web3-fk/internal/connection/chaintest"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 1

type chainFetcher struct {
	chain *chaintest.Chain
}

func (f chainFetcher) BlockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	return f.chain.BlockByNumber(ctx, new(big.Int).SetUint64(n))
}

func (f chainFetcher) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	return f.chain.TransactionReceipt(ctx, h)
}

var (
	gwei  = big.NewInt(1_000_000_000)
	ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

type fixture struct {
	chain    *chaintest.Chain
	sender   chaintest.Account
	receiver common.Address
	token    common.Address
	created  common.Address
	transfer *types.Transaction
	call     *types.Transaction
	create   *types.Transaction
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		chain:    chaintest.New(testChainID),
		sender:   chaintest.NewAccount(),
		receiver: common.HexToAddress("0x00000000000000000000000000000000000000B0"),
		token:    common.HexToAddress("0x00000000000000000000000000000000000000E2"),
		created:  common.HexToAddress("0x00000000000000000000000000000000000000C1"),
	}

	f.transfer = chaintest.SignLegacy(testChainID, f.sender, &types.LegacyTx{
		Nonce: 0, To: &f.receiver, Value: ether, Gas: 21000, GasPrice: new(big.Int).Mul(big.NewInt(2), gwei),
	})
	callData := append(common.FromHex("0xa9059cbb"), make([]byte, 64)...)
	f.call = chaintest.SignDynamic(testChainID, f.sender, &types.DynamicFeeTx{
		Nonce: 1, To: &f.token, Value: big.NewInt(0), Gas: 60000,
		GasFeeCap: new(big.Int).Mul(big.NewInt(30), gwei), GasTipCap: gwei, Data: callData,
	})
	f.create = chaintest.SignLegacy(testChainID, f.sender, &types.LegacyTx{
		Nonce: 2, Value: big.NewInt(0), Gas: 500000, GasPrice: gwei, Data: []byte{0x60, 0x80},
	})

	block := chaintest.NewBlock(100, common.Hash{}, time.Unix(1700000000, 0), []*types.Transaction{f.transfer, f.call, f.create})

	callReceipt := chaintest.Receipt(f.call, 100, types.ReceiptStatusSuccessful, 51000)
	callReceipt.EffectiveGasPrice = new(big.Int).Mul(big.NewInt(11), gwei)
	createReceipt := chaintest.Receipt(f.create, 100, types.ReceiptStatusFailed, 400000)
	createReceipt.ContractAddress = f.created

	f.chain.AddBlock(block, []*types.Receipt{
		chaintest.Receipt(f.transfer, 100, types.ReceiptStatusSuccessful, 21000),
		callReceipt,
		createReceipt,
	})
	return f
}

func TestFetchCollectsReceiptsInOrder(t *testing.T) {
	f := newFixture(t)
	bi := NewBlockIngester("ethereum", chainFetcher{f.chain}, 2)

	raw, err := bi.Fetch(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, raw.Receipts, 3)
	assert.Equal(t, f.transfer.Hash(), raw.Receipts[0].TxHash)
	assert.Equal(t, f.call.Hash(), raw.Receipts[1].TxHash)
	assert.Equal(t, f.create.Hash(), raw.Receipts[2].TxHash)
	assert.Equal(t, 3, f.chain.Calls("TransactionReceipt"))
}

func TestFetchFailsWholeBlockOnReceiptError(t *testing.T) {
	f := newFixture(t)
	bi := NewBlockIngester("ethereum", chainFetcher{f.chain}, 4)

	block := chaintest.NewBlock(101, common.Hash{}, time.Unix(1700000012, 0), []*types.Transaction{
		chaintest.SignLegacy(testChainID, f.sender, &types.LegacyTx{Nonce: 9, To: &f.receiver, Value: ether, Gas: 21000, GasPrice: gwei}),
	})
	f.chain.AddBlock(block, nil)

	_, err := bi.Fetch(context.Background(), 101)
	assert.Error(t, err)
}

func TestFetchMissingBlock(t *testing.T) {
	f := newFixture(t)
	bi := NewBlockIngester("ethereum", chainFetcher{f.chain}, 4)

	_, err := bi.Fetch(context.Background(), 999)
	assert.Error(t, err)
}

func TestNormalizeBlock(t *testing.T) {
	f := newFixture(t)
	raw, err := NewBlockIngester("ethereum", chainFetcher{f.chain}, 4).Fetch(context.Background(), 100)
	require.NoError(t, err)

	block, errs := NewNormalizer("ethereum", testChainID).NormalizeBlock(raw)
	require.Empty(t, errs)

	assert.Equal(t, uint64(100), block.Number)
	assert.Equal(t, "ethereum", block.Network)
	assert.Equal(t, 3, block.TxCount)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), block.Timestamp)
	assert.Equal(t, "0x00000000000000000000000000000000000000c0", block.Miner)
	require.Len(t, block.Transactions, 3)

	sender := utils.NormalizeAddress(f.sender.Address.Hex())

	plain := block.Transactions[0]
	assert.Equal(t, sender, plain.FromAddress)
	assert.Equal(t, "0x00000000000000000000000000000000000000b0", plain.ToAddress)
	assert.Equal(t, ether.String(), plain.Value.String())
	assert.False(t, plain.IsContractCall)
	assert.False(t, plain.IsTokenTransfer)
	assert.Equal(t, models.TxStatusSuccess, plain.Status)
	assert.Empty(t, plain.InputData)
	assert.Nil(t, plain.MaxFeePerGas)

	call := block.Transactions[1]
	assert.True(t, call.IsContractCall)
	assert.True(t, call.IsTokenTransfer)
	assert.Equal(t, uint8(types.DynamicFeeTxType), call.TransactionType)
	assert.Equal(t, "30000000000", call.MaxFeePerGas.String())
	assert.Equal(t, "1000000000", call.MaxPriorityFeePerGas.String())
	assert.Equal(t, "11000000000", call.GasPrice.String(), "effective gas price from receipt")
	assert.Equal(t, uint64(51000), call.GasUsed)
	assert.Equal(t, uint(1), call.TransactionIndex)

	create := block.Transactions[2]
	assert.True(t, create.IsContractCreation)
	assert.False(t, create.IsContractCall)
	assert.Empty(t, create.ToAddress)
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", create.ContractAddress)
	assert.Equal(t, models.TxStatusFailed, create.Status)
	assert.Equal(t, "0x6080", create.InputData)
}

func TestNormalizeSkipsBadTransaction(t *testing.T) {
	sender := chaintest.NewAccount()
	to := common.HexToAddress("0x01")

	good := chaintest.SignLegacy(testChainID, sender, &types.LegacyTx{Nonce: 0, To: &to, Value: ether, Gas: 21000, GasPrice: gwei})
	// Signed for another chain: sender recovery fails under chain id 1
	foreign := chaintest.SignDynamic(56, sender, &types.DynamicFeeTx{Nonce: 1, To: &to, Value: ether, Gas: 21000, GasFeeCap: gwei, GasTipCap: gwei})

	block := chaintest.NewBlock(7, common.Hash{}, time.Unix(1700000000, 0), []*types.Transaction{good, foreign})
	raw := &RawBlock{
		Block: block,
		Receipts: []*types.Receipt{
			chaintest.Receipt(good, 7, 1, 21000),
			chaintest.Receipt(foreign, 7, 1, 21000),
		},
	}

	out, errs := NewNormalizer("ethereum", testChainID).NormalizeBlock(raw)
	require.Len(t, errs, 1)
	assert.Equal(t, utils.ClassValidation, utils.Classify(errs[0]))
	require.Len(t, out.Transactions, 1)
	assert.Equal(t, good.Hash().Hex(), out.Transactions[0].Hash)
	assert.Equal(t, 2, out.TxCount)
}

func TestNormalizeMissingReceipt(t *testing.T) {
	sender := chaintest.NewAccount()
	to := common.HexToAddress("0x01")
	tx := chaintest.SignLegacy(testChainID, sender, &types.LegacyTx{To: &to, Value: ether, Gas: 21000, GasPrice: gwei})
	block := chaintest.NewBlock(8, common.Hash{}, time.Unix(1700000000, 0), []*types.Transaction{tx})

	out, errs := NewNormalizer("ethereum", testChainID).NormalizeBlock(&RawBlock{Block: block})
	assert.Len(t, errs, 1)
	assert.Empty(t, out.Transactions)
}
