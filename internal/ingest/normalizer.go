package ingest

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
)

// TransferSelector is the method id of ERC-20 transfer(address,uint256)
const TransferSelector = "0xa9059cbb"

// Normalizer maps go-ethereum types onto the canonical model of one network.
// It holds no mutable state.
type Normalizer struct {
	network string
	signer  types.Signer
}

// NewNormalizer creates a normalizer for network with the given chain id
func NewNormalizer(network string, chainID int64) *Normalizer {
	return &Normalizer{
		network: network,
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
	}
}

// NormalizeBlock converts raw. Transactions that cannot be normalized are
// left out and their errors returned; they never fail the block.
func (n *Normalizer) NormalizeBlock(raw *RawBlock) (*models.Block, []error) {
	b := raw.Block
	block := &models.Block{
		Number:        b.NumberU64(),
		Hash:          b.Hash().Hex(),
		ParentHash:    b.ParentHash().Hex(),
		Timestamp:     time.Unix(int64(b.Time()), 0).UTC(),
		Difficulty:    b.Difficulty(),
		GasLimit:      b.GasLimit(),
		GasUsed:       b.GasUsed(),
		Miner:         utils.NormalizeAddress(b.Coinbase().Hex()),
		Network:       n.network,
		TxCount:       len(b.Transactions()),
		Size:          b.Size(),
		BaseFeePerGas: b.BaseFee(),
	}

	var errs []error
	txs := b.Transactions()
	block.Transactions = make([]models.Transaction, 0, len(txs))
	for i, tx := range txs {
		var receipt *types.Receipt
		if i < len(raw.Receipts) {
			receipt = raw.Receipts[i]
		}
		t, err := n.NormalizeTransaction(b, uint(i), tx, receipt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		block.Transactions = append(block.Transactions, *t)
	}
	return block, errs
}

// NormalizeTransaction converts one transaction of block
func (n *Normalizer) NormalizeTransaction(block *types.Block, index uint, tx *types.Transaction, receipt *types.Receipt) (*models.Transaction, error) {
	if receipt == nil {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Missing receipt", tx.Hash().Hex())
	}

	from, err := types.Sender(n.signer, tx)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation,
			fmt.Sprintf("Failed to recover sender of %s", tx.Hash().Hex()), err)
	}

	t := &models.Transaction{
		Hash:             tx.Hash().Hex(),
		BlockNumber:      block.NumberU64(),
		BlockHash:        block.Hash().Hex(),
		TransactionIndex: index,
		FromAddress:      utils.NormalizeAddress(from.Hex()),
		Value:            new(big.Int).Set(tx.Value()),
		Gas:              tx.Gas(),
		GasPrice:         tx.GasPrice(),
		GasUsed:          receipt.GasUsed,
		Nonce:            tx.Nonce(),
		Timestamp:        time.Unix(int64(block.Time()), 0).UTC(),
		Network:          n.network,
		Status:           receipt.Status,
		TransactionType:  tx.Type(),
	}
	if receipt.EffectiveGasPrice != nil {
		t.GasPrice = receipt.EffectiveGasPrice
	}

	data := tx.Data()
	if len(data) > 0 {
		t.InputData = hexutil.Encode(data)
	}

	if to := tx.To(); to != nil {
		t.ToAddress = utils.NormalizeAddress(to.Hex())
		t.IsContractCall = len(data) > 0
		t.IsTokenTransfer = utils.MethodSelector(data) == TransferSelector
	} else {
		t.IsContractCreation = true
		t.ContractAddress = utils.NormalizeAddress(receipt.ContractAddress.Hex())
	}

	if tx.Type() == types.DynamicFeeTxType {
		t.MaxFeePerGas = tx.GasFeeCap()
		t.MaxPriorityFeePerGas = tx.GasTipCap()
	}

	return t, nil
}
