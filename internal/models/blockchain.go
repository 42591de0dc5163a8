package models

import (
	"math/big"
	"time"
)

// Transaction is the canonical, network-independent transaction record
type Transaction struct {
	Hash                 string    `json:"hash" db:"hash"`
	BlockNumber          uint64    `json:"block_number" db:"block_number"`
	BlockHash            string    `json:"block_hash" db:"block_hash"`
	TransactionIndex     uint      `json:"transaction_index" db:"transaction_index"`
	FromAddress          string    `json:"from_address" db:"from_address"`
	ToAddress            string    `json:"to_address,omitempty" db:"to_address"`
	Value                *big.Int  `json:"value" db:"value"`
	Gas                  uint64    `json:"gas" db:"gas"`
	GasPrice             *big.Int  `json:"gas_price" db:"gas_price"`
	GasUsed              uint64    `json:"gas_used,omitempty" db:"gas_used"`
	Nonce                uint64    `json:"nonce" db:"nonce"`
	InputData            string    `json:"input_data,omitempty" db:"input_data"`
	Timestamp            time.Time `json:"timestamp" db:"timestamp"`
	Network              string    `json:"network" db:"network"`
	Status               uint64    `json:"status" db:"status"`
	ContractAddress      string    `json:"contract_address,omitempty" db:"contract_address"`
	IsContractCall       bool      `json:"is_contract_call" db:"is_contract_call"`
	IsContractCreation   bool      `json:"is_contract_creation" db:"is_contract_creation"`
	IsTokenTransfer      bool      `json:"is_token_transfer" db:"is_token_transfer"`
	MaxFeePerGas         *big.Int  `json:"max_fee_per_gas,omitempty" db:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int  `json:"max_priority_fee_per_gas,omitempty" db:"max_priority_fee_per_gas"`
	TransactionType      uint8     `json:"transaction_type" db:"transaction_type"`
}

// Transaction receipt status values
const (
	TxStatusFailed  uint64 = 0
	TxStatusSuccess uint64 = 1
)

// Block is the canonical block record
type Block struct {
	Number        uint64        `json:"number" db:"number"`
	Hash          string        `json:"hash" db:"hash"`
	ParentHash    string        `json:"parent_hash" db:"parent_hash"`
	Timestamp     time.Time     `json:"timestamp" db:"timestamp"`
	Difficulty    *big.Int      `json:"difficulty,omitempty" db:"difficulty"`
	GasLimit      uint64        `json:"gas_limit" db:"gas_limit"`
	GasUsed       uint64        `json:"gas_used" db:"gas_used"`
	Miner         string        `json:"miner" db:"miner"`
	Network       string        `json:"network" db:"network"`
	Transactions  []Transaction `json:"transactions"`
	TxCount       int           `json:"tx_count" db:"tx_count"`
	Size          uint64        `json:"size" db:"size"`
	BaseFeePerGas *big.Int      `json:"base_fee_per_gas,omitempty" db:"base_fee_per_gas"`
}

// TokenTransfer is a decoded ERC-20 Transfer log
type TokenTransfer struct {
	TransactionHash string    `json:"transaction_hash"`
	BlockNumber     uint64    `json:"block_number"`
	BlockHash       string    `json:"block_hash"`
	LogIndex        uint      `json:"log_index"`
	ContractAddress string    `json:"contract_address"`
	FromAddress     string    `json:"from_address"`
	ToAddress       string    `json:"to_address"`
	TokenAmount     *big.Int  `json:"token_amount"`
	Removed         bool      `json:"removed"`
	Network         string    `json:"network"`
	ObservedAt      time.Time `json:"observed_at"`
}

// LatestBlockInfo is the per-network head summary kept in the shared store
type LatestBlockInfo struct {
	Network   string    `json:"network"`
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	TxCount   int       `json:"tx_count"`
	UpdatedAt time.Time `json:"updated_at"`
}
