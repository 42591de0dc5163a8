package utils

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// GenerateID generates a random message identifier
func GenerateID() string {
	return uuid.NewString()
}

// IsValidAddress checks if a string is a valid EVM address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// EventTopic returns the keccak256 topic hash of an event signature
func EventTopic(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// MethodSelector returns the 0x-prefixed 4 byte selector of call data, or ""
func MethodSelector(input []byte) string {
	if len(input) < 4 {
		return ""
	}
	return "0x" + hex.EncodeToString(input[:4])
}

// FormatBlockNumber formats a block number for display
func FormatBlockNumber(blockNumber uint64) string {
	return fmt.Sprintf("0x%x", blockNumber)
}

// ParseBlockNumber parses a hex block number string
func ParseBlockNumber(blockNumberHex string) (uint64, error) {
	blockNumberHex = strings.TrimPrefix(blockNumberHex, "0x")

	var blockNumber uint64
	if _, err := fmt.Sscanf(blockNumberHex, "%x", &blockNumber); err != nil {
		return 0, err
	}
	return blockNumber, nil
}

// ParseWei parses a base-10 wei amount; empty input yields nil
func ParseWei(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	wei, ok := new(big.Int).SetString(value, 10)
	if !ok || wei.Sign() < 0 {
		return nil, NewAppError(ErrCodeValidation, "Invalid wei amount", value)
	}
	return wei, nil
}

// BigOrZero returns v, or a fresh zero when v is nil
func BigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
