// File: internal/pipeline/validator.go
package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
)

// ValidationError describes one invalid field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []*ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, &ValidationError{Field: field, Message: message})
}

// err folds the result into a single validation error, nil when valid
func (r *ValidationResult) err(what string) error {
	r.Valid = len(r.Errors) == 0
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return utils.NewAppError(utils.ErrCodeValidation, what+" validation failed", strings.Join(msgs, "; "))
}

// Validator checks normalized records before they enter the pipeline
type Validator struct {
	addressRegex *regexp.Regexp
	hashRegex    *regexp.Regexp
}

// NewValidator creates a validator
func NewValidator() *Validator {
	return &Validator{
		addressRegex: regexp.MustCompile(`^0x[a-f0-9]{40}$`),
		hashRegex:    regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`),
	}
}

// ValidateTransaction returns a VALIDATION_ERROR describing every invalid field
func (v *Validator) ValidateTransaction(tx *models.Transaction) error {
	result := &ValidationResult{}

	if tx.Network == "" {
		result.add("network", "network is required")
	}
	if !v.hashRegex.MatchString(tx.Hash) {
		result.add("hash", "invalid transaction hash format")
	}
	if !v.addressRegex.MatchString(tx.FromAddress) {
		result.add("from_address", "invalid or non-normalized sender address")
	}
	if tx.ToAddress != "" && !v.addressRegex.MatchString(tx.ToAddress) {
		result.add("to_address", "invalid or non-normalized recipient address")
	}
	if tx.IsContractCreation && tx.ToAddress != "" {
		result.add("to_address", "contract creation must not have a recipient")
	}
	if tx.Value != nil && tx.Value.Sign() < 0 {
		result.add("value", "value must not be negative")
	}
	if tx.Timestamp.IsZero() {
		result.add("timestamp", "timestamp is required")
	}

	return result.err("Transaction")
}

// ValidateBlock checks the block header fields
func (v *Validator) ValidateBlock(block *models.Block) error {
	result := &ValidationResult{}

	if block.Network == "" {
		result.add("network", "network is required")
	}
	if !v.hashRegex.MatchString(block.Hash) {
		result.add("hash", "invalid block hash format")
	}
	if block.Number > 0 && !v.hashRegex.MatchString(block.ParentHash) {
		result.add("parent_hash", "invalid parent hash format")
	}
	if block.GasLimit > 0 && block.GasUsed > block.GasLimit {
		result.add("gas_used", "gas used exceeds gas limit")
	}
	if block.TxCount < len(block.Transactions) {
		result.add("tx_count", "fewer transactions declared than present")
	}

	return result.err("Block")
}
