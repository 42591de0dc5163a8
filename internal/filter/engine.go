// Package filter decides whether a transaction is worth further processing.
package filter

import (
	"context"
	"math/big"
	"sync/atomic"

	"github.com/jfld/web3-fk/internal/addrset"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Reason codes, in evaluation order
const (
	ReasonBelowMinValue    = "below_min_value"
	ReasonExcludedContract = "excluded_contract"
	ReasonZeroValue        = "zero_value_non_contract"
	ReasonFailed           = "failed_transaction"
	ReasonEmpty            = "empty_transaction"
	ReasonSpam             = "spam_transaction"
	ReasonDuplicate        = "duplicate_transaction"
)

const (
	includePreScore   = 0.1
	minTransactionGas = 21000
)

// 1 gwei
var spamGasPriceFloor = big.NewInt(1_000_000_000)

// SeenChecker answers whether a transaction hash is inside the dedup window
type SeenChecker interface {
	Seen(ctx context.Context, network, hash string) (bool, error)
}

// Engine evaluates the filter predicates. Its address sets and minimum value
// can be changed at runtime; evaluation itself never mutates state.
type Engine struct {
	minValue         atomic.Pointer[big.Int]
	excludeContracts addrset.Set
	includeAddresses addrset.Set
	seen             SeenChecker
	metrics          *metrics.Manager
	logger           *logrus.Entry
}

// NewEngine creates an engine. seen may be nil to disable duplicate checks.
func NewEngine(minValue *big.Int, exclude, include addrset.Set, seen SeenChecker, m *metrics.Manager) *Engine {
	if exclude == nil {
		exclude = addrset.New()
	}
	if include == nil {
		include = addrset.New()
	}
	e := &Engine{
		excludeContracts: exclude,
		includeAddresses: include,
		seen:             seen,
		metrics:          m,
		logger:           utils.WithComponent("filter"),
	}
	e.SetMinValue(minValue)
	return e
}

// ShouldProcess evaluates tx. An include-listed address skips every
// predicate except the duplicate check and gets a small pre-score; otherwise
// every predicate is evaluated and each failing one adds its reason.
func (e *Engine) ShouldProcess(ctx context.Context, tx *models.Transaction) *models.FilterResult {
	result := &models.FilterResult{
		ShouldProcess:   true,
		FilteredReasons: []string{},
	}

	if e.includeAddresses.Contains(tx.FromAddress) || e.includeAddresses.Contains(tx.ToAddress) {
		if e.isDuplicate(ctx, tx) {
			result.ShouldProcess = false
			result.FilteredReasons = append(result.FilteredReasons, ReasonDuplicate)
			return result
		}
		result.RiskScore = includePreScore
		return result
	}

	value := utils.BigOrZero(tx.Value)
	reject := func(reason string) {
		result.ShouldProcess = false
		result.FilteredReasons = append(result.FilteredReasons, reason)
	}

	if floor := e.minValue.Load(); floor != nil && value.Cmp(floor) < 0 {
		reject(ReasonBelowMinValue)
	}
	if tx.ToAddress != "" && e.excludeContracts.Contains(tx.ToAddress) {
		reject(ReasonExcludedContract)
	}
	if value.Sign() == 0 && !tx.IsContractCall {
		reject(ReasonZeroValue)
	}
	if tx.Status == models.TxStatusFailed {
		reject(ReasonFailed)
	}
	if tx.ToAddress == "" && tx.InputData == "" {
		reject(ReasonEmpty)
	}
	if isSpam(tx) {
		reject(ReasonSpam)
	}
	if e.isDuplicate(ctx, tx) {
		reject(ReasonDuplicate)
	}

	return result
}

func isSpam(tx *models.Transaction) bool {
	if utils.BigOrZero(tx.GasPrice).Cmp(spamGasPriceFloor) < 0 {
		return true
	}
	return tx.Gas < minTransactionGas
}

// isDuplicate treats a failed lookup as not duplicate
func (e *Engine) isDuplicate(ctx context.Context, tx *models.Transaction) bool {
	if e.seen == nil {
		return false
	}
	seen, err := e.seen.Seen(ctx, tx.Network, tx.Hash)
	if err != nil {
		e.metrics.ObserveError(tx.Network, "dedup", err)
		e.logger.WithError(err).WithFields(logrus.Fields{
			"network": tx.Network,
			"hash":    tx.Hash,
		}).Warn("Dedup lookup failed")
		return false
	}
	return seen
}

// AddExcludeContract excludes transactions sent to address
func (e *Engine) AddExcludeContract(address string) {
	e.excludeContracts.Add(address)
}

// RemoveExcludeContract removes an excluded destination
func (e *Engine) RemoveExcludeContract(address string) {
	e.excludeContracts.Remove(address)
}

// AddIncludeAddress always passes transactions touching address
func (e *Engine) AddIncludeAddress(address string) {
	e.includeAddresses.Add(address)
}

// RemoveIncludeAddress removes an include-listed address
func (e *Engine) RemoveIncludeAddress(address string) {
	e.includeAddresses.Remove(address)
}

// SetMinValue replaces the minimum value threshold; nil disables it
func (e *Engine) SetMinValue(v *big.Int) {
	if v == nil {
		e.minValue.Store(nil)
		return
	}
	e.minValue.Store(new(big.Int).Set(v))
}

// Stats describes the current filter configuration
type Stats struct {
	MinValueWei      string   `json:"min_value_wei"`
	ExcludeContracts []string `json:"exclude_contracts"`
	IncludeAddresses []string `json:"include_addresses"`
}

// Stats returns the current filter configuration
func (e *Engine) Stats() Stats {
	minValue := "0"
	if v := e.minValue.Load(); v != nil {
		minValue = v.String()
	}
	return Stats{
		MinValueWei:      minValue,
		ExcludeContracts: e.excludeContracts.List(),
		IncludeAddresses: e.includeAddresses.List(),
	}
}
