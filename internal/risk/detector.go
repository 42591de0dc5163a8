// Package risk scores transactions with weighted heuristics.
package risk

import (
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jfld/web3-fk/internal/addrset"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Factor names, in evaluation order
const (
	FactorBlacklisted        = "blacklisted_address"
	FactorHighValue          = "high_value_transaction"
	FactorSuspiciousContract = "suspicious_contract"
	FactorAbnormalGasFee     = "abnormal_gas_fee"
	FactorAbnormalTime       = "abnormal_time"
	FactorSelfTransfer       = "self_transfer"
	FactorZeroValueCall      = "zero_value_transaction"
)

const (
	weightBlacklist          = 0.8
	weightHighValue          = 0.6
	weightSuspiciousContract = 0.7
	weightAbnormalGasFee     = 0.3
	weightAbnormalTime       = 0.2
	weightSelfTransfer       = 0.1
	weightZeroValueCall      = 0.1
)

var (
	// 1000 ETH
	DefaultHighValueThreshold = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	// 100 ETH
	DefaultAbnormalGasFee = new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
)

type titled struct {
	title       string
	description string
}

var titles = map[string]titled{
	models.RiskTypeBlacklist:          {"Blacklisted address transaction", "Transaction involves a blacklisted address"},
	models.RiskTypeHighValue:          {"High value transfer", "Large fund movement detected"},
	models.RiskTypeSuspiciousContract: {"Suspicious contract interaction", "Transaction interacts with a known suspicious contract"},
	models.RiskTypeGeneral:            {"General risk transaction", "Potential risk factors detected"},
}

// Options configures a Detector. Zero thresholds take the defaults.
type Options struct {
	HighValueThreshold *big.Int
	AbnormalGasFee     *big.Int
	// Inclusive UTC hour window; Start > End wraps past midnight
	SuspiciousHoursStart int
	SuspiciousHoursEnd   int
}

// Detector evaluates risk heuristics. Lookups are in-memory set reads;
// analysis never performs I/O or mutates detector state.
type Detector struct {
	blacklist  addrset.Set
	suspicious addrset.Set
	highValue  atomic.Pointer[big.Int]
	gasFee     *big.Int
	hoursStart int
	hoursEnd   int
	logger     *logrus.Entry
}

// NewDetector creates a detector over the given address sets
func NewDetector(blacklist, suspicious addrset.Set, opts Options) *Detector {
	if blacklist == nil {
		blacklist = addrset.New()
	}
	if suspicious == nil {
		suspicious = addrset.New()
	}
	gasFee := opts.AbnormalGasFee
	if gasFee == nil || gasFee.Sign() == 0 {
		gasFee = DefaultAbnormalGasFee
	}

	d := &Detector{
		blacklist:  blacklist,
		suspicious: suspicious,
		gasFee:     new(big.Int).Set(gasFee),
		hoursStart: opts.SuspiciousHoursStart,
		hoursEnd:   opts.SuspiciousHoursEnd,
		logger:     utils.WithComponent("risk"),
	}
	d.SetHighValueThreshold(opts.HighValueThreshold)
	return d
}

// Analyze scores tx. The level is derived from the accumulated score before
// it is clamped to 1.
func (d *Detector) Analyze(tx *models.Transaction) *models.RiskResult {
	result := &models.RiskResult{
		RiskLevel:   models.RiskLevelInfo,
		RiskFactors: []string{},
	}

	var score float64
	hit := func(factor string, weight float64) {
		score += weight
		result.RiskFactors = append(result.RiskFactors, factor)
	}
	detect := func(factor string, weight float64, riskType string) {
		hit(factor, weight)
		result.RiskDetected = true
		if result.RiskType == "" {
			result.RiskType = riskType
		}
	}

	value := utils.BigOrZero(tx.Value)

	if d.blacklist.Contains(tx.FromAddress) || d.blacklist.Contains(tx.ToAddress) {
		detect(FactorBlacklisted, weightBlacklist, models.RiskTypeBlacklist)
	}
	if value.Cmp(d.highValue.Load()) > 0 {
		detect(FactorHighValue, weightHighValue, models.RiskTypeHighValue)
	}
	if tx.ToAddress != "" && d.suspicious.Contains(tx.ToAddress) {
		detect(FactorSuspiciousContract, weightSuspiciousContract, models.RiskTypeSuspiciousContract)
	}
	if d.abnormalGasFee(tx) {
		hit(FactorAbnormalGasFee, weightAbnormalGasFee)
	}
	if !tx.Timestamp.IsZero() && d.inSuspiciousHours(tx.Timestamp) {
		hit(FactorAbnormalTime, weightAbnormalTime)
	}
	if tx.ToAddress != "" && strings.EqualFold(tx.FromAddress, tx.ToAddress) {
		hit(FactorSelfTransfer, weightSelfTransfer)
	}
	if value.Sign() == 0 && tx.IsContractCall {
		hit(FactorZeroValueCall, weightZeroValueCall)
	}

	result.RiskLevel = Level(score)
	if score > 1 {
		score = 1
	}
	result.RiskScore = score

	if result.RiskDetected {
		if result.RiskType == "" {
			result.RiskType = models.RiskTypeGeneral
		}
		t := titles[result.RiskType]
		result.Title = t.title
		result.Description = t.description
	}
	return result
}

// Level maps an accumulated score to a risk level
func Level(score float64) string {
	switch {
	case score >= 0.8:
		return models.RiskLevelCritical
	case score >= 0.6:
		return models.RiskLevelHigh
	case score >= 0.4:
		return models.RiskLevelMedium
	case score >= 0.2:
		return models.RiskLevelLow
	default:
		return models.RiskLevelInfo
	}
}

func (d *Detector) abnormalGasFee(tx *models.Transaction) bool {
	fee := new(big.Int).Mul(utils.BigOrZero(tx.GasPrice), new(big.Int).SetUint64(tx.Gas))
	return fee.Cmp(d.gasFee) > 0
}

func (d *Detector) inSuspiciousHours(ts time.Time) bool {
	hour := ts.UTC().Hour()
	if d.hoursStart <= d.hoursEnd {
		return hour >= d.hoursStart && hour <= d.hoursEnd
	}
	return hour >= d.hoursStart || hour <= d.hoursEnd
}

// UpdateBlacklist adds addresses to the blacklist
func (d *Detector) UpdateBlacklist(addresses []string) {
	d.blacklist.Add(addresses...)
	d.logger.WithField("count", len(addresses)).Info("Blacklist updated")
}

// RemoveFromBlacklist removes address from the blacklist
func (d *Detector) RemoveFromBlacklist(address string) {
	d.blacklist.Remove(address)
}

// IsBlacklisted reports whether address is blacklisted
func (d *Detector) IsBlacklisted(address string) bool {
	return d.blacklist.Contains(address)
}

// Blacklist lists the blacklisted addresses
func (d *Detector) Blacklist() []string {
	return d.blacklist.List()
}

// AddSuspiciousContract marks address as a suspicious contract
func (d *Detector) AddSuspiciousContract(address string) {
	d.suspicious.Add(address)
}

// SetHighValueThreshold replaces the high value threshold; nil restores the default
func (d *Detector) SetHighValueThreshold(threshold *big.Int) {
	if threshold == nil || threshold.Sign() == 0 {
		threshold = DefaultHighValueThreshold
	}
	d.highValue.Store(new(big.Int).Set(threshold))
}

// AlertID is stable per transaction so a retried block republishes the
// same alert key
func AlertID(network, hash string) string {
	return fmt.Sprintf("alert_%s_%s", network, hash)
}

// NewAlert builds the alert published for a detected risk
func NewAlert(tx *models.Transaction, result *models.RiskResult, now time.Time) *models.RiskAlert {
	metadata := map[string]interface{}{
		"block_number": tx.BlockNumber,
		"value":        utils.BigOrZero(tx.Value).String(),
		"gas_price":    utils.BigOrZero(tx.GasPrice).String(),
		"to_address":   tx.ToAddress,
	}

	factors := make([]string, len(result.RiskFactors))
	copy(factors, result.RiskFactors)

	return &models.RiskAlert{
		ID:              AlertID(tx.Network, tx.Hash),
		Type:            result.RiskType,
		Level:           result.RiskLevel,
		Title:           result.Title,
		Description:     result.Description,
		TransactionHash: tx.Hash,
		Address:         tx.FromAddress,
		Network:         tx.Network,
		RiskScore:       result.RiskScore,
		RiskFactors:     factors,
		Metadata:        metadata,
		Timestamp:       now.UTC(),
		Status:          models.AlertStatusActive,
	}
}

// HighRiskRecord builds the high risk index entry for tx
func HighRiskRecord(tx *models.Transaction, result *models.RiskResult) *models.HighRiskRecord {
	return &models.HighRiskRecord{
		Hash:        tx.Hash,
		FromAddress: tx.FromAddress,
		ToAddress:   tx.ToAddress,
		Value:       utils.BigOrZero(tx.Value).String(),
		RiskScore:   result.RiskScore,
		RiskType:    result.RiskType,
		RiskLevel:   result.RiskLevel,
		Network:     tx.Network,
		Timestamp:   tx.Timestamp,
	}
}
