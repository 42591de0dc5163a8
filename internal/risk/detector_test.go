package risk

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jfld/web3-fk/internal/addrset"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice    = "0x1111111111111111111111111111111111111111"
	bob      = "0x2222222222222222222222222222222222222222"
	hacker   = "0x098b716b8aaf21512996dc57eb0615e2383e2f96"
	mixer    = "0x1234567890abcdef1234567890abcdef12345678"
	oneEther = 1_000_000_000_000_000_000
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(oneEther))
}

// noon UTC, outside the suspicious window
var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newDetector() *Detector {
	return NewDetector(addrset.New(hacker), addrset.New(mixer), Options{
		SuspiciousHoursStart: 2,
		SuspiciousHoursEnd:   6,
	})
}

func plainTx() *models.Transaction {
	return &models.Transaction{
		Hash:        "0xabc",
		Network:     "ethereum",
		BlockNumber: 19000000,
		FromAddress: alice,
		ToAddress:   bob,
		Value:       ether(1),
		Gas:         21000,
		GasPrice:    big.NewInt(20_000_000_000),
		Timestamp:   noon,
		Status:      models.TxStatusSuccess,
	}
}

func TestPlainTransactionHasNoRisk(t *testing.T) {
	r := newDetector().Analyze(plainTx())
	assert.False(t, r.RiskDetected)
	assert.Zero(t, r.RiskScore)
	assert.Equal(t, models.RiskLevelInfo, r.RiskLevel)
	assert.Empty(t, r.RiskFactors)
	assert.Empty(t, r.RiskType)
}

func TestBlacklistedSenderIsCritical(t *testing.T) {
	tx := plainTx()
	tx.FromAddress = strings.ToUpper(hacker[2:])

	r := newDetector().Analyze(tx)
	assert.True(t, r.RiskDetected)
	assert.Equal(t, models.RiskTypeBlacklist, r.RiskType)
	assert.GreaterOrEqual(t, r.RiskScore, 0.8)
	assert.Equal(t, models.RiskLevelCritical, r.RiskLevel)
	assert.Equal(t, []string{FactorBlacklisted}, r.RiskFactors)
	assert.NotEmpty(t, r.Title)
}

func TestRiskTypePriority(t *testing.T) {
	tx := plainTx()
	tx.ToAddress = mixer
	tx.Value = ether(5000)

	r := newDetector().Analyze(tx)
	assert.Equal(t, models.RiskTypeHighValue, r.RiskType)
	assert.Equal(t, []string{FactorHighValue, FactorSuspiciousContract}, r.RiskFactors)
	assert.Equal(t, 1.0, r.RiskScore, "clamped")
	assert.Equal(t, models.RiskLevelCritical, r.RiskLevel)

	tx.Value = ether(1)
	r = newDetector().Analyze(tx)
	assert.Equal(t, models.RiskTypeSuspiciousContract, r.RiskType)
	assert.Equal(t, models.RiskLevelHigh, r.RiskLevel)
}

func TestHighValueThresholdIsExclusive(t *testing.T) {
	d := newDetector()
	tx := plainTx()
	tx.Value = ether(1000)
	assert.False(t, d.Analyze(tx).RiskDetected)

	tx.Value = new(big.Int).Add(ether(1000), big.NewInt(1))
	assert.True(t, d.Analyze(tx).RiskDetected)

	d.SetHighValueThreshold(ether(10))
	tx.Value = ether(11)
	assert.Equal(t, models.RiskTypeHighValue, d.Analyze(tx).RiskType)
}

func TestMinorFactorsDoNotDetect(t *testing.T) {
	tx := plainTx()
	tx.ToAddress = alice
	tx.Value = big.NewInt(0)
	tx.IsContractCall = true
	tx.Timestamp = time.Date(2024, 3, 1, 3, 30, 0, 0, time.UTC)
	tx.Gas = 1_000_000
	tx.GasPrice = ether(1)

	r := newDetector().Analyze(tx)
	assert.False(t, r.RiskDetected)
	assert.Empty(t, r.RiskType)
	assert.Equal(t, []string{
		FactorAbnormalGasFee,
		FactorAbnormalTime,
		FactorSelfTransfer,
		FactorZeroValueCall,
	}, r.RiskFactors)
	assert.InDelta(t, 0.7, r.RiskScore, 1e-9)
	assert.Equal(t, models.RiskLevelHigh, r.RiskLevel)
}

func TestSuspiciousHoursWindow(t *testing.T) {
	d := newDetector()
	for hour, want := range map[int]bool{1: false, 2: true, 6: true, 7: false} {
		tx := plainTx()
		tx.Timestamp = time.Date(2024, 3, 1, hour, 59, 0, 0, time.UTC)
		r := d.Analyze(tx)
		assert.Equal(t, want, len(r.RiskFactors) == 1, "hour %d", hour)
	}

	wrap := NewDetector(nil, nil, Options{SuspiciousHoursStart: 22, SuspiciousHoursEnd: 3})
	tx := plainTx()
	tx.Timestamp = time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	assert.Contains(t, wrap.Analyze(tx).RiskFactors, FactorAbnormalTime)
	tx.Timestamp = noon
	assert.NotContains(t, wrap.Analyze(tx).RiskFactors, FactorAbnormalTime)
}

func TestLevelThresholds(t *testing.T) {
	assert.Equal(t, models.RiskLevelInfo, Level(0.19))
	assert.Equal(t, models.RiskLevelLow, Level(0.2))
	assert.Equal(t, models.RiskLevelMedium, Level(0.4))
	assert.Equal(t, models.RiskLevelHigh, Level(0.6))
	assert.Equal(t, models.RiskLevelCritical, Level(0.8))
	assert.Equal(t, models.RiskLevelCritical, Level(2.8))
}

func TestScoreBoundedAndMonotone(t *testing.T) {
	d := newDetector()

	// Each step adds one more matching heuristic.
	steps := []func(tx *models.Transaction){
		func(tx *models.Transaction) { tx.Timestamp = time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC) },
		func(tx *models.Transaction) { tx.Gas = 1_000_000; tx.GasPrice = ether(1) },
		func(tx *models.Transaction) { tx.ToAddress = mixer },
		func(tx *models.Transaction) { tx.Value = ether(2000) },
		func(tx *models.Transaction) { tx.FromAddress = hacker },
	}

	tx := plainTx()
	prev := d.Analyze(tx).RiskScore
	for i, step := range steps {
		step(tx)
		r := d.Analyze(tx)
		assert.GreaterOrEqual(t, r.RiskScore, prev, "step %d", i)
		assert.GreaterOrEqual(t, r.RiskScore, 0.0)
		assert.LessOrEqual(t, r.RiskScore, 1.0)
		prev = r.RiskScore
	}
	assert.Equal(t, 1.0, prev)
}

func TestRuntimeBlacklist(t *testing.T) {
	d := newDetector()
	assert.False(t, d.IsBlacklisted(bob))

	d.UpdateBlacklist([]string{bob})
	assert.True(t, d.IsBlacklisted(strings.ToUpper(bob[2:])))
	assert.Equal(t, models.RiskTypeBlacklist, d.Analyze(plainTx()).RiskType)

	d.RemoveFromBlacklist(bob)
	assert.False(t, d.Analyze(plainTx()).RiskDetected)
	assert.ElementsMatch(t, []string{hacker}, d.Blacklist())

	d.AddSuspiciousContract(bob)
	assert.Equal(t, models.RiskTypeSuspiciousContract, d.Analyze(plainTx()).RiskType)
}

func TestNewAlert(t *testing.T) {
	tx := plainTx()
	tx.FromAddress = hacker
	r := newDetector().Analyze(tx)
	now := time.Unix(1700000000, 123)

	alert := NewAlert(tx, r, now)
	require.NotNil(t, alert)
	assert.Equal(t, "alert_ethereum_0xabc", alert.ID)
	assert.Equal(t, alert.ID, NewAlert(tx, r, now.Add(time.Hour)).ID, "alert id does not depend on the clock")
	assert.Equal(t, models.AlertStatusActive, alert.Status)
	assert.Equal(t, models.RiskTypeBlacklist, alert.Type)
	assert.Equal(t, models.RiskLevelCritical, alert.Level)
	assert.Equal(t, hacker, alert.Address)
	assert.Equal(t, "ethereum", alert.Network)
	assert.Equal(t, uint64(19000000), alert.Metadata["block_number"])
	assert.Equal(t, ether(1).String(), alert.Metadata["value"])
	assert.Equal(t, bob, alert.Metadata["to_address"])

	r.RiskFactors[0] = "mutated"
	assert.Equal(t, FactorBlacklisted, alert.RiskFactors[0])
}
