package filter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/jfld/web3-fk/internal/addrset"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSeen struct {
	hashes map[string]bool
	err    error
	calls  int
}

func (f *fakeSeen) Seen(ctx context.Context, network, hash string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.hashes[network+":"+hash], nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func validTx() *models.Transaction {
	return &models.Transaction{
		Hash:        "0xaa",
		Network:     "ethereum",
		FromAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		Value:       big.NewInt(1_000_000),
		Gas:         21000,
		GasPrice:    gwei(5),
		Status:      models.TxStatusSuccess,
	}
}

func newTestEngine(seen SeenChecker) *Engine {
	return NewEngine(nil, addrset.New(), addrset.New(), seen, metrics.NewManager())
}

func TestValidTransactionPasses(t *testing.T) {
	r := newTestEngine(nil).ShouldProcess(context.Background(), validTx())
	assert.True(t, r.ShouldProcess)
	assert.Empty(t, r.FilteredReasons)
	assert.Zero(t, r.RiskScore)
}

func TestZeroValueNonContract(t *testing.T) {
	tx := validTx()
	tx.Value = big.NewInt(0)
	tx.IsContractCall = false

	r := newTestEngine(nil).ShouldProcess(context.Background(), tx)
	assert.False(t, r.ShouldProcess)
	assert.Contains(t, r.FilteredReasons, ReasonZeroValue)
}

func TestZeroValueContractCallPasses(t *testing.T) {
	tx := validTx()
	tx.Value = big.NewInt(0)
	tx.IsContractCall = true
	tx.InputData = "0xa9059cbb"

	r := newTestEngine(nil).ShouldProcess(context.Background(), tx)
	assert.True(t, r.ShouldProcess)
}

func TestReasonsAccumulateInOrder(t *testing.T) {
	e := newTestEngine(&fakeSeen{hashes: map[string]bool{"ethereum:0xaa": true}})
	e.SetMinValue(big.NewInt(10))

	tx := validTx()
	tx.ToAddress = ""
	tx.Value = big.NewInt(0)
	tx.Status = models.TxStatusFailed
	tx.GasPrice = big.NewInt(100)
	tx.Gas = 20000

	r := e.ShouldProcess(context.Background(), tx)
	assert.False(t, r.ShouldProcess)
	assert.Equal(t, []string{
		ReasonBelowMinValue,
		ReasonZeroValue,
		ReasonFailed,
		ReasonEmpty,
		ReasonSpam,
		ReasonDuplicate,
	}, r.FilteredReasons)
}

func TestExcludedContract(t *testing.T) {
	e := newTestEngine(nil)
	e.AddExcludeContract("0x2222222222222222222222222222222222222222")

	r := e.ShouldProcess(context.Background(), validTx())
	assert.Equal(t, []string{ReasonExcludedContract}, r.FilteredReasons)

	e.RemoveExcludeContract("0x2222222222222222222222222222222222222222")
	assert.True(t, e.ShouldProcess(context.Background(), validTx()).ShouldProcess)
}

func TestIncludeListShortCircuits(t *testing.T) {
	seen := &fakeSeen{hashes: map[string]bool{}}
	e := newTestEngine(seen)
	e.AddIncludeAddress("0x1111111111111111111111111111111111111111")

	tx := validTx()
	tx.Status = models.TxStatusFailed
	tx.Value = big.NewInt(0)

	r := e.ShouldProcess(context.Background(), tx)
	assert.True(t, r.ShouldProcess)
	assert.Empty(t, r.FilteredReasons)
	assert.Equal(t, 0.1, r.RiskScore)
	assert.Equal(t, 1, seen.calls, "only the duplicate check runs for include-listed addresses")

	e.RemoveIncludeAddress("0x1111111111111111111111111111111111111111")
	assert.False(t, e.ShouldProcess(context.Background(), tx).ShouldProcess)
}

func TestIncludeListedDuplicateIsFiltered(t *testing.T) {
	seen := &fakeSeen{hashes: map[string]bool{"ethereum:0xaa": true}}
	e := newTestEngine(seen)
	e.AddIncludeAddress("0x2222222222222222222222222222222222222222")

	r := e.ShouldProcess(context.Background(), validTx())
	assert.False(t, r.ShouldProcess)
	assert.Equal(t, []string{ReasonDuplicate}, r.FilteredReasons)
	assert.Zero(t, r.RiskScore)
}

func TestSpamThresholds(t *testing.T) {
	e := newTestEngine(nil)

	tx := validTx()
	tx.GasPrice = gwei(1)
	assert.True(t, e.ShouldProcess(context.Background(), tx).ShouldProcess, "exactly 1 gwei is not spam")

	tx.GasPrice = new(big.Int).Sub(gwei(1), big.NewInt(1))
	assert.Equal(t, []string{ReasonSpam}, e.ShouldProcess(context.Background(), tx).FilteredReasons)

	tx = validTx()
	tx.Gas = 20999
	assert.Equal(t, []string{ReasonSpam}, e.ShouldProcess(context.Background(), tx).FilteredReasons)
}

func TestDedupFailureIsNotDuplicate(t *testing.T) {
	m := metrics.NewManager()
	e := NewEngine(nil, nil, nil, &fakeSeen{err: errors.New("redis: i/o timeout")}, m)

	r := e.ShouldProcess(context.Background(), validTx())
	assert.True(t, r.ShouldProcess)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.GetPrometheusMetrics().ErrorsTotal.WithLabelValues("ethereum", "dedup", utils.ClassTransient)))
}

func TestShouldProcessIsDeterministic(t *testing.T) {
	e := newTestEngine(&fakeSeen{hashes: map[string]bool{}})
	e.SetMinValue(big.NewInt(500))

	txs := []*models.Transaction{validTx()}
	low := validTx()
	low.Value = big.NewInt(1)
	low.Status = models.TxStatusFailed
	txs = append(txs, low)

	for _, tx := range txs {
		first := e.ShouldProcess(context.Background(), tx)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, e.ShouldProcess(context.Background(), tx))
		}
	}
}

func TestStats(t *testing.T) {
	e := NewEngine(big.NewInt(42), addrset.New("0xB"), addrset.New("0xA"), nil, metrics.NewManager())
	s := e.Stats()
	assert.Equal(t, "42", s.MinValueWei)
	assert.Equal(t, []string{"0xb"}, s.ExcludeContracts)
	assert.Equal(t, []string{"0xa"}, s.IncludeAddresses)

	e.SetMinValue(nil)
	assert.Equal(t, "0", e.Stats().MinValueWei)
}
