package timeseries

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type influxStub struct {
	mu     sync.Mutex
	bodies []string
	query  []string
	status int
}

func (s *influxStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.query = append(s.query, r.URL.RawQuery)
		status := s.status
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"internal error","message":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newStubWriter(t *testing.T) (*InfluxWriter, *influxStub) {
	t.Helper()
	stub := &influxStub{}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	w := NewInfluxWriter(config.TimeseriesConfig{
		Enabled: true,
		URL:     srv.URL,
		Token:   "token",
		Org:     "web3-fk",
		Bucket:  "blockchain",
	})
	t.Cleanup(w.Close)
	return w, stub
}

func TestWriteBlock(t *testing.T) {
	w, stub := newStubWriter(t)

	block := &models.Block{
		Number:        100,
		Network:       "ethereum",
		Miner:         "0xminer",
		TxCount:       3,
		GasUsed:       21000,
		GasLimit:      30000000,
		BaseFeePerGas: big.NewInt(7),
		Timestamp:     time.Unix(1700000000, 0),
	}
	require.NoError(t, w.WriteBlock(context.Background(), block))

	require.Len(t, stub.bodies, 1)
	line := stub.bodies[0]
	assert.Contains(t, line, "blocks,")
	assert.Contains(t, line, "network=ethereum")
	assert.Contains(t, line, "number=100u")
	assert.Contains(t, line, `base_fee="7"`)
	assert.Contains(t, stub.query[0], "bucket=blockchain")
	assert.Contains(t, stub.query[0], "org=web3-fk")
}

func TestWriteTransaction(t *testing.T) {
	w, stub := newStubWriter(t)

	tx := &models.Transaction{
		Hash:        "0xabc",
		Network:     "bsc",
		FromAddress: "0xfrom",
		Value:       big.NewInt(5),
		Timestamp:   time.Unix(1700000000, 0),
	}
	require.NoError(t, w.WriteTransaction(context.Background(), tx))

	require.Len(t, stub.bodies, 1)
	assert.Contains(t, stub.bodies[0], "transactions,")
	assert.Contains(t, stub.bodies[0], `value="5"`)
	assert.NotContains(t, stub.bodies[0], "to_address")
}

func TestWriteFailureIsTransient(t *testing.T) {
	w, stub := newStubWriter(t)
	stub.status = http.StatusServiceUnavailable

	err := w.WriteTransaction(context.Background(), &models.Transaction{Network: "bsc", Timestamp: time.Now()})
	require.Error(t, err)
	assert.Equal(t, utils.ClassTransient, utils.Classify(err))
}

func TestPing(t *testing.T) {
	w, _ := newStubWriter(t)
	assert.NoError(t, w.Ping(context.Background()))
}

func TestNewDisabledIsNop(t *testing.T) {
	w := New(config.TimeseriesConfig{Enabled: false})
	_, ok := w.(NopWriter)
	assert.True(t, ok)
	assert.NoError(t, w.WriteBlock(context.Background(), &models.Block{}))
}
