package connection_test

import (
	"context"
	"testing"
	"time"

	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/connection"
	"github.com/jfld/web3-fk/internal/connection/chaintest"
	"github.com/jfld/web3-fk/internal/metrics"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() config.ConnectorConfig {
	return config.ConnectorConfig{
		HealthCheckInterval:    10 * time.Millisecond,
		ReconnectBackoff:       5 * time.Millisecond,
		MaxReconnectBackoff:    20 * time.Millisecond,
		RequestTimeout:         time.Second,
		MaxConsecutiveFailures: 3,
	}
}

func newConnector(chain *chaintest.Chain, chainID int64, push bool) (*connection.NetworkConnector, *metrics.Manager) {
	m := metrics.NewManager()
	cfg := config.NetworkConfig{RPCURL: "http://node", ChainID: chainID, Enabled: true}
	return connection.NewNetworkConnector("ethereum", cfg, testOptions(), chain.Dialer(push), m.GetPrometheusMetrics()), m
}

func TestConnectVerifiesChainID(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(42)

	c, m := newConnector(chain, 1, false)
	require.NoError(t, c.Connect(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, "CONNECTED", snap.State)
	assert.True(t, snap.Healthy)
	assert.False(t, snap.PushAvailable)
	assert.Equal(t, uint64(42), snap.LatestBlock)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GetPrometheusMetrics().ConnectionStatus.WithLabelValues("ethereum")))
}

func TestConnectChainIDMismatch(t *testing.T) {
	chain := chaintest.New(56)

	c, _ := newConnector(chain, 1, false)
	err := c.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
	assert.Equal(t, utils.ClassConfiguration, utils.Classify(err))
	assert.Equal(t, connection.StateDegraded, c.State())
	assert.False(t, c.IsHealthy())
}

func TestRPCFailureDegradesUntilLimit(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(5)

	c, _ := newConnector(chain, 1, false)
	require.NoError(t, c.Connect(context.Background()))

	chain.SetDown(true)
	for i := 0; i < 2; i++ {
		_, err := c.LatestBlockNumber(context.Background())
		require.Error(t, err)
		assert.Equal(t, utils.ClassTransient, utils.Classify(err))
	}
	assert.Equal(t, connection.StateDegraded, c.State())
	assert.True(t, c.IsHealthy(), "below the failure limit")

	_, err := c.LatestBlockNumber(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsHealthy())
	assert.Equal(t, 3, c.Snapshot().ConsecutiveErrors)
}

func TestMissingBlockIsNotAConnectionFailure(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(5)

	c, _ := newConnector(chain, 1, false)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.BlockByNumber(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, connection.StateConnected, c.State())
	assert.Zero(t, c.Snapshot().ConsecutiveErrors)
}

func TestRunReconnectsAfterOutage(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(5)
	chain.SetDown(true)

	c, _ := newConnector(chain, 1, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.NotEqual(t, connection.StateConnected, c.State())

	chain.SetDown(false)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))
	assert.Equal(t, connection.StateConnected, c.State())
	assert.True(t, c.PushAvailable())
	assert.Greater(t, c.Snapshot().Reconnects, uint64(1))
}

func TestSubscribeHeadsRequiresPush(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(1)

	c, _ := newConnector(chain, 1, false)
	require.NoError(t, c.Connect(context.Background()))

	_, _, err := c.SubscribeHeads(context.Background())
	assert.ErrorIs(t, err, connection.ErrPushUnavailable)
}

func TestSubscribeHeadsDelivers(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(3)

	c, _ := newConnector(chain, 1, true)
	require.NoError(t, c.Connect(context.Background()))

	heads, sub, err := c.SubscribeHeads(context.Background())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go chain.EmitHead(3)
	select {
	case h := <-heads:
		assert.Equal(t, uint64(3), h.Number.Uint64())
	case <-time.After(time.Second):
		t.Fatal("no head delivered")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	chain := chaintest.New(1)
	chain.Extend(1)

	c, _ := newConnector(chain, 1, false)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.False(t, c.IsHealthy())

	err := c.Connect(context.Background())
	assert.True(t, utils.IsCode(err, utils.ErrCodeClosed))

	_, err = c.LatestBlockNumber(context.Background())
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{
		Networks: map[string]config.NetworkConfig{
			"ethereum": {RPCURL: "http://a", ChainID: 1, Enabled: true},
			"bsc":      {RPCURL: "http://b", ChainID: 56, Enabled: true},
			"polygon":  {RPCURL: "http://c", ChainID: 137, Enabled: false},
		},
		Connector: testOptions(),
	}
	r := connection.NewRegistry(cfg, chaintest.New(1).Dialer(false), metrics.NewManager().GetPrometheusMetrics())

	assert.Equal(t, []string{"bsc", "ethereum"}, r.Names())
	_, ok := r.Get("polygon")
	assert.False(t, ok)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "bsc", snaps[0].Network)
	assert.Equal(t, "DISCONNECTED", snaps[0].State)

	require.NoError(t, r.CloseAll())
}
