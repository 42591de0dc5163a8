package stats

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/internal/storage"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sender   = "0x1111111111111111111111111111111111111111"
	receiver = "0x2222222222222222222222222222222222222222"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	mr := miniredis.RunT(t)
	store := storage.NewRedisStore(storage.Options{Address: mr.Addr()})
	require.NoError(t, store.Connect(context.Background()))
	t.Cleanup(func() { store.Close() })
	return NewAggregator(store)
}

func transfer(value int64) *models.Transaction {
	return &models.Transaction{
		Hash:        "0xaa",
		Network:     "ethereum",
		FromAddress: sender,
		ToAddress:   receiver,
		Value:       big.NewInt(value),
		Timestamp:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestUpdateTransaction(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	require.NoError(t, a.UpdateTransaction(ctx, transfer(500)))

	from, err := a.Profile(ctx, "ethereum", sender)
	require.NoError(t, err)
	assert.Equal(t, int64(1), from.SentCount)
	assert.Zero(t, from.ReceivedCount)
	assert.Equal(t, "500", from.SentVolume.String())

	to, err := a.Profile(ctx, "ethereum", receiver)
	require.NoError(t, err)
	assert.Equal(t, int64(1), to.ReceivedCount)
	assert.Equal(t, "500", to.ReceivedVolume.String())
	assert.Equal(t, "500", to.MaxTransaction.String())
}

func TestContractCreationUpdatesSenderOnly(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	tx := transfer(0)
	tx.ToAddress = ""
	require.NoError(t, a.UpdateTransaction(ctx, tx))

	_, err := a.Profile(ctx, "ethereum", receiver)
	assert.True(t, utils.IsCode(err, utils.ErrCodeNotFound))
}

func TestRedeliveryCountsTwice(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	tx := transfer(100)
	require.NoError(t, a.UpdateTransaction(ctx, tx))
	require.NoError(t, a.UpdateTransaction(ctx, tx))

	from, err := a.Profile(ctx, "ethereum", sender)
	require.NoError(t, err)
	assert.Equal(t, int64(2), from.SentCount)
	assert.Equal(t, "200", from.SentVolume.String())

	to, err := a.Profile(ctx, "ethereum", receiver)
	require.NoError(t, err)
	assert.Equal(t, int64(2), to.ReceivedCount)
}

func TestProfileMonotonicity(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	require.NoError(t, a.Update(ctx, sender, "ethereum", big.NewInt(10), true, base))
	require.NoError(t, a.Update(ctx, sender, "ethereum", big.NewInt(5), true, base.Add(-time.Hour)))
	require.NoError(t, a.Update(ctx, sender, "ethereum", big.NewInt(1), false, base.Add(time.Hour)))
	require.NoError(t, a.Update(ctx, sender, "ethereum", big.NewInt(2), false, base.Add(30*time.Minute)))

	p, err := a.Profile(ctx, "ethereum", sender)
	require.NoError(t, err)
	assert.Equal(t, base.Add(-time.Hour).UTC(), p.FirstSeen)
	assert.Equal(t, base.Add(time.Hour).UTC(), p.LastSeen)
	assert.Equal(t, "10", p.MaxTransaction.String())
	assert.Equal(t, "4", p.AverageValue.String())
}

func TestUpdateNormalizesAddress(t *testing.T) {
	a := newAggregator(t)
	ctx := context.Background()

	require.NoError(t, a.Update(ctx, "0xABCDEF0000000000000000000000000000000001", "ethereum", big.NewInt(1), true, time.Now()))
	require.NoError(t, a.MarkSuspicious(ctx, "ethereum", "0xAbCdEf0000000000000000000000000000000001"))

	p, err := a.Profile(ctx, "ethereum", "0xabcdef0000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.SentCount)
	assert.Equal(t, int64(1), p.SuspiciousActivity)

	err = a.Update(ctx, " ", "ethereum", big.NewInt(1), true, time.Now())
	assert.Equal(t, utils.ClassValidation, utils.Classify(err))
}
