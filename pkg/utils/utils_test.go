package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress("0xABCDEF"))
	assert.Equal(t, "0xabcdef", NormalizeAddress("ABCDEF"))
	assert.Equal(t, "", NormalizeAddress("  "))
}

func TestMethodSelector(t *testing.T) {
	assert.Equal(t, "0xa9059cbb", MethodSelector([]byte{0xa9, 0x05, 0x9c, 0xbb, 0x00}))
	assert.Equal(t, "", MethodSelector([]byte{0x01, 0x02}))
}

func TestParseBlockNumber(t *testing.T) {
	n, err := ParseBlockNumber(FormatBlockNumber(1234))
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), n)
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("1000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", v.String())

	v, err = ParseWei("")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ParseWei("-5")
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestEventTopic(t *testing.T) {
	assert.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		EventTopic("Transfer(address,address,uint256)").Hex())
}

func TestAppErrorChain(t *testing.T) {
	root := errors.New("dial tcp: refused")
	wrapped := WrapError(ErrCodeConnection, "Failed to dial", root)
	outer := fmt.Errorf("network eth: %w", wrapped)

	assert.True(t, errors.Is(outer, root))
	assert.True(t, IsCode(outer, ErrCodeConnection))
	assert.False(t, IsCode(outer, ErrCodeDatabase))
	assert.Contains(t, wrapped.Error(), "refused")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", Classify(nil))
	assert.Equal(t, ClassTransient, Classify(errors.New("boom")))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassValidation, Classify(NewAppError(ErrCodeValidation, "bad")))
	assert.Equal(t, ClassConfiguration, Classify(NewAppError(ErrCodeConfiguration, "bad")))
	assert.Equal(t, ClassResource, Classify(NewAppError(ErrCodeQueueFull, "full")))
	assert.Equal(t, ClassInternal, Classify(NewAppError(ErrCodeInternal, "bug")))
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
			calls++
			return errors.New("still failing")
		})
		assert.EqualError(t, err, "still failing")
		assert.Equal(t, 2, calls)
	})

	t.Run("stops on non retryable", func(t *testing.T) {
		calls := 0
		policy := RetryPolicy{
			BaseDelay: time.Millisecond,
			Retryable: func(err error) bool { return Classify(err) == ClassTransient },
		}
		err := Retry(context.Background(), policy, func(ctx context.Context) error {
			calls++
			return NewAppError(ErrCodeValidation, "bad payload")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("unlimited until context done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := Retry(ctx, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) error {
			return errors.New("down")
		})
		assert.EqualError(t, err, "down")
	})
}

func TestBackoffCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(40))
}
