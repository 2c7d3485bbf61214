package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stopRetryErr struct{ stop bool }

func (e stopRetryErr) Error() string   { return "stop retry error" }
func (e stopRetryErr) StopRetry() bool { return e.stop }

func TestThrottlerDoSucceedsWithoutRetry(t *testing.T) {
	th := New(100, WithMaxRetries(3))
	th.Start(context.Background())
	defer th.Stop()

	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestThrottlerDoReturnsImmediatelyOnStopRetryer(t *testing.T) {
	th := New(100, WithMaxRetries(5))
	th.Start(context.Background())
	defer th.Stop()

	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		return stopRetryErr{stop: true}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestThrottlerDoRetriesUntilMaxRetriesThenFails(t *testing.T) {
	th := New(1000, WithMaxRetries(1), WithRandom(func() float64 { return 0 }))
	th.Start(context.Background())
	defer th.Stop()

	calls := 0
	sentinel := errors.New("boom")
	err := th.Do(context.Background(), func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls) // initial attempt + 1 retry
}

func TestThrottlerDoHonorsWaitExtractor(t *testing.T) {
	extractor := func(err error) (time.Duration, bool) {
		return time.Millisecond, true
	}
	th := New(1000, WithMaxRetries(1), WithWaitExtractors(extractor))
	th.Start(context.Background())
	defer th.Stop()

	calls := 0
	err := th.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("retryable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestThrottlerDoReturnsErrNotStartedBeforeStart(t *testing.T) {
	th := New(10)
	err := th.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestThrottlerDoRespectsContextCancellation(t *testing.T) {
	th := New(1)
	th.Start(context.Background())
	defer th.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := th.Do(ctx, func() error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	short := Backoff(0)
	long := Backoff(10)

	assert.Less(t, short, long)
	assert.LessOrEqual(t, long, 90*time.Second)
}
