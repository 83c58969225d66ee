package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"finops-core/internal/domain/entity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStarted(t *testing.T, cfg LaneConfig) *Queue {
	t.Helper()
	q, err := New(map[string]LaneConfig{"work": cfg}, nil)
	require.NoError(t, err)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

// collect returns a Done func and a way to wait for n results.
func collect(n int) (func(error), func() []error) {
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	wg.Add(n)
	done := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
		wg.Done()
	}
	wait := func() []error {
		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		return errs
	}
	return done, wait
}

func TestConcurrencyCeiling(t *testing.T) {
	q := newStarted(t, LaneConfig{Concurrency: 2})

	var running, peak atomic.Int32
	done, wait := collect(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "work", Job{
			ID: fmt.Sprint(i),
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
			Done: done,
		}))
	}
	for _, err := range wait() {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(10), q.Stats()["work"].Completed)
}

func TestRateLimitSpacesStarts(t *testing.T) {
	q := newStarted(t, LaneConfig{Concurrency: 5, RateMax: 2, RateWindow: 200 * time.Millisecond})

	start := time.Now()
	done, wait := collect(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "work", Job{
			Run:  func(context.Context) error { return nil },
			Done: done,
		}))
	}
	wait()
	// burst of 2, then one start every 100ms
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	q := newStarted(t, LaneConfig{Concurrency: 1, Attempts: 3, BaseDelay: time.Millisecond})

	var calls atomic.Int32
	done, wait := collect(1)
	require.NoError(t, q.Enqueue(context.Background(), "work", Job{
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return &entity.ProviderError{Provider: "test", Status: 503, Err: errors.New("unavailable")}
			}
			return nil
		},
		Done: done,
	}))

	assert.NoError(t, wait()[0])
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), q.Stats()["work"].Retried)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	q := newStarted(t, LaneConfig{Concurrency: 1, Attempts: 3, BaseDelay: time.Millisecond})

	var calls atomic.Int32
	done, wait := collect(1)
	boom := &entity.ProviderError{Provider: "test", Status: 400, Err: errors.New("bad request")}
	require.NoError(t, q.Enqueue(context.Background(), "work", Job{
		Run: func(context.Context) error {
			calls.Add(1)
			return boom
		},
		Done: done,
	}))

	assert.ErrorIs(t, wait()[0], boom)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), q.Stats()["work"].Failed)
}

func TestTimeoutIsNotRetried(t *testing.T) {
	q := newStarted(t, LaneConfig{Concurrency: 1, Attempts: 3, Timeout: 20 * time.Millisecond, BaseDelay: time.Millisecond})

	var calls atomic.Int32
	done, wait := collect(1)
	require.NoError(t, q.Enqueue(context.Background(), "work", Job{
		Run: func(ctx context.Context) error {
			calls.Add(1)
			<-ctx.Done()
			return &entity.ProviderError{Provider: "test", Status: 503, Err: ctx.Err()}
		},
		Done: done,
	}))

	err := wait()[0]
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopFailsBufferedJobs(t *testing.T) {
	q, err := New(map[string]LaneConfig{"work": {Concurrency: 1}}, nil)
	require.NoError(t, err)

	done, wait := collect(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "work", Job{Run: func(context.Context) error { return nil }, Done: done}))
	}
	q.Stop()

	for _, err := range wait() {
		assert.ErrorIs(t, err, entity.ErrQueueClosed)
	}
	err = q.Enqueue(context.Background(), "work", Job{})
	assert.ErrorIs(t, err, entity.ErrQueueClosed)

	q.Stop()
}

func TestStopCancelsRunningJobs(t *testing.T) {
	q, err := New(map[string]LaneConfig{"work": {Concurrency: 1}}, nil)
	require.NoError(t, err)
	q.Start(context.Background())

	started := make(chan struct{})
	done, wait := collect(1)
	require.NoError(t, q.Enqueue(context.Background(), "work", Job{
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Done: done,
	}))
	<-started
	q.Stop()
	assert.ErrorIs(t, wait()[0], context.Canceled)
}

func TestEnqueueUnknownLane(t *testing.T) {
	q, err := New(map[string]LaneConfig{"work": {Concurrency: 1}}, nil)
	require.NoError(t, err)
	defer q.Stop()

	assert.Error(t, q.Enqueue(context.Background(), "nope", Job{}))
}

func TestNewRejectsZeroConcurrency(t *testing.T) {
	_, err := New(map[string]LaneConfig{"work": {}}, nil)
	assert.Error(t, err)
}
