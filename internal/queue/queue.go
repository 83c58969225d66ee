// Package queue runs jobs on named lanes, each with its own worker count,
// start rate, per-attempt timeout and retry budget.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"finops-core/internal/domain/entity"
)

// LaneConfig sizes one lane.
type LaneConfig struct {
	Concurrency int
	// RateMax job attempts may start per RateWindow.
	RateMax    int
	RateWindow time.Duration
	// Timeout bounds a single attempt. A timed-out attempt is not retried.
	Timeout time.Duration
	// Attempts is the total number of tries for transient failures.
	Attempts  int
	BaseDelay time.Duration
	Buffer    int
}

// Job is one unit of work. Run may be invoked more than once; Done is called
// exactly once with the final error, or nil on success.
type Job struct {
	ID   string
	Run  func(ctx context.Context) error
	Done func(err error)
}

type LaneStats struct {
	Enqueued  int64 `json:"enqueued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

type lane struct {
	name    string
	cfg     LaneConfig
	jobs    chan Job
	limiter *rate.Limiter

	enqueued, active, completed, failed, retried atomic.Int64
}

type Queue struct {
	lanes  map[string]*lane
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	sending sync.WaitGroup
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	start   sync.Once
}

func New(lanes map[string]LaneConfig, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{lanes: make(map[string]*lane, len(lanes)), logger: logger, quit: make(chan struct{})}
	for name, cfg := range lanes {
		if cfg.Concurrency <= 0 {
			return nil, fmt.Errorf("lane %s: concurrency must be positive", name)
		}
		if cfg.Attempts <= 0 {
			cfg.Attempts = 1
		}
		if cfg.BaseDelay <= 0 {
			cfg.BaseDelay = 500 * time.Millisecond
		}
		if cfg.Buffer <= 0 {
			cfg.Buffer = 256
		}
		l := &lane{name: name, cfg: cfg, jobs: make(chan Job, cfg.Buffer), limiter: rate.NewLimiter(rate.Inf, 1)}
		if cfg.RateMax > 0 && cfg.RateWindow > 0 {
			l.limiter = rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateMax)), cfg.RateMax)
		}
		q.lanes[name] = l
	}
	return q, nil
}

// Start launches the workers. Later calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.start.Do(func() {
		ctx, q.cancel = context.WithCancel(ctx)
		for _, l := range q.lanes {
			for i := 0; i < l.cfg.Concurrency; i++ {
				q.wg.Add(1)
				go q.work(ctx, l)
			}
		}
		q.logger.Info("job queue started", zap.Int("lanes", len(q.lanes)))
	})
}

// Enqueue submits a job to a lane. It blocks while the lane buffer is full.
func (q *Queue) Enqueue(ctx context.Context, laneName string, j Job) error {
	l, ok := q.lanes[laneName]
	if !ok {
		return fmt.Errorf("unknown lane %q", laneName)
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return entity.ErrQueueClosed
	}
	q.sending.Add(1)
	q.mu.RUnlock()
	defer q.sending.Done()

	select {
	case l.jobs <- j:
		l.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return entity.ErrQueueClosed
	}
}

// Stop cancels running attempts, waits for the workers and fails every job
// still buffered with ErrQueueClosed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	if q.cancel != nil {
		q.cancel()
	}
	q.sending.Wait()
	q.wg.Wait()

	for _, l := range q.lanes {
	drain:
		for {
			select {
			case j := <-l.jobs:
				l.failed.Add(1)
				finish(j, entity.ErrQueueClosed)
			default:
				break drain
			}
		}
	}
	q.logger.Info("job queue stopped")
}

func (q *Queue) Stats() map[string]LaneStats {
	out := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		out[name] = LaneStats{
			Enqueued:  l.enqueued.Load(),
			Active:    l.active.Load(),
			Completed: l.completed.Load(),
			Failed:    l.failed.Load(),
			Retried:   l.retried.Load(),
		}
	}
	return out
}

func (q *Queue) work(ctx context.Context, l *lane) {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case j := <-l.jobs:
			l.active.Add(1)
			err := q.run(ctx, l, j)
			l.active.Add(-1)
			if err != nil {
				l.failed.Add(1)
			} else {
				l.completed.Add(1)
			}
			finish(j, err)
		}
	}
}

func (q *Queue) run(ctx context.Context, l *lane, j Job) error {
	var lastErr error
	for attempt := 0; attempt < l.cfg.Attempts; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		timedOut, err := attemptOnce(ctx, l.cfg.Timeout, j)
		if err == nil {
			return nil
		}
		lastErr = err

		if timedOut {
			q.logger.Warn("job attempt timed out", zap.String("lane", l.name), zap.String("job", j.ID), zap.Duration("timeout", l.cfg.Timeout))
			return fmt.Errorf("%s timed out after %s: %w", l.name, l.cfg.Timeout, err)
		}
		if !entity.IsTransient(err) || attempt == l.cfg.Attempts-1 {
			break
		}

		l.retried.Add(1)
		wait := backoff(l.cfg.BaseDelay, attempt)
		q.logger.Debug("retrying job", zap.String("lane", l.name), zap.String("job", j.ID), zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func attemptOnce(ctx context.Context, timeout time.Duration, j Job) (timedOut bool, err error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = j.Run(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return true, err
	}
	return false, err
}

// backoff is base × 2^attempt plus up to 20% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := float64(base) * float64(int(1)<<attempt)
	return time.Duration(d + rand.Float64()*0.2*d)
}

func finish(j Job, err error) {
	if j.Done != nil {
		j.Done(err)
	}
}
