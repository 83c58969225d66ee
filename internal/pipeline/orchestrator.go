package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
	"finops-core/internal/queue"
)

// subscriberBuffer holds every event one workflow can emit: queued and
// finished per phase, then the completion.
const subscriberBuffer = 16

// Orchestrator owns workflow state. Each phase runs as a job on the queue
// lane named after it; finishing a phase enqueues the next one, so no
// goroutine is held per workflow.
type Orchestrator struct {
	queue  *queue.Queue
	exec   Executor
	store  repository.WorkflowStore
	logger *zap.Logger
	now    func() time.Time
	keep   int

	mu       sync.RWMutex
	flows    map[string]*workflow
	finished []string
}

type workflow struct {
	mu      sync.Mutex
	task    Task
	state   State
	created time.Time
	result  entity.WorkflowResult
	subs    []chan entity.Event
	done    chan struct{}
}

type Option func(*Orchestrator)

// WithStore persists workflow snapshots so status queries survive eviction
// and restarts.
func WithStore(s repository.WorkflowStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRetention sets how many finished workflows stay in memory.
func WithRetention(n int) Option {
	return func(o *Orchestrator) { o.keep = n }
}

// New builds an orchestrator on q, which must have the lanes "phase1",
// "phase2" and "phase3". Starting and stopping q is the caller's job.
func New(q *queue.Queue, exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:  q,
		exec:   exec,
		logger: zap.NewNop(),
		now:    time.Now,
		keep:   1000,
		flows:  make(map[string]*workflow),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit registers a workflow and queues its first phase. It returns the
// workflow id without waiting for any phase.
func (o *Orchestrator) Submit(ctx context.Context, t Task) (string, error) {
	if t.WorkflowID == "" {
		t.WorkflowID = uuid.NewString()
	}
	if t.Complexity == "" {
		t.Complexity = entity.ComplexityStandard
	}

	w := &workflow{
		task:    t,
		state:   NewState(t.WorkflowID, t.Complexity),
		created: o.now(),
		done:    make(chan struct{}),
	}
	w.result = entity.WorkflowResult{
		WorkflowID: t.WorkflowID,
		Status:     entity.WorkflowQueued,
		Complexity: t.Complexity,
		Phases:     w.state.Phases,
		CreatedAt:  w.created,
	}

	o.mu.Lock()
	if _, exists := o.flows[t.WorkflowID]; exists {
		o.mu.Unlock()
		return "", &entity.ValidationError{Field: "workflow_id", Message: "already in use"}
	}
	o.flows[t.WorkflowID] = w
	o.mu.Unlock()

	o.persist(w.snapshot())
	o.logger.Info("workflow submitted",
		zap.String("workflow_id", t.WorkflowID),
		zap.String("complexity", string(t.Complexity)),
		zap.String("tier", string(t.Decision.Tier)))

	o.schedule(ctx, w, entity.Phase1)
	return t.WorkflowID, nil
}

// Wait blocks until the workflow finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (entity.WorkflowResult, error) {
	w, ok := o.lookup(id)
	if !ok {
		return o.Status(ctx, id)
	}
	select {
	case <-w.done:
		return w.snapshot(), nil
	case <-ctx.Done():
		return entity.WorkflowResult{}, ctx.Err()
	}
}

// Execute submits a workflow and waits for it.
func (o *Orchestrator) Execute(ctx context.Context, t Task) (entity.WorkflowResult, error) {
	id, err := o.Submit(ctx, t)
	if err != nil {
		return entity.WorkflowResult{}, err
	}
	return o.Wait(ctx, id)
}

// ExecuteBatch runs independent workflows concurrently. Results are returned
// in input order; the workflows share no mutable state.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, tasks []Task) ([]entity.WorkflowResult, error) {
	results := make([]entity.WorkflowResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			r, err := o.Execute(gctx, t)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Status returns the current snapshot of a workflow.
func (o *Orchestrator) Status(ctx context.Context, id string) (entity.WorkflowResult, error) {
	if w, ok := o.lookup(id); ok {
		return w.snapshot(), nil
	}
	if o.store != nil {
		r, err := o.store.LoadWorkflow(ctx, id)
		if err != nil {
			return entity.WorkflowResult{}, err
		}
		if r != nil {
			return *r, nil
		}
	}
	return entity.WorkflowResult{}, fmt.Errorf("%w: %s", entity.ErrWorkflowNotFound, id)
}

// Subscribe streams the workflow's events. The channel is closed after the
// complete event. For a finished workflow it carries only that event.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan entity.Event, func(), error) {
	w, ok := o.lookup(id)
	if !ok {
		r, err := o.Status(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan entity.Event, 1)
		if r.Done() {
			ch <- entity.Event{Type: entity.EventComplete, WorkflowID: id, Result: &r}
		}
		close(ch)
		return ch, func() {}, nil
	}

	ch := make(chan entity.Event, subscriberBuffer)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Finished() {
		r := w.result
		ch <- entity.Event{Type: entity.EventComplete, WorkflowID: id, Result: &r}
		close(ch)
		return ch, func() {}, nil
	}
	w.subs = append(w.subs, ch)

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, s := range w.subs {
			if s == ch {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// schedule marks phase as running and queues it. A queue refusal fails the
// phase like any other error.
func (o *Orchestrator) schedule(ctx context.Context, w *workflow, phase entity.Phase) {
	w.mu.Lock()
	next, err := Begin(w.state, phase)
	if err != nil {
		w.mu.Unlock()
		o.logger.Error("invalid phase start", zap.String("workflow_id", w.task.WorkflowID), zap.Error(err))
		return
	}
	w.state = next
	w.result.Status = entity.WorkflowRunning
	w.result.Phases = next.Phases
	task := w.task
	prior := next.Phases
	w.emit(entity.Event{Type: entity.EventProgress, WorkflowID: task.WorkflowID, Message: string(phase) + " queued"})
	w.mu.Unlock()

	var result entity.PhaseResult
	var started time.Time
	job := queue.Job{
		ID: task.WorkflowID + "/" + string(phase),
		Run: func(ctx context.Context) error {
			started = o.now()
			r, err := o.exec.RunPhase(ctx, phase, task, prior)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		Done: func(err error) {
			if err != nil {
				result = o.failure(phase, started, err)
			}
			o.advance(context.WithoutCancel(ctx), w, phase, result)
		},
	}
	if err := o.queue.Enqueue(ctx, string(phase), job); err != nil {
		o.advance(context.WithoutCancel(ctx), w, phase, o.failure(phase, o.now(), err))
	}
}

func (o *Orchestrator) failure(phase entity.Phase, started time.Time, err error) entity.PhaseResult {
	r := entity.PhaseResult{Status: entity.PhaseFailed, Error: err.Error()}
	if !started.IsZero() {
		r.DurationMs = o.now().Sub(started).Milliseconds()
	}
	var pe *entity.ProviderError
	if errors.As(err, &pe) {
		r.Model = pe.Model
	}
	return r
}

// advance applies a phase result and either queues the next phase or
// finishes the workflow.
func (o *Orchestrator) advance(ctx context.Context, w *workflow, phase entity.Phase, r entity.PhaseResult) {
	if r.Status == "" {
		r.Status = entity.PhaseSuccess
	}

	w.mu.Lock()
	next, err := Transition(w.state, phase, r)
	if err != nil {
		w.mu.Unlock()
		o.logger.Error("invalid phase transition", zap.String("workflow_id", w.task.WorkflowID), zap.Error(err))
		return
	}
	w.state = next
	w.result.Phases = next.Phases
	w.emit(entity.Event{Type: entity.EventProgress, WorkflowID: w.task.WorkflowID, Message: fmt.Sprintf("%s %s", phase, r.Status)})

	if !next.Finished() {
		w.mu.Unlock()
		o.logger.Debug("phase finished",
			zap.String("workflow_id", w.task.WorkflowID),
			zap.String("phase", string(phase)),
			zap.String("status", string(r.Status)))
		o.schedule(ctx, w, next.Next)
		return
	}

	w.result = o.finalize(w)
	final := w.result
	w.emit(entity.Event{Type: entity.EventComplete, WorkflowID: final.WorkflowID, Result: &final})
	for _, s := range w.subs {
		close(s)
	}
	w.subs = nil
	w.mu.Unlock()

	o.logger.Info("workflow finished",
		zap.String("workflow_id", final.WorkflowID),
		zap.String("status", string(final.Status)),
		zap.Int64("duration_ms", final.Metrics.DurationMs),
		zap.Int("tokens", final.Metrics.TokensUsed),
		zap.Float64("cost", final.Metrics.Cost))
	o.persist(final)
	o.retire(final.WorkflowID)
	close(w.done)
}

// finalize builds the terminal result. Caller holds w.mu.
func (o *Orchestrator) finalize(w *workflow) entity.WorkflowResult {
	r := w.result
	r.Phases = w.state.Phases
	r.Status = Classify(r.Phases)

	seen := make(map[string]struct{})
	m := entity.WorkflowMetrics{DurationMs: o.now().Sub(w.created).Milliseconds(), ModelsUsed: []string{}}
	for _, p := range entity.Phases {
		pr := r.Phases[p]
		m.TokensUsed += pr.TokensUsed
		m.Cost += pr.Cost
		if pr.Status == entity.PhaseSuccess && pr.Model != "" {
			if _, dup := seen[pr.Model]; !dup {
				seen[pr.Model] = struct{}{}
				m.ModelsUsed = append(m.ModelsUsed, pr.Model)
			}
		}
	}
	r.Metrics = m

	r.FinalOutput = ""
	if r.Status != entity.WorkflowFailed {
		r.FinalOutput = r.Phases[entity.Phase3].Output
	}
	return r
}

// emit never blocks: subscriber channels are sized for a whole workflow.
// Caller holds w.mu.
func (w *workflow) emit(ev entity.Event) {
	for _, s := range w.subs {
		select {
		case s <- ev:
		default:
		}
	}
}

func (w *workflow) snapshot() entity.WorkflowResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.result
	r.Phases = make(map[entity.Phase]entity.PhaseResult, len(w.result.Phases))
	for k, v := range w.result.Phases {
		r.Phases[k] = v
	}
	return r
}

func (o *Orchestrator) lookup(id string) (*workflow, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.flows[id]
	return w, ok
}

// retire evicts the oldest finished workflows beyond the retention limit.
func (o *Orchestrator) retire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, id)
	for len(o.finished) > o.keep {
		delete(o.flows, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func (o *Orchestrator) persist(r entity.WorkflowResult) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.store.SaveWorkflow(ctx, r); err != nil {
		o.logger.Warn("workflow snapshot not saved", zap.String("workflow_id", r.WorkflowID), zap.Error(err))
	}
}
