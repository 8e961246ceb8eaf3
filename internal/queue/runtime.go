package queue

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deadonfilm/enrich-cli/internal/config"
	"github.com/deadonfilm/enrich-cli/internal/events"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// JobStore is the durable mirror of the queue. Each job row has a single
// writer: the runtime on enqueue and recovery, then the worker that owns it.
type JobStore interface {
	CreateJobRun(ctx context.Context, job *model.JobRun) error
	UpdateJobRun(ctx context.Context, job *model.JobRun) error
	ListRecoverableJobRuns(ctx context.Context) ([]model.JobRun, error)
	InsertDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
}

// Handler executes one job. The returned value is stored as the job result.
type Handler interface {
	Handle(ctx context.Context, job *model.JobRun) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.JobRun) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.JobRun) (any, error) {
	return f(ctx, job)
}

// Config tunes the runtime.
type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
	// Concurrency is the worker count per queue. Queues not listed get one.
	Concurrency map[string]int
}

// ConfigFromApp maps application config onto Config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second,
		BackoffMax:   time.Duration(cfg.Queue.BackoffMaxSecs) * time.Second,
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		Concurrency:  cfg.Queue.Concurrency,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// EnqueueRequest describes a job to submit.
type EnqueueRequest struct {
	Type model.JobType
	// Payload is marshalled to JSON. json.RawMessage passes through.
	Payload  any
	Priority int
	Delay    time.Duration
	// Queue overrides DefaultQueue(Type).
	Queue       string
	MaxAttempts int
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Workers      int   `json:"workers"`
	Pending      int   `json:"pending"`
	Delayed      int   `json:"delayed"`
	Active       int64 `json:"active"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

type queueState struct {
	name    string
	workers int
	ready   *jobHeap
	notify  chan struct{}

	active, completed, failed, retried, dead atomic.Int64
}

func (q *queueState) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Runtime is the constructed job queue: no package-level state, one value
// per process or test.
type Runtime struct {
	cfg       Config
	store     JobStore
	publisher events.Publisher
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	handlers map[model.JobType]Handler
	queues   map[string]*queueState
	delayed  *jobHeap
	known    map[string]struct{}
	seq      uint64
	started  bool

	stop      chan struct{}
	jobCtx    context.Context
	cancelJob context.CancelFunc
	group     *errgroup.Group
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runtime) { r.publisher = p }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithIDs injects the job and dead-letter id generator.
func WithIDs(fn func() string) Option {
	return func(r *Runtime) { r.newID = fn }
}

// New creates a Runtime backed by store.
func New(cfg Config, store JobStore, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:       cfg.withDefaults(),
		store:     store,
		publisher: events.NopPublisher{},
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		handlers:  make(map[model.JobType]Handler),
		queues:    make(map[string]*queueState),
		delayed:   newDueHeap(),
		known:     make(map[string]struct{}),
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Register binds a handler to a job type. It must be called before Start.
func (r *Runtime) Register(t model.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
	r.queueLocked(DefaultQueue(t))
}

func (r *Runtime) queueLocked(name string) *queueState {
	q, ok := r.queues[name]
	if !ok {
		n := r.cfg.Concurrency[name]
		if n < 1 {
			n = 1
		}
		q = &queueState{name: name, workers: n, ready: newReadyHeap(), notify: make(chan struct{}, 1)}
		r.queues[name] = q
	}
	return q
}

// Enqueue validates the payload and records a new job. Invalid payloads
// return an error wrapping resilience.ErrPayloadInvalid and create nothing.
func (r *Runtime) Enqueue(ctx context.Context, req EnqueueRequest) (*model.JobRun, error) {
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(req.Type, payload); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	job := &model.JobRun{
		ID:          r.newID(),
		Type:        req.Type,
		Queue:       req.Queue,
		Priority:    req.Priority,
		Payload:     payload,
		MaxAttempts: req.MaxAttempts,
		RunAt:       now.Add(req.Delay),
		CreatedAt:   now,
	}
	if job.Queue == "" {
		job.Queue = DefaultQueue(req.Type)
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = r.cfg.MaxAttempts
	}
	event := model.JobEventEnqueue
	if req.Delay > 0 {
		event = model.JobEventSchedule
	}
	if job.Status, err = Transition(statusNew, event); err != nil {
		return nil, err
	}

	if err := r.store.CreateJobRun(ctx, job); err != nil {
		return nil, eris.Wrap(err, "queue: persist job")
	}
	r.publish(ctx, events.KindEnqueued, job)
	zap.L().Info("queue: job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("queue", job.Queue),
		zap.String("status", string(job.Status)),
	)

	out := *job
	r.mu.Lock()
	if r.started {
		r.admitLocked(job)
	}
	r.mu.Unlock()
	return &out, nil
}

func encodePayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrapf(resilience.ErrPayloadInvalid, "queue: encode payload: %v", err)
	}
	return b, nil
}

// admitLocked places job on its ready heap or the delayed heap.
func (r *Runtime) admitLocked(job *model.JobRun) {
	r.known[job.ID] = struct{}{}
	r.seq++
	e := &entry{job: job, seq: r.seq}
	if job.Status == model.JobStatusDelayed {
		r.delayed.push(e)
		return
	}
	q := r.queueLocked(job.Queue)
	q.ready.push(e)
	q.signal()
}

// Start recovers unfinished jobs from the store and launches the scheduler
// and the workers of every queue with a registered handler. Jobs left
// active by a crashed worker go back to pending without consuming an attempt.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return eris.New("queue: runtime already started")
	}
	r.mu.Unlock()

	recovered, err := r.store.ListRecoverableJobRuns(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: list recoverable jobs")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range recovered {
		job := recovered[i]
		if _, seen := r.known[job.ID]; seen {
			continue
		}
		if job.Status == model.JobStatusActive {
			if job.Status, err = Transition(job.Status, model.JobEventRecover); err != nil {
				return err
			}
			job.StartedAt = nil
			if err := r.store.UpdateJobRun(ctx, &job); err != nil {
				return eris.Wrapf(err, "queue: recover job %s", job.ID)
			}
			r.publish(ctx, events.KindRecovered, &job)
		}
		r.admitLocked(&job)
	}
	if len(recovered) > 0 {
		zap.L().Info("queue: recovered jobs", zap.Int("count", len(recovered)))
	}

	r.stop = make(chan struct{})
	r.jobCtx, r.cancelJob = context.WithCancel(context.WithoutCancel(ctx))
	r.group = &errgroup.Group{}
	r.group.Go(func() error {
		r.schedule()
		return nil
	})
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q := r.queues[name]
		if !r.servesLocked(name) {
			continue
		}
		for i := 0; i < q.workers; i++ {
			r.group.Go(func() error {
				r.work(q)
				return nil
			})
		}
		zap.L().Info("queue: workers started", zap.String("queue", name), zap.Int("workers", q.workers))
	}
	r.started = true
	return nil
}

func (r *Runtime) servesLocked(queue string) bool {
	for t := range r.handlers {
		if DefaultQueue(t) == queue {
			return true
		}
	}
	return false
}

// Shutdown stops taking new jobs and waits for in-flight jobs. When ctx
// expires first, in-flight handlers are cancelled; their jobs stay active in
// the store and are recovered on the next Start.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	close(r.stop)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancelJob()
		return nil
	case <-ctx.Done():
		r.cancelJob()
		<-done
		return eris.Wrap(ctx.Err(), "queue: shutdown")
	}
}

// Stats returns per-queue counters.
func (r *Runtime) Stats() map[string]QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	delayed := make(map[string]int)
	for _, e := range r.delayed.items {
		delayed[e.job.Queue]++
	}
	out := make(map[string]QueueStats, len(r.queues))
	for name, q := range r.queues {
		out[name] = QueueStats{
			Workers:      q.workers,
			Pending:      q.ready.Len(),
			Delayed:      delayed[name],
			Active:       q.active.Load(),
			Completed:    q.completed.Load(),
			Failed:       q.failed.Load(),
			Retried:      q.retried.Load(),
			DeadLettered: q.dead.Load(),
		}
	}
	return out
}

// schedule promotes due delayed jobs every poll interval.
func (r *Runtime) schedule() {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.promoteDue()
		}
	}
}

func (r *Runtime) promoteDue() {
	now := r.now()
	r.mu.Lock()
	var due []*model.JobRun
	for e := r.delayed.peek(); e != nil && !e.job.RunAt.After(now); e = r.delayed.peek() {
		r.delayed.pop()
		due = append(due, e.job)
	}
	r.mu.Unlock()

	for _, job := range due {
		next, err := Transition(job.Status, model.JobEventPromote)
		if err != nil {
			zap.L().Error("queue: promote", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		job.Status = next
		r.persist(job)
		r.mu.Lock()
		r.admitLocked(job)
		r.mu.Unlock()
	}
}

func (r *Runtime) work(q *queueState) {
	for {
		job := r.next(q)
		if job == nil {
			return
		}
		r.process(q, job)
	}
}

// next blocks until q has a ready job or the runtime stops.
func (r *Runtime) next(q *queueState) *model.JobRun {
	for {
		select {
		case <-r.stop:
			return nil
		default:
		}
		r.mu.Lock()
		e := q.ready.pop()
		more := q.ready.Len() > 0
		r.mu.Unlock()
		if e != nil {
			if more {
				q.signal()
			}
			return e.job
		}
		select {
		case <-r.stop:
			return nil
		case <-q.notify:
		}
	}
}

func (r *Runtime) process(q *queueState, job *model.JobRun) {
	r.mu.Lock()
	h := r.handlers[job.Type]
	r.mu.Unlock()

	var err error
	if job.Status, err = Transition(job.Status, model.JobEventStart); err != nil {
		zap.L().Error("queue: start", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	started := r.now().UTC()
	job.StartedAt = &started
	job.FinishedAt = nil
	job.Error = ""
	r.persist(job)
	r.publish(r.jobCtx, events.KindStarted, job)

	q.active.Add(1)
	view := *job
	result, runErr := r.invoke(h, &view)
	q.active.Add(-1)

	if runErr != nil && r.jobCtx.Err() != nil {
		zap.L().Warn("queue: job interrupted by shutdown", zap.String("job_id", job.ID))
		r.forget(job)
		return
	}

	finished := r.now().UTC()
	job.FinishedAt = &finished
	job.DurationMs = finished.Sub(started).Milliseconds()
	if runErr == nil {
		r.succeed(q, job, result)
		return
	}
	r.fail(q, job, runErr)
}

func (r *Runtime) invoke(h Handler, job *model.JobRun) (result any, err error) {
	if h == nil {
		return nil, eris.Errorf("queue: no handler for job type %q", job.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("queue: handler panic", zap.String("job_id", job.ID), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = eris.Errorf("queue: handler panic: %v", p)
		}
	}()
	return h.Handle(r.jobCtx, job)
}

func (r *Runtime) succeed(q *queueState, job *model.JobRun, result any) {
	job.Status, _ = Transition(job.Status, model.JobEventSucceed)
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			zap.L().Warn("queue: result not serialisable", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			job.Result = b
		}
	}
	r.persist(job)
	r.forget(job)
	q.completed.Add(1)
	r.publish(r.jobCtx, events.KindSucceeded, job)
	zap.L().Info("queue: job completed",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int64("duration_ms", job.DurationMs),
	)
}

func (r *Runtime) fail(q *queueState, job *model.JobRun, runErr error) {
	job.Status, _ = Transition(job.Status, model.JobEventFail)
	job.Attempts++
	job.Error = runErr.Error()
	q.failed.Add(1)

	if job.Attempts >= job.MaxAttempts {
		job.Status, _ = Transition(job.Status, model.JobEventExhaust)
		r.persist(job)
		r.deadLetter(q, job, runErr)
		r.forget(job)
		return
	}

	delay := Backoff(job.Attempts, r.cfg.BackoffBase, r.cfg.BackoffMax)
	event := model.JobEventRetry
	if delay > 0 {
		event = model.JobEventSchedule
	}
	job.Status, _ = Transition(job.Status, event)
	job.RunAt = r.now().UTC().Add(delay)
	r.persist(job)
	q.retried.Add(1)
	r.publish(r.jobCtx, events.KindRetrying, job)
	zap.L().Warn("queue: job failed, retrying",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(runErr),
	)

	r.mu.Lock()
	r.admitLocked(job)
	r.mu.Unlock()
}

// deadLetter writes the single dead-letter entry of an exhausted job.
func (r *Runtime) deadLetter(q *queueState, job *model.JobRun, runErr error) {
	entry := &model.DeadLetterEntry{
		ID:         r.newID(),
		JobID:      job.ID,
		JobType:    job.Type,
		Queue:      job.Queue,
		Attempts:   job.Attempts,
		FinalError: runErr.Error(),
		ErrorType:  resilience.ClassifyError(runErr),
		Payload:    job.Payload,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.InsertDeadLetter(r.jobCtx, entry); err != nil {
		zap.L().Error("queue: write dead letter", zap.String("job_id", job.ID), zap.Error(err))
	}
	q.dead.Add(1)
	r.publish(r.jobCtx, events.KindDeadLettered, job)
	zap.L().Error("queue: job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempts", job.Attempts),
		zap.String("error_type", entry.ErrorType),
		zap.Error(runErr),
	)
}

func (r *Runtime) forget(job *model.JobRun) {
	r.mu.Lock()
	delete(r.known, job.ID)
	r.mu.Unlock()
}

// persist mirrors job into the store. Store errors are logged; the
// in-memory state stays authoritative for this process.
func (r *Runtime) persist(job *model.JobRun) {
	snapshot := *job
	if err := r.store.UpdateJobRun(context.WithoutCancel(r.jobCtx), &snapshot); err != nil {
		zap.L().Error("queue: mirror job state",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

func (r *Runtime) publish(ctx context.Context, kind events.Kind, job *model.JobRun) {
	if err := r.publisher.Publish(ctx, events.ForJob(kind, job, r.now())); err != nil {
		zap.L().Warn("queue: publish event", zap.String("kind", string(kind)), zap.String("job_id", job.ID), zap.Error(err))
	}
}
