package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deadonfilm/enrich-cli/internal/events"
	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

type memStore struct {
	mu      sync.Mutex
	jobs    map[string]model.JobRun
	history map[string][]model.JobStatus
	dead    map[string]model.DeadLetterEntry
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]model.JobRun),
		history: make(map[string][]model.JobStatus),
		dead:    make(map[string]model.DeadLetterEntry),
	}
}

func (s *memStore) CreateJobRun(_ context.Context, j *model.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = *j
	s.history[j.ID] = append(s.history[j.ID], j.Status)
	return nil
}

func (s *memStore) UpdateJobRun(_ context.Context, j *model.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = *j
	s.history[j.ID] = append(s.history[j.ID], j.Status)
	return nil
}

func (s *memStore) ListRecoverableJobRuns(context.Context) ([]model.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.JobRun
	for _, j := range s.jobs {
		switch j.Status {
		case model.JobStatusPending, model.JobStatusDelayed, model.JobStatusActive:
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) InsertDeadLetter(_ context.Context, e *model.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dead[e.JobID]; !ok {
		s.dead[e.JobID] = *e
	}
	return nil
}

func (s *memStore) job(id string) model.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *memStore) statuses(id string) []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.JobStatus(nil), s.history[id]...)
}

func (s *memStore) deadLetter(id string) model.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead[id]
}

func (s *memStore) deadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dead)
}

type recorder struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, e.Kind)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) seen() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.kinds...)
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, PollInterval: 5 * time.Millisecond}
}

func start(t *testing.T, rt *Runtime) {
	t.Helper()
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
}

func waitStatus(t *testing.T, st *memStore, id string, want model.JobStatus) model.JobRun {
	t.Helper()
	var got model.JobRun
	require.Eventually(t, func() bool {
		got = st.job(id)
		return got.Status == want && (want != model.JobStatusFailed || got.Attempts >= got.MaxAttempts)
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestEnqueue_InvalidPayloadCreatesNothing(t *testing.T) {
	st := newMemStore()
	rt := New(fastConfig(), st)

	_, err := rt.Enqueue(context.Background(), EnqueueRequest{
		Type:    model.JobTypeEnrichSubject,
		Payload: map[string]any{"dry_run": true},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrPayloadInvalid))
	assert.Empty(t, st.jobs)
}

func TestEnqueue_Defaults(t *testing.T) {
	st := newMemStore()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	rt := New(fastConfig(), st, WithClock(func() time.Time { return now }), WithIDs(func() string { return "job-1" }))

	job, err := rt.Enqueue(context.Background(), EnqueueRequest{
		Type:    model.JobTypeEnrichSubject,
		Payload: EnrichSubjectPayload{SubjectID: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, QueueEnrichment, job.Queue)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, now, job.RunAt)
	assert.JSONEq(t, `{"subject_id":5}`, string(job.Payload))

	delayed, err := rt.Enqueue(context.Background(), EnqueueRequest{
		Type: model.JobTypePruneCache, Delay: time.Hour, MaxAttempts: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDelayed, delayed.Status)
	assert.Equal(t, QueueMaintenance, delayed.Queue)
	assert.Equal(t, now.Add(time.Hour), delayed.RunAt)
	assert.Equal(t, 1, delayed.MaxAttempts)
}

func TestRuntime_RunsJobToCompletion(t *testing.T) {
	st := newMemStore()
	rec := &recorder{}
	rt := New(fastConfig(), st, WithPublisher(rec))
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(_ context.Context, job *model.JobRun) (any, error) {
		p, err := DecodePayload[EnrichSubjectPayload](job)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"enriched": p.SubjectID}, nil
	}))
	start(t, rt)

	job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: 9}})
	require.NoError(t, err)

	done := waitStatus(t, st, job.ID, model.JobStatusCompleted)
	assert.JSONEq(t, `{"enriched":9}`, string(done.Result))
	assert.Zero(t, done.Attempts)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusActive, model.JobStatusCompleted}, st.statuses(job.ID))
	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []events.Kind{events.KindEnqueued, events.KindStarted, events.KindSucceeded}, rec.seen())
	assert.Equal(t, int64(1), rt.Stats()[QueueEnrichment].Completed)
}

func TestRuntime_RetriesThenDeadLettersOnce(t *testing.T) {
	st := newMemStore()
	var calls atomic.Int32
	rt := New(fastConfig(), st)
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(context.Context, *model.JobRun) (any, error) {
		calls.Add(1)
		return nil, resilience.NewTransientError(errors.New("upstream 503"), 503)
	}))
	start(t, rt)

	job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: 1}})
	require.NoError(t, err)

	final := waitStatus(t, st, job.ID, model.JobStatusFailed)
	assert.Equal(t, 3, final.Attempts)
	assert.Contains(t, final.Error, "upstream 503")
	assert.True(t, final.Terminal())

	require.Eventually(t, func() bool { return st.deadCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, st.deadCount())

	dl := st.deadLetter(job.ID)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "transient", dl.ErrorType)
	assert.JSONEq(t, `{"subject_id":1}`, string(dl.Payload))

	stats := rt.Stats()[QueueEnrichment]
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestRuntime_BackoffDelaysRetry(t *testing.T) {
	st := newMemStore()
	var calls atomic.Int32
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	cfg.BackoffBase = 40 * time.Millisecond
	rt := New(cfg, st)
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(context.Context, *model.JobRun) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return nil, nil
	}))
	start(t, rt)

	job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: 1}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.job(job.ID).Status == model.JobStatusDelayed }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	done := waitStatus(t, st, job.ID, model.JobStatusCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.Zero(t, st.deadCount())
	assert.Contains(t, st.statuses(job.ID), model.JobStatusDelayed)
}

func TestRuntime_PriorityOrder(t *testing.T) {
	st := newMemStore()
	rt := New(fastConfig(), st)

	var mu sync.Mutex
	var order []int64
	release := make(chan struct{})
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(_ context.Context, job *model.JobRun) (any, error) {
		p, _ := DecodePayload[EnrichSubjectPayload](job)
		if p.SubjectID == 100 {
			<-release
		}
		mu.Lock()
		order = append(order, p.SubjectID)
		mu.Unlock()
		return nil, nil
	}))
	start(t, rt)

	ctx := context.Background()
	blocker, err := rt.Enqueue(ctx, EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: 100}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return st.job(blocker.ID).Status == model.JobStatusActive }, time.Second, time.Millisecond)

	for i, prio := range []int{5, 1, 5, 0} {
		_, err := rt.Enqueue(ctx, EnqueueRequest{Type: model.JobTypeEnrichSubject, Priority: prio, Payload: EnrichSubjectPayload{SubjectID: int64(i + 1)}})
		require.NoError(t, err)
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{100, 4, 2, 1, 3}, order)
}

func TestRuntime_PerQueueConcurrency(t *testing.T) {
	st := newMemStore()
	cfg := fastConfig()
	cfg.Concurrency = map[string]int{QueueEnrichment: 3}
	rt := New(cfg, st)

	var inFlight, peak atomic.Int32
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(context.Context, *model.JobRun) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}))
	start(t, rt)

	var ids []string
	for i := 1; i <= 9; i++ {
		job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: int64(i)}})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitStatus(t, st, id, model.JobStatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, rt.Stats()[QueueEnrichment].Workers)
}

func TestRuntime_RecoversActiveWithoutConsumingAttempt(t *testing.T) {
	st := newMemStore()
	started := time.Now().Add(-time.Minute)
	st.jobs["crashed"] = model.JobRun{
		ID: "crashed", Type: model.JobTypeEnrichSubject, Queue: QueueEnrichment,
		Status: model.JobStatusActive, Attempts: 1, MaxAttempts: 3, StartedAt: &started,
		Payload: []byte(`{"subject_id":3}`),
	}
	st.jobs["done"] = model.JobRun{ID: "done", Type: model.JobTypeEnrichSubject, Status: model.JobStatusCompleted}

	rec := &recorder{}
	var ran atomic.Int32
	rt := New(fastConfig(), st, WithPublisher(rec))
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(context.Context, *model.JobRun) (any, error) {
		ran.Add(1)
		return nil, nil
	}))
	start(t, rt)

	done := waitStatus(t, st, "crashed", model.JobStatusCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, model.JobStatusPending, st.statuses("crashed")[0])
	assert.Equal(t, int32(1), ran.Load())
	assert.Contains(t, rec.seen(), events.KindRecovered)
}

func TestRuntime_PanicIsJobFailure(t *testing.T) {
	st := newMemStore()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	rt := New(cfg, st)
	rt.Register(model.JobTypePruneCache, HandlerFunc(func(context.Context, *model.JobRun) (any, error) {
		panic("nil map")
	}))
	start(t, rt)

	job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypePruneCache})
	require.NoError(t, err)
	final := waitStatus(t, st, job.ID, model.JobStatusFailed)
	assert.Contains(t, final.Error, "nil map")
	require.Eventually(t, func() bool { return st.deadCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "permanent", st.deadLetter(job.ID).ErrorType)
}

func TestRuntime_ShutdownInterruptsAndLeavesActive(t *testing.T) {
	st := newMemStore()
	rt := New(fastConfig(), st)
	entered := make(chan struct{})
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(ctx context.Context, _ *model.JobRun) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, rt.Start(context.Background()))

	job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: 2}})
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = rt.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := st.job(job.ID)
	assert.Equal(t, model.JobStatusActive, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, st.deadCount())
	assert.NoError(t, rt.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestRuntime_StartTwice(t *testing.T) {
	rt := New(fastConfig(), newMemStore())
	start(t, rt)
	assert.Error(t, rt.Start(context.Background()))
}

func TestRuntime_EnqueueBeforeStartIsPickedUp(t *testing.T) {
	st := newMemStore()
	rt := New(fastConfig(), st)
	rt.Register(model.JobTypeEnrichSubject, HandlerFunc(func(context.Context, *model.JobRun) (any, error) { return nil, nil }))

	var ids []string
	for i := 1; i <= 3; i++ {
		job, err := rt.Enqueue(context.Background(), EnqueueRequest{Type: model.JobTypeEnrichSubject, Payload: EnrichSubjectPayload{SubjectID: int64(i)}})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	start(t, rt)
	for _, id := range ids {
		waitStatus(t, st, id, model.JobStatusCompleted)
		assert.Len(t, st.statuses(id), 3, "history of %s", id)
	}
}
