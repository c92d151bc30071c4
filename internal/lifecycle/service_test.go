package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/cuongbtq/jobstream/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueued struct {
	queue string
	name  string
	ref   domain.JobRef
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []enqueued
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, queueName, jobName string, ref domain.JobRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, enqueued{queueName, jobName, ref})
	return nil
}

// stepClock advances one second per reading
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	queue *fakeQueue
	clock *stepClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		queue: &fakeQueue{},
		clock: &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	n := 0
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("job-%d", n)
		}),
	}, opts...)
	f.svc = NewService(f.store, f.queue, slog.New(slog.DiscardHandler), opts...)
	return f
}

// seed stores a job directly in the given status
func (f *fixture) seed(t *testing.T, status domain.JobStatus) *domain.Job {
	t.Helper()
	now := f.clock.Now()
	job := &domain.Job{
		ID:        fmt.Sprintf("seed-%s", status),
		Type:      "demo",
		Status:    status,
		Input:     json.RawMessage(`{}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.Create(context.Background(), job))
	return job
}

var allStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusProcessing,
	domain.JobStatusCompleted,
	domain.JobStatusFailed,
	domain.JobStatusCancelled,
}

func TestUpdateStatus_TransitionTable(t *testing.T) {
	allowed := map[domain.JobStatus][]domain.JobStatus{
		domain.JobStatusQueued:     {domain.JobStatusProcessing, domain.JobStatusCancelled},
		domain.JobStatusProcessing: {domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			t.Run(fmt.Sprintf("%s to %s", from, to), func(t *testing.T) {
				f := newFixture(t)
				seeded := f.seed(t, from)

				job, err := f.svc.UpdateStatus(context.Background(), seeded.ID, to, "")

				if contains(allowed[from], to) {
					require.NoError(t, err)
					assert.Equal(t, to, job.Status)
					return
				}

				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
				var te *domain.TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)

				stored, err := f.store.Get(context.Background(), seeded.ID)
				require.NoError(t, err)
				assert.Equal(t, from, stored.Status, "status must be unchanged")
			})
		}
	}
}

func contains(list []domain.JobStatus, s domain.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestScenario_DemoJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, "demo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.JSONEq(t, `{"x":1}`, string(job.Input))
	require.Len(t, f.queue.messages, 1)
	assert.Equal(t, enqueued{"main-queue", "demo", domain.JobRef{JobID: job.ID}}, f.queue.messages[0])

	job, err = f.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "")
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	job, err = f.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "boom", *job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))

	job, err = f.svc.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Len(t, f.queue.messages, 2, "retry re-enqueues the job")

	stored, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, stored)
}

func TestTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, "", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)
	assert.Equal(t, "generic-job", f.queue.messages[0].name)

	processing, err := f.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "")
	require.NoError(t, err)
	started := *processing.StartedAt

	completed, err := f.svc.CompleteJob(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, started, *completed.StartedAt, "started_at is set once")
	assert.True(t, completed.UpdatedAt.After(processing.UpdatedAt))
	assert.JSONEq(t, `{"ok":true}`, string(completed.Output))
	assert.Nil(t, completed.ErrorMessage, "error message only set on failure")
}

func TestTimestamps_ClockSkewIsClamped(t *testing.T) {
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t)
	f.svc.now = func() time.Time { return future.Add(-time.Hour) }

	require.NoError(t, f.store.Create(context.Background(), &domain.Job{
		ID: "skewed", Status: domain.JobStatusQueued, Input: json.RawMessage(`{}`),
		CreatedAt: future, UpdatedAt: future,
	}))

	job, err := f.svc.UpdateStatus(context.Background(), "skewed", domain.JobStatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, future, job.UpdatedAt)
	assert.Equal(t, future, *job.StartedAt)
}

func TestCancelJob(t *testing.T) {
	for _, from := range allStatuses {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			seeded := f.seed(t, from)

			job, err := f.svc.CancelJob(context.Background(), seeded.ID)
			if from == domain.JobStatusQueued || from == domain.JobStatusProcessing {
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusCancelled, job.Status)
				assert.NotNil(t, job.CompletedAt)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}
}

func TestRetryJob(t *testing.T) {
	for _, from := range allStatuses {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			seeded := f.seed(t, from)

			job, err := f.svc.RetryJob(context.Background(), seeded.ID)
			if from == domain.JobStatusFailed || from == domain.JobStatusCancelled {
				require.NoError(t, err)
				assert.Equal(t, domain.JobStatusQueued, job.Status)
				assert.Len(t, f.queue.messages, 1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Empty(t, f.queue.messages)
		})
	}
}

func TestRetryJob_EnqueueFailureRestoresRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := f.seed(t, domain.JobStatusFailed)
	f.queue.err = errors.New("broker down")

	_, err := f.svc.RetryJob(ctx, seeded.ID)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	stored, err := f.store.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.False(t, stored.UpdatedAt.Before(seeded.UpdatedAt))
}

func TestDeleteJob(t *testing.T) {
	for _, from := range allStatuses {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			seeded := f.seed(t, from)

			err := f.svc.DeleteJob(ctx, seeded.ID)
			if from == domain.JobStatusProcessing {
				assert.ErrorIs(t, err, domain.ErrResourceBusy)
				_, getErr := f.svc.GetJob(ctx, seeded.ID)
				assert.NoError(t, getErr)
				return
			}
			require.NoError(t, err)
			_, err = f.svc.GetJob(ctx, seeded.ID)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

type recordedResult struct {
	jobID string
	body  string
}

type fakeResults struct {
	mu     sync.Mutex
	events []recordedResult
	err    error
}

func (r *fakeResults) Publish(_ context.Context, jobID string, body json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, recordedResult{jobID: jobID, body: string(body)})
	return nil
}

func TestDeleteJob_PublishesFinalEvent(t *testing.T) {
	results := &fakeResults{}
	f := newFixture(t, WithResultPublisher(results))
	ctx := context.Background()
	seeded := f.seed(t, domain.JobStatusQueued)

	require.NoError(t, f.svc.DeleteJob(ctx, seeded.ID))

	require.Len(t, results.events, 1)
	assert.Equal(t, seeded.ID, results.events[0].jobID)
	assert.JSONEq(t, `{"jobId":"seed-queued","status":"deleted","finished":true}`, results.events[0].body)

	busy := f.seed(t, domain.JobStatusProcessing)
	require.ErrorIs(t, f.svc.DeleteJob(ctx, busy.ID), domain.ErrResourceBusy)
	assert.Len(t, results.events, 1)
}

func TestDeleteJob_PublishFailureDoesNotFailDelete(t *testing.T) {
	f := newFixture(t, WithResultPublisher(&fakeResults{err: errors.New("redis down")}))
	ctx := context.Background()
	seeded := f.seed(t, domain.JobStatusCompleted)

	require.NoError(t, f.svc.DeleteJob(ctx, seeded.ID))
	_, err := f.svc.GetJob(ctx, seeded.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name    string
		jobType string
		input   string
	}{
		{name: "missing input", jobType: "demo", input: ""},
		{name: "array input", jobType: "demo", input: `[1,2]`},
		{name: "scalar input", jobType: "demo", input: `42`},
		{name: "null input", jobType: "demo", input: `null`},
		{name: "malformed input", jobType: "demo", input: `{"x":`},
		{name: "type too long", jobType: string(make([]byte, 200)), input: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateJob(context.Background(), tt.jobType, json.RawMessage(tt.input))
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Zero(t, f.store.Len())
			assert.Empty(t, f.queue.messages)
		})
	}
}

func TestCreateJob_EnqueueFailureRemovesRecord(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("broker down")

	_, err := f.svc.CreateJob(context.Background(), "demo", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Zero(t, f.store.Len())
}

func TestUpdateStatus_UnknownJobAndStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpdateStatus(context.Background(), "missing", domain.JobStatusProcessing, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.UpdateStatus(context.Background(), "missing", domain.JobStatus("paused"), "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// racingStore reports a lost race on the first n updates
type racingStore struct {
	*storage.MemoryStore
	mu    sync.Mutex
	stale int
	calls int
}

func (s *racingStore) Update(ctx context.Context, job *domain.Job, expected domain.JobStatus) error {
	s.mu.Lock()
	s.calls++
	lose := s.stale > 0
	if lose {
		s.stale--
	}
	s.mu.Unlock()
	if lose {
		return domain.ErrStaleJob
	}
	return s.MemoryStore.Update(ctx, job, expected)
}

func TestConditionalWriteRetries(t *testing.T) {
	t.Run("recovers after a lost race", func(t *testing.T) {
		store := &racingStore{MemoryStore: storage.NewMemoryStore(), stale: 2}
		svc := NewService(store, &fakeQueue{}, slog.New(slog.DiscardHandler), WithMaxAttempts(3))
		require.NoError(t, store.Create(context.Background(), &domain.Job{ID: "j", Status: domain.JobStatusQueued}))

		job, err := svc.CancelJob(context.Background(), "j")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
		assert.Equal(t, 3, store.calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		store := &racingStore{MemoryStore: storage.NewMemoryStore(), stale: 10}
		svc := NewService(store, &fakeQueue{}, slog.New(slog.DiscardHandler), WithMaxAttempts(2))
		require.NoError(t, store.Create(context.Background(), &domain.Job{ID: "j", Status: domain.JobStatusQueued}))

		_, err := svc.CancelJob(context.Background(), "j")
		assert.ErrorIs(t, err, domain.ErrResourceBusy)
		assert.Equal(t, 2, store.calls)
	})
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := f.seed(t, domain.JobStatusQueued)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.UpdateStatus(ctx, seeded.ID, domain.JobStatusProcessing, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInvalidTransition):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, rejected)
}
