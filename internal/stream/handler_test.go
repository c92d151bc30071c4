package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/cuongbtq/jobstream/internal/resultbus"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second

	runningJob  = "0b6f3a52-8c1e-4f7d-9a2b-5e4c3d2a1f01"
	finishedJob = "0b6f3a52-8c1e-4f7d-9a2b-5e4c3d2a1f02"
	missingJob  = "0b6f3a52-8c1e-4f7d-9a2b-5e4c3d2a1f03"
)

type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	err  error
}

func (t *jobTable) GetJob(_ context.Context, id string) (*domain.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	job, ok := t.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

type failingTransport struct{}

func (failingTransport) Subscribe(context.Context, string) (resultbus.Subscription, error) {
	return nil, errors.New("broker unavailable")
}

func (failingTransport) Publish(context.Context, string, []byte) error {
	return errors.New("broker unavailable")
}

type fixture struct {
	server    *httptest.Server
	bus       *resultbus.Bus
	transport *resultbus.MemoryTransport
	jobs      *jobTable
}

func newFixture(t *testing.T, heartbeat time.Duration) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	transport := resultbus.NewMemoryTransport()
	bus := resultbus.New(transport, 8, slog.New(slog.DiscardHandler))
	jobs := &jobTable{jobs: map[string]*domain.Job{
		runningJob: {ID: runningJob, Status: domain.JobStatusProcessing},
	}}

	r := gin.New()
	r.GET("/jobs/:id/stream", NewHandler(jobs, bus, slog.New(slog.DiscardHandler), heartbeat).Stream)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		bus.Close()
	})
	return &fixture{server: server, bus: bus, transport: transport, jobs: jobs}
}

func (f *fixture) open(t *testing.T, ctx context.Context, jobID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/jobs/"+jobID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestStream_ForwardsInOrderAndEndsOnFinished(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	channel := domain.ResultChannel(runningJob)

	resp := f.open(t, ctx, runningJob)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	assert.Equal(t, 1, f.bus.Listeners(channel))

	for _, body := range []string{`{"n":1}`, "{\n  \"n\": 2\n}", `{"n":3,"finished":true}`} {
		require.NoError(t, f.bus.Publish(ctx, runningJob, json.RawMessage(body)))
	}

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3,\"finished\":true}\n\n", string(raw))

	require.Eventually(t, func() bool { return f.bus.Listeners(channel) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.transport.Subscribers(channel))
}

func TestStream_DisconnectReleasesSubscription(t *testing.T) {
	f := newFixture(t, time.Hour)
	channel := domain.ResultChannel(runningJob)

	ctx, cancel := context.WithCancel(context.Background())
	resp := f.open(t, ctx, runningJob)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.bus.Listeners(channel))

	require.NoError(t, f.bus.Publish(context.Background(), runningJob, json.RawMessage(`{"n":1}`)))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: {\"n\":1}\n", line)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool { return f.bus.Listeners(channel) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.transport.Subscribers(channel))
	assert.Empty(t, f.bus.Topics())
}

func TestStream_Heartbeat(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	ctx := context.Background()

	resp := f.open(t, ctx, runningJob)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	require.NoError(t, f.bus.Publish(ctx, runningJob, json.RawMessage(`{"finished":true}`)))
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "data: {\"finished\":true}\n\n")
}

func TestStream_UnknownJob(t *testing.T) {
	f := newFixture(t, time.Hour)

	resp := f.open(t, context.Background(), missingJob)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.bus.Topics())
}

func TestStream_JobStoreFailure(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.jobs.err = domain.NewUpstreamError("get job", errors.New("db down"))

	resp := f.open(t, context.Background(), runningJob)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "db down")
}

func TestStream_SubscribeFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := resultbus.New(failingTransport{}, 8, slog.New(slog.DiscardHandler))
	defer bus.Close()
	jobs := &jobTable{jobs: map[string]*domain.Job{runningJob: {ID: runningJob, Status: domain.JobStatusQueued}}}

	r := gin.New()
	r.GET("/jobs/:id/stream", NewHandler(jobs, bus, slog.New(slog.DiscardHandler), time.Hour).Stream)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+runningJob+"/stream", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"result stream unavailable"}`, w.Body.String())
	assert.Equal(t, 0, bus.Listeners(domain.ResultChannel(runningJob)))
	assert.Empty(t, bus.Topics())
}

func TestStream_TerminalJobSendsSnapshot(t *testing.T) {
	f := newFixture(t, time.Hour)
	msg := "boom"
	f.jobs.jobs[finishedJob] = &domain.Job{ID: finishedJob, Status: domain.JobStatusFailed, ErrorMessage: &msg}

	resp := f.open(t, context.Background(), finishedJob)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Regexp(t, `^data: \{.*\}\n\n$`, string(raw))

	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw[len("data: "):len(raw)-2], &frame))
	assert.Equal(t, finishedJob, frame["jobId"])
	assert.Equal(t, "failed", frame["status"])
	assert.Equal(t, "boom", frame["error"])
	assert.Equal(t, true, frame["finished"])

	require.Eventually(t, func() bool { return len(f.bus.Topics()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestStream_EndsWhenBusCloses(t *testing.T) {
	f := newFixture(t, time.Hour)

	resp := f.open(t, context.Background(), runningJob)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.bus.Close())

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, string(raw))
}

func TestStream_InvalidID(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.jobs.err = domain.NewUpstreamError("get job", errors.New("invalid input syntax for type uuid"))

	for _, id := range []string{"not-a-uuid", "job-1", "123"} {
		t.Run(id, func(t *testing.T) {
			resp := f.open(t, context.Background(), id)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.JSONEq(t, `{"error":"id must be a valid UUID"}`, string(body))
			assert.Empty(t, f.bus.Topics())
		})
	}
}
