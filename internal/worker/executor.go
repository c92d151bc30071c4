package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
)

// Reporter publishes intermediate results of a running job
type Reporter interface {
	Report(ctx context.Context, data map[string]any) error
}

// Executor runs one job type. It returns the job output, which must be
// valid JSON, and should return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job, progress Reporter) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, job *domain.Job, progress Reporter) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job, progress Reporter) (json.RawMessage, error) {
	return f(ctx, job, progress)
}

// Registry maps job names to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds jobName to e, replacing any previous binding
func (r *Registry) Register(jobName string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobName] = e
}

// Lookup returns the executor for jobName
func (r *Registry) Lookup(jobName string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[jobName]
	if !ok {
		return nil, fmt.Errorf("%w for job type %q", ErrNoExecutor, jobName)
	}
	return e, nil
}

// Names returns the registered job names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry registers the built-in executors. stepInterval paces the
// demo executor.
func DefaultRegistry(stepInterval time.Duration) *Registry {
	r := NewRegistry()
	r.Register(domain.DefaultJobName, EchoExecutor())
	r.Register("demo", StepExecutor(stepInterval))
	return r
}

// EchoExecutor completes immediately with the job input as output
func EchoExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, job *domain.Job, _ Reporter) (json.RawMessage, error) {
		return json.Marshal(map[string]json.RawMessage{"echo": job.Input})
	})
}

const (
	defaultSteps = 3
	maxSteps     = 100
)

// StepExecutor reports one progress event per step and then completes.
// The input field "steps" sets the step count and "fail" makes the last
// step fail with that message.
func StepExecutor(interval time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, job *domain.Job, progress Reporter) (json.RawMessage, error) {
		var input struct {
			Steps int    `json:"steps"`
			Fail  string `json:"fail"`
		}
		if err := json.Unmarshal(job.Input, &input); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		steps := input.Steps
		if steps <= 0 {
			steps = defaultSteps
		}
		if steps > maxSteps {
			return nil, fmt.Errorf("invalid input: steps must be at most %d", maxSteps)
		}

		timer := time.NewTimer(interval)
		defer timer.Stop()

		for step := 1; step <= steps; step++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			if step == steps && input.Fail != "" {
				return nil, fmt.Errorf("step %d: %s", step, input.Fail)
			}
			if err := progress.Report(ctx, map[string]any{"step": step, "total": steps}); err != nil {
				return nil, err
			}
			timer.Reset(interval)
		}

		return json.Marshal(map[string]any{"steps": steps})
	})
}
