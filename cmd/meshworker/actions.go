package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/taskmesh/mesh"
)

// progressFunc reports fractional completion of a running action.
type progressFunc func(fraction float64, note string)

// actionFunc executes one task payload. The returned bytes become the
// TASK_COMPLETE result; an error becomes a TASK_FAIL.
type actionFunc func(ctx context.Context, payload json.RawMessage, progress progressFunc) (json.RawMessage, error)

// actionSet maps task types to built-in handlers. The reference worker
// ships enough actions to exercise the orchestrator end to end: echo,
// sleep (cancellable, reports progress), hash, and fail-n (fails a fixed
// number of times per key, which is what deterministic failover needs to
// demonstrate itself).
type actionSet struct {
	handlers map[string]actionFunc

	mu       sync.Mutex
	attempts map[string]int
}

func newActionSet() *actionSet {
	s := &actionSet{
		handlers: make(map[string]actionFunc),
		attempts: make(map[string]int),
	}
	s.handlers["echo"] = s.echo
	s.handlers["sleep"] = s.sleep
	s.handlers["hash"] = s.hash
	s.handlers["fail-n"] = s.failN
	return s
}

// Names lists the registered action names sorted, which doubles as the
// worker's default capability set.
func (s *actionSet) Names() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return mesh.SortedCopy(names)
}

// Register adds or replaces an action handler.
func (s *actionSet) Register(name string, fn actionFunc) {
	s.handlers[name] = fn
}

// Run dispatches a task to the handler registered for its type.
func (s *actionSet) Run(ctx context.Context, task *mesh.Task, progress progressFunc) (json.RawMessage, error) {
	fn, ok := s.handlers[task.Type]
	if !ok {
		return nil, fmt.Errorf("no action for task type %q", task.Type)
	}
	return fn(ctx, task.Payload, progress)
}

// echo returns the payload unchanged.
func (s *actionSet) echo(_ context.Context, payload json.RawMessage, _ progressFunc) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return payload, nil
}

type sleepParams struct {
	DurationMs int64 `json:"durationMs"`
}

// sleep waits the requested duration in quarters, reporting progress after
// each, and honors cancellation between quarters.
func (s *actionSet) sleep(ctx context.Context, payload json.RawMessage, progress progressFunc) (json.RawMessage, error) {
	params := sleepParams{DurationMs: 1000}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, fmt.Errorf("decode sleep params: %w", err)
		}
	}
	if params.DurationMs < 0 {
		return nil, fmt.Errorf("negative duration %dms", params.DurationMs)
	}

	quarter := time.Duration(params.DurationMs) * time.Millisecond / 4
	for i := 1; i <= 4; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(quarter):
		}
		progress(float64(i)/4, fmt.Sprintf("slept %dms", int64(i)*params.DurationMs/4))
	}
	return json.Marshal(map[string]int64{"sleptMs": params.DurationMs})
}

type hashParams struct {
	Data string `json:"data"`
}

// hash sums the input with the mesh content hash. Deterministic by
// construction, so it pairs well with deterministic routing demos.
func (s *actionSet) hash(_ context.Context, payload json.RawMessage, _ progressFunc) (json.RawMessage, error) {
	var params hashParams
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, fmt.Errorf("decode hash params: %w", err)
		}
	}
	sum := mesh.SumParts(params.Data)
	return json.Marshal(map[string]string{"sum": mesh.Hex16(sum)})
}

type failNParams struct {
	Key      string `json:"key"`
	Failures int    `json:"failures"`
}

// failN fails the first Failures attempts observed for a key, then
// succeeds, reporting how many failures preceded the success.
func (s *actionSet) failN(_ context.Context, payload json.RawMessage, _ progressFunc) (json.RawMessage, error) {
	params := failNParams{Failures: 1}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return nil, fmt.Errorf("decode fail-n params: %w", err)
		}
	}
	if params.Key == "" {
		params.Key = "default"
	}

	s.mu.Lock()
	seen := s.attempts[params.Key]
	s.attempts[params.Key] = seen + 1
	s.mu.Unlock()

	if seen < params.Failures {
		return nil, fmt.Errorf("induced failure %d of %d for key %q", seen+1, params.Failures, params.Key)
	}
	return json.Marshal(map[string]int{"failuresBeforeSuccess": seen})
}
