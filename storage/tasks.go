package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskmesh/mesh"
)

// TaskStore is the durable task persistence the router and integrator
// write through. All operations are idempotent on (id, status): repeating
// a transition is a no-op, and nothing moves a task out of a terminal
// state.
type TaskStore interface {
	Save(ctx context.Context, task *mesh.Task) error
	FindByID(ctx context.Context, id string) (*TaskRecord, error)
	UpdateStatus(ctx context.Context, id string, status mesh.TaskStatus) error
	UpdateProgress(ctx context.Context, id string, progress float64) error
	MarkStarted(ctx context.Context, id, nodeID string) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Stats(ctx context.Context) (TaskStats, error)
}

// TaskRecord is the persisted view of a task: the submitted task plus
// routing outcome, progress, and the status audit trail.
type TaskRecord struct {
	Task         mesh.Task       `json:"task"`
	Status       mesh.TaskStatus `json:"status"`
	Progress     float64         `json:"progress"`
	AssignedNode string          `json:"assigned_node,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	StatusChange []StatusChange  `json:"status_changes,omitempty"`
}

// StatusChange records a status transition.
type StatusChange struct {
	From      mesh.TaskStatus `json:"from"`
	To        mesh.TaskStatus `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskStats summarizes the stored task population.
type TaskStats struct {
	Total    int                     `json:"total"`
	ByStatus map[mesh.TaskStatus]int `json:"by_status"`
	ByType   map[string]int          `json:"by_type"`
}

// applyStatus transitions the record, appending to the audit trail.
// Repeating the current status is a no-op; leaving a terminal state is
// rejected.
func (r *TaskRecord) applyStatus(status mesh.TaskStatus, at time.Time) error {
	if r.Status == status {
		return nil
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, r.Status, status)
	}

	r.StatusChange = append(r.StatusChange, StatusChange{
		From:      r.Status,
		To:        status,
		Timestamp: at,
	})
	r.Status = status
	r.UpdatedAt = at

	if status == mesh.TaskActive && r.StartedAt == nil {
		r.StartedAt = &at
	}
	if status.IsTerminal() {
		r.CompletedAt = &at
	}
	return nil
}

// applyProgress updates progress, clamped to [0, 1]. Progress reported
// after a terminal state is dropped; workers may race their final
// report.
func (r *TaskRecord) applyProgress(progress float64, at time.Time) {
	if r.Status.IsTerminal() {
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	r.Progress = progress
	r.UpdatedAt = at
}

func (r *TaskRecord) applyStarted(nodeID string, at time.Time) error {
	if r.Status == mesh.TaskActive && r.AssignedNode == nodeID {
		return nil
	}
	if err := r.applyStatus(mesh.TaskActive, at); err != nil {
		return err
	}
	r.AssignedNode = nodeID
	return nil
}

func (r *TaskRecord) applyCompleted(result json.RawMessage, at time.Time) error {
	if r.Status == mesh.TaskCompleted {
		return nil
	}
	if err := r.applyStatus(mesh.TaskCompleted, at); err != nil {
		return err
	}
	r.Result = result
	r.Progress = 1
	return nil
}

func (r *TaskRecord) applyFailed(reason string, at time.Time) error {
	if r.Status == mesh.TaskFailed {
		return nil
	}
	if err := r.applyStatus(mesh.TaskFailed, at); err != nil {
		return err
	}
	r.Error = reason
	return nil
}

// KVTaskStore implements TaskStore on a NATS KV bucket, one record per
// task id. Transient KV failures are retried; missing records are not.
type KVTaskStore struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewTaskStore creates the task bucket if needed and returns the store.
func NewTaskStore(ctx context.Context, js jetstream.JetStream) (*KVTaskStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketTasks, "taskmesh task records")
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	return &KVTaskStore{kv: kv, now: time.Now}, nil
}

// Save upserts the submitted task. A new id creates a queued record; an
// existing id refreshes the task fields and keeps the audit trail.
func (s *KVTaskStore) Save(ctx context.Context, task *mesh.Task) error {
	if task.ID == "" {
		return fmt.Errorf("save task: missing id")
	}
	return s.mutate(ctx, task.ID, true, func(rec *TaskRecord) error {
		now := s.now()
		if rec.CreatedAt.IsZero() {
			rec.Status = mesh.TaskQueued
			if task.Status != "" {
				rec.Status = task.Status
			}
			rec.CreatedAt = now
		}
		rec.Task = *task
		rec.UpdatedAt = now
		return nil
	})
}

// FindByID returns the stored record for a task.
func (s *KVTaskStore) FindByID(ctx context.Context, id string) (*TaskRecord, error) {
	var rec *TaskRecord
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		entry, err := s.kv.Get(ctx, id)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return retry.NonRetryable(ErrNotFound)
			}
			return err
		}
		var r TaskRecord
		if err := json.Unmarshal(entry.Value(), &r); err != nil {
			return retry.NonRetryable(fmt.Errorf("unmarshal task record: %w", err))
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateStatus transitions the task's status.
func (s *KVTaskStore) UpdateStatus(ctx context.Context, id string, status mesh.TaskStatus) error {
	return s.mutate(ctx, id, false, func(rec *TaskRecord) error {
		return rec.applyStatus(status, s.now())
	})
}

// UpdateProgress records worker-reported progress in [0, 1].
func (s *KVTaskStore) UpdateProgress(ctx context.Context, id string, progress float64) error {
	return s.mutate(ctx, id, false, func(rec *TaskRecord) error {
		rec.applyProgress(progress, s.now())
		return nil
	})
}

// MarkStarted moves the task to active on the given worker.
func (s *KVTaskStore) MarkStarted(ctx context.Context, id, nodeID string) error {
	return s.mutate(ctx, id, false, func(rec *TaskRecord) error {
		return rec.applyStarted(nodeID, s.now())
	})
}

// MarkCompleted records the terminal success outcome.
func (s *KVTaskStore) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	return s.mutate(ctx, id, false, func(rec *TaskRecord) error {
		return rec.applyCompleted(result, s.now())
	})
}

// MarkFailed records the terminal failure outcome.
func (s *KVTaskStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.mutate(ctx, id, false, func(rec *TaskRecord) error {
		return rec.applyFailed(reason, s.now())
	})
}

// Stats aggregates counts over all stored records.
func (s *KVTaskStore) Stats(ctx context.Context) (TaskStats, error) {
	stats := TaskStats{
		ByStatus: make(map[mesh.TaskStatus]int),
		ByType:   make(map[string]int),
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return stats, nil
		}
		return stats, fmt.Errorf("list task keys: %w", err)
	}

	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var rec TaskRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.ByType[rec.Task.Type]++
	}

	return stats, nil
}

// mutate loads the record, applies fn, and writes it back. Transient KV
// failures are retried with the default backoff; rejected transitions
// and missing records are not.
func (s *KVTaskStore) mutate(ctx context.Context, id string, createMissing bool, fn func(*TaskRecord) error) error {
	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		rec := &TaskRecord{}
		entry, err := s.kv.Get(ctx, id)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			if !createMissing {
				return retry.NonRetryable(fmt.Errorf("task %s: %w", id, ErrNotFound))
			}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(entry.Value(), rec); err != nil {
				return retry.NonRetryable(fmt.Errorf("unmarshal task record: %w", err))
			}
		}

		if err := fn(rec); err != nil {
			return retry.NonRetryable(err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("marshal task record: %w", err))
		}
		if _, err := s.kv.Put(ctx, id, data); err != nil {
			return err
		}
		return nil
	})
}
