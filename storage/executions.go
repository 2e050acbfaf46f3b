package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskmesh/mesh"
)

// ExecutionStore persists workflow execution snapshots so results and
// derived ids survive restarts and stay inspectable.
type ExecutionStore struct {
	kv jetstream.KeyValue
}

// NewExecutionStore creates the executions bucket if needed.
func NewExecutionStore(ctx context.Context, js jetstream.JetStream) (*ExecutionStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketExecutions, "taskmesh workflow execution snapshots")
	if err != nil {
		return nil, fmt.Errorf("create executions bucket: %w", err)
	}
	return &ExecutionStore{kv: kv}, nil
}

// Save writes the execution snapshot, keyed by execution id.
func (s *ExecutionStore) Save(ctx context.Context, exec *mesh.WorkflowExecution) error {
	if exec.ID == "" {
		return fmt.Errorf("save execution: missing id")
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.kv.Put(ctx, exec.ID, data); err != nil {
		return fmt.Errorf("store execution: %w", err)
	}
	return nil
}

// Get retrieves an execution snapshot by id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*mesh.WorkflowExecution, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}

	var exec mesh.WorkflowExecution
	if err := json.Unmarshal(entry.Value(), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// List returns all stored execution snapshots.
func (s *ExecutionStore) List(ctx context.Context) ([]*mesh.WorkflowExecution, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list execution keys: %w", err)
	}

	execs := make([]*mesh.WorkflowExecution, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var exec mesh.WorkflowExecution
		if err := json.Unmarshal(entry.Value(), &exec); err != nil {
			continue
		}
		execs = append(execs, &exec)
	}

	return execs, nil
}
