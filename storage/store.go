// Package storage provides the orchestrator's durable state on NATS KV:
// task records with a status audit trail, workflow execution snapshots,
// and the persisted deterministic seed.
package storage

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each store.
const (
	BucketTasks      = "mesh-tasks"
	BucketExecutions = "mesh-executions"
	BucketMeta       = "mesh-meta"
)

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name, description string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     5, // Keep last 5 revisions
	})
}

// Stores bundles the three KV-backed stores sharing one JetStream
// context.
type Stores struct {
	Tasks      *KVTaskStore
	Executions *ExecutionStore
	Seed       *SeedStore
}

// NewStores creates every bucket and returns the bundled stores.
func NewStores(ctx context.Context, js jetstream.JetStream) (*Stores, error) {
	tasks, err := NewTaskStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	executions, err := NewExecutionStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("execution store: %w", err)
	}
	seed, err := NewSeedStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("seed store: %w", err)
	}
	return &Stores{Tasks: tasks, Executions: executions, Seed: seed}, nil
}
