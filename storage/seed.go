package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskmesh/mesh"
)

// seedKey stores the orchestrator's deterministic seed in the meta
// bucket.
const seedKey = "deterministic-seed"

// SeedStore persists the deterministic seed so derived ids and
// hash-driven decisions stay stable across restarts.
type SeedStore struct {
	kv jetstream.KeyValue
}

// NewSeedStore creates the meta bucket if needed.
func NewSeedStore(ctx context.Context, js jetstream.JetStream) (*SeedStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketMeta, "taskmesh orchestrator metadata")
	if err != nil {
		return nil, fmt.Errorf("create meta bucket: %w", err)
	}
	return &SeedStore{kv: kv}, nil
}

// Ensure resolves the effective seed. A configured seed always wins and
// is recorded for operators; otherwise the persisted seed is reused, and
// only a fresh installation generates one. Create-then-read handles two
// orchestrators racing the first start.
func (s *SeedStore) Ensure(ctx context.Context, configured string) (string, error) {
	if configured != "" {
		if _, err := s.kv.Put(ctx, seedKey, []byte(configured)); err != nil {
			return "", fmt.Errorf("record configured seed: %w", err)
		}
		return configured, nil
	}

	entry, err := s.kv.Get(ctx, seedKey)
	if err == nil && len(entry.Value()) > 0 {
		return string(entry.Value()), nil
	}
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", fmt.Errorf("load seed: %w", err)
	}

	seed, err := mesh.DeriveSeed()
	if err != nil {
		return "", err
	}
	if _, err := s.kv.Create(ctx, seedKey, []byte(seed)); err != nil {
		// Lost the race; use the winner's seed.
		entry, gerr := s.kv.Get(ctx, seedKey)
		if gerr != nil {
			return "", fmt.Errorf("store seed: %w", err)
		}
		return string(entry.Value()), nil
	}
	return seed, nil
}
