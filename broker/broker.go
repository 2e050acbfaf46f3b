// Package broker provides the durable submitted-task queue. Tasks enter the
// mesh either directly through the router API or through this queue: a
// JetStream work-queue stream with one subject per priority band, consumed
// highest band first so queued high-priority work is always dequeued before
// lower bands. Deliveries are acked once the router has accepted the task
// and nacked on submit failure, which hands redelivery pacing to the
// server-side backoff schedule.
package broker

import (
	"context"
	"time"

	"github.com/c360studio/taskmesh/mesh"
)

// Handler accepts one dequeued submission. A nil return acks the delivery;
// an error nacks it for redelivery on the consumer backoff schedule.
type Handler func(ctx context.Context, sub *mesh.TaskSubmission) error

// Broker is the submitted-task queue surface the router consumes from.
type Broker interface {
	// Enqueue publishes a submission onto its priority band.
	Enqueue(ctx context.Context, sub *mesh.TaskSubmission) error

	// Consume dequeues submissions priority-ordered and feeds them to
	// handler until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
}

// Config tunes the JetStream broker.
type Config struct {
	// StreamName is the work-queue stream. Default MESH_TASKS.
	StreamName string

	// ConsumerPrefix names the durable band consumers
	// (<prefix>-p<band>). Default task-router.
	ConsumerPrefix string

	// FetchBatch is the number of messages requested per band fetch.
	FetchBatch int

	// FetchMaxWait bounds how long an empty band fetch blocks. A full
	// idle scan of all bands takes 11 * FetchMaxWait, which is the
	// effective poll cadence.
	FetchMaxWait time.Duration

	// MaxConcurrent caps handler invocations in flight.
	MaxConcurrent int

	// MaxDeliver is the delivery attempt budget per submission,
	// typically maxRetries+1.
	MaxDeliver int

	// RetryInitial is the first nack redelivery wait; successive waits
	// double through RetryMultiplier. The schedule length is
	// MaxDeliver-1 (JetStream requires MaxDeliver > len(BackOff)).
	RetryInitial    time.Duration
	RetryMultiplier float64
}

// DefaultConfig returns broker defaults sized for a single orchestrator.
func DefaultConfig() Config {
	return Config{
		StreamName:      mesh.StreamTasks,
		ConsumerPrefix:  "task-router",
		FetchBatch:      4,
		FetchMaxWait:    200 * time.Millisecond,
		MaxConcurrent:   4,
		MaxDeliver:      4,
		RetryInitial:    5 * time.Second,
		RetryMultiplier: 2.0,
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.StreamName == "" {
		c.StreamName = defaults.StreamName
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = defaults.ConsumerPrefix
	}
	if c.FetchBatch == 0 {
		c.FetchBatch = defaults.FetchBatch
	}
	if c.FetchMaxWait == 0 {
		c.FetchMaxWait = defaults.FetchMaxWait
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = defaults.MaxDeliver
	}
	if c.RetryInitial == 0 {
		c.RetryInitial = defaults.RetryInitial
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = defaults.RetryMultiplier
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.FetchBatch < 1 {
		return &mesh.ValidationError{Field: "fetch_batch", Message: "must be at least 1"}
	}
	if c.MaxConcurrent < 1 {
		return &mesh.ValidationError{Field: "max_concurrent", Message: "must be at least 1"}
	}
	if c.MaxDeliver < 1 {
		return &mesh.ValidationError{Field: "max_deliver", Message: "must be at least 1"}
	}
	if c.RetryMultiplier < 1 {
		return &mesh.ValidationError{Field: "retry_multiplier", Message: "must be at least 1"}
	}
	return nil
}

// backoffSchedule builds the redelivery wait list: steps waits starting at
// initial, each multiplied by multiplier.
func backoffSchedule(initial time.Duration, multiplier float64, steps int) []time.Duration {
	if steps <= 0 {
		return nil
	}
	schedule := make([]time.Duration, 0, steps)
	wait := initial
	for i := 0; i < steps; i++ {
		schedule = append(schedule, wait)
		wait = time.Duration(float64(wait) * multiplier)
	}
	return schedule
}
