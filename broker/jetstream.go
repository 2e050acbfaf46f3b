package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskmesh/mesh"
)

// JetStreamBroker implements Broker on a JetStream work-queue stream with
// one durable consumer per priority band.
type JetStreamBroker struct {
	cfg    Config
	js     jetstream.JetStream
	logger *slog.Logger

	stream jetstream.Stream
	// consumers holds the band consumers highest priority first, matching
	// the scan order in Consume.
	consumers []bandConsumer

	sem chan struct{}

	enqueued        atomic.Int64
	delivered       atomic.Int64
	handlerFailures atomic.Int64
	parseFailures   atomic.Int64
}

type bandConsumer struct {
	priority int
	consumer jetstream.Consumer
}

// New creates a broker over an existing JetStream context. Call Init before
// Consume to provision the stream and band consumers.
func New(cfg Config, js jetstream.JetStream, logger *slog.Logger) (*JetStreamBroker, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}
	if js == nil {
		return nil, fmt.Errorf("jetstream context required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamBroker{
		cfg:    cfg,
		js:     js,
		logger: logger.With("component", "broker"),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Init provisions the work-queue stream and one durable consumer per
// priority band. Safe to call on every start; existing assets are updated
// in place.
func (b *JetStreamBroker) Init(ctx context.Context) error {
	stream, err := b.js.Stream(ctx, b.cfg.StreamName)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("get stream %s: %w", b.cfg.StreamName, err)
		}
		stream, err = b.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        b.cfg.StreamName,
			Description: "taskmesh submitted-task work queue",
			Subjects:    mesh.TaskSubmitSubjects(),
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err)
		}
	}
	b.stream = stream

	backOff := backoffSchedule(b.cfg.RetryInitial, b.cfg.RetryMultiplier, b.cfg.MaxDeliver-1)
	b.consumers = b.consumers[:0]
	for p := 10; p >= 0; p-- {
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-p%d", b.cfg.ConsumerPrefix, p),
			FilterSubject: mesh.TaskSubmitSubject(p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			MaxDeliver:    b.cfg.MaxDeliver,
			BackOff:       backOff,
		})
		if err != nil {
			return fmt.Errorf("create band consumer p%d: %w", p, err)
		}
		b.consumers = append(b.consumers, bandConsumer{priority: p, consumer: consumer})
	}

	b.logger.Info("Broker initialized",
		"stream", b.cfg.StreamName,
		"bands", len(b.consumers),
		"max_deliver", b.cfg.MaxDeliver)
	return nil
}

// Enqueue publishes the submission onto its priority band subject.
func (b *JetStreamBroker) Enqueue(ctx context.Context, sub *mesh.TaskSubmission) error {
	if sub.SubmittedAt == 0 {
		sub.SubmittedAt = time.Now().UnixMilli()
	}
	data, err := encodeSubmission(sub)
	if err != nil {
		return err
	}

	subject := mesh.TaskSubmitSubject(sub.Task.Priority)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	b.enqueued.Add(1)
	b.logger.Debug("Task enqueued",
		"task_id", sub.Task.ID,
		"subject", subject,
		"priority", sub.Task.Priority)
	return nil
}

// Consume dequeues submissions until ctx is cancelled. Bands are scanned
// highest first; any delivery restarts the scan from the top band so new
// high-priority work preempts a drain of the lower bands. Handler calls run
// on their own goroutines, capped by MaxConcurrent.
func (b *JetStreamBroker) Consume(ctx context.Context, handler Handler) error {
	if len(b.consumers) == 0 {
		return fmt.Errorf("broker not initialized")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b.scanBands(ctx, handler, &wg)
	}
}

// scanBands fetches one round across the band consumers. Returns after the
// first band that yields messages, or after a full empty scan.
func (b *JetStreamBroker) scanBands(ctx context.Context, handler Handler, wg *sync.WaitGroup) {
	for _, band := range b.consumers {
		if ctx.Err() != nil {
			return
		}

		msgs, err := band.consumer.Fetch(b.cfg.FetchBatch, jetstream.FetchMaxWait(b.cfg.FetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("Fetch timeout or error", "band", band.priority, "error", err)
			continue
		}

		handled := false
		for msg := range msgs.Messages() {
			handled = true
			select {
			case b.sem <- struct{}{}:
			case <-ctx.Done():
				if err := msg.Nak(); err != nil {
					b.logger.Warn("Failed to NAK message", "error", err)
				}
				return
			}
			wg.Add(1)
			go func(m jetstream.Msg) {
				defer wg.Done()
				defer func() { <-b.sem }()
				b.handle(ctx, m, handler)
			}(msg)
		}
		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			b.logger.Warn("Message fetch error", "band", band.priority, "error", msgs.Error())
		}
		if handled {
			return
		}
	}
}

func (b *JetStreamBroker) handle(ctx context.Context, msg jetstream.Msg, handler Handler) {
	sub, err := parseSubmission(msg.Data())
	if err != nil {
		b.parseFailures.Add(1)
		b.logger.Error("Failed to parse task submission", "subject", msg.Subject(), "error", err)
		if err := msg.Nak(); err != nil {
			b.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := handler(ctx, sub); err != nil {
		b.handlerFailures.Add(1)
		b.logger.Warn("Task submission rejected, will redeliver",
			"task_id", sub.Task.ID,
			"error", err)
		if err := msg.Nak(); err != nil {
			b.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	b.delivered.Add(1)
	if err := msg.Ack(); err != nil {
		b.logger.Warn("Failed to ACK message", "task_id", sub.Task.ID, "error", err)
	}
}

// Stats is a point-in-time snapshot of broker counters.
type Stats struct {
	Enqueued        int64 `json:"enqueued"`
	Delivered       int64 `json:"delivered"`
	HandlerFailures int64 `json:"handler_failures"`
	ParseFailures   int64 `json:"parse_failures"`
}

// Stats returns current counter values.
func (b *JetStreamBroker) Stats() Stats {
	return Stats{
		Enqueued:        b.enqueued.Load(),
		Delivered:       b.delivered.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		ParseFailures:   b.parseFailures.Load(),
	}
}

// encodeSubmission wraps the submission in a BaseMessage envelope so
// consumers can route it through the payload registry.
func encodeSubmission(sub *mesh.TaskSubmission) ([]byte, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("validate submission: %w", err)
	}
	source := sub.Source
	if source == "" {
		source = "taskmesh"
	}
	baseMsg := message.NewBaseMessage(mesh.TaskSubmissionType, sub, source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}
	return data, nil
}

// parseSubmission unwraps a BaseMessage-framed submission from the wire.
func parseSubmission(data []byte) (*mesh.TaskSubmission, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal BaseMessage: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("empty payload in BaseMessage")
	}

	var sub mesh.TaskSubmission
	if err := json.Unmarshal(envelope.Payload, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal submission: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	return &sub, nil
}
