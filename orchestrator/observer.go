package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskmesh/mesh"
)

// observer republishes every bus event onto its typed NATS subject so
// external processes can follow the mesh without joining it. Publishing is
// fire-and-forget: a down transport drops events rather than blocking the
// bus.
type observer struct {
	bus     *mesh.Bus
	publish func(subject string, data []byte) error
	logger  *slog.Logger
	now     func() time.Time

	sub  *mesh.Subscription
	done chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

func newObserver(bus *mesh.Bus, publish func(subject string, data []byte) error, logger *slog.Logger) *observer {
	return &observer{bus: bus, publish: publish, logger: logger, now: time.Now}
}

// Start subscribes to every event kind and begins bridging.
func (b *observer) Start(ctx context.Context) {
	b.sub = b.bus.Subscribe(256)
	b.done = make(chan struct{})
	go b.run(ctx)
}

func (b *observer) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.sub.Events():
			if !ok {
				return
			}
			b.bridge(event)
		}
	}
}

func (b *observer) bridge(event mesh.Event) {
	subject := mesh.EventSubject(event.Kind())
	if subject == "" {
		return
	}
	envelope, err := mesh.NewEventEnvelope(event, b.now())
	if err != nil {
		b.drop(event, err)
		return
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		b.drop(event, err)
		return
	}
	if err := b.publish(subject, data); err != nil {
		b.drop(event, err)
		return
	}
	b.published.Add(1)
}

func (b *observer) drop(event mesh.Event, err error) {
	b.dropped.Add(1)
	b.logger.Debug("Event not bridged", "kind", event.Kind(), "error", err)
}

// Stop closes the bus subscription and waits for the bridge to drain.
func (b *observer) Stop() {
	if b.sub != nil {
		b.sub.Close()
	}
	if b.done != nil {
		<-b.done
	}
	b.logger.Info("Observer bridge stopped",
		"published", b.published.Load(),
		"dropped", b.dropped.Load())
}

// Published reports how many events reached the transport.
func (b *observer) Published() int64 { return b.published.Load() }

// Dropped reports how many events the bridge discarded.
func (b *observer) Dropped() int64 { return b.dropped.Load() }
