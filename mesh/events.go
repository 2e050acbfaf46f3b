package mesh

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

// EventKind names one orchestrator event stream. The set is closed:
// components publish only these kinds and listeners subscribe per kind.
type EventKind string

// Observer-facing event kinds.
const (
	EventTaskCreated         EventKind = "task:created"
	EventTaskQueued          EventKind = "task:queued"
	EventTaskAssigned        EventKind = "task:assigned"
	EventTaskStarted         EventKind = "task:started"
	EventTaskProgress        EventKind = "task:progress"
	EventTaskCompleted       EventKind = "task:completed"
	EventTaskFailed          EventKind = "task:failed"
	EventTaskCancelled       EventKind = "task:cancelled"
	EventTaskRetrying        EventKind = "task:retrying"
	EventNodeJoined          EventKind = "node:joined"
	EventNodeLeft            EventKind = "node:left"
	EventNodeOffline         EventKind = "node:offline"
	EventPerformanceAlert    EventKind = "performance:alert"
	EventRoutingBackpressure EventKind = "routing:backpressure"
	EventRouterNodeOffline   EventKind = "router:node-offline"
	EventSystemStatus        EventKind = "system:status"
	EventSystemFailover      EventKind = "system:failover"
	EventMessageExpired      EventKind = "message:expired"
)

// Event is the tagged union carried on the Bus.
type Event interface {
	Kind() EventKind
}

// TaskCreatedEvent fires when a submission is accepted and persisted.
type TaskCreatedEvent struct {
	TaskID        string `json:"task_id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Priority      int    `json:"priority"`
	Deterministic bool   `json:"deterministic"`
}

// TaskQueuedEvent fires when a task enters the routing queue.
type TaskQueuedEvent struct {
	TaskID   string `json:"task_id"`
	Priority int    `json:"priority"`
}

// TaskAssignedEvent fires when the router selects a worker.
type TaskAssignedEvent struct {
	TaskID   string          `json:"task_id"`
	NodeID   string          `json:"node_id"`
	Decision RoutingDecision `json:"decision"`
}

// TaskStartedEvent fires once the assignment is recorded as started.
type TaskStartedEvent struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id"`
}

// TaskProgressEvent relays worker progress reports.
type TaskProgressEvent struct {
	TaskID   string  `json:"task_id"`
	NodeID   string  `json:"node_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// TaskCompletedEvent fires on successful completion.
type TaskCompletedEvent struct {
	TaskID     string          `json:"task_id"`
	NodeID     string          `json:"node_id"`
	DurationMs int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// TaskFailedEvent fires on failure; Final marks terminal failures that will
// not be retried by the router.
type TaskFailedEvent struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error"`
	Final  bool   `json:"final"`
}

// TaskCancelledEvent fires when an operator cancels a task.
type TaskCancelledEvent struct {
	TaskID string `json:"task_id"`
}

// TaskRetryingEvent fires when a deterministic task fails over to an
// alternative worker.
type TaskRetryingEvent struct {
	TaskID   string `json:"task_id"`
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
}

// NodeJoinedEvent fires on worker registration.
type NodeJoinedEvent struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
}

// NodeLeftEvent fires on worker unregistration or eviction.
type NodeLeftEvent struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

// NodeOfflineEvent fires when the health scan takes a node offline. The
// router consumes it to requeue the node's active assignments.
type NodeOfflineEvent struct {
	NodeID string `json:"node_id"`
}

// PerformanceAlertEvent relays monitor threshold alerts.
type PerformanceAlertEvent struct {
	Alert Alert `json:"alert"`
}

// RoutingBackpressureEvent fires when no admissible worker exists for a
// queued task and the routing tick stops.
type RoutingBackpressureEvent struct {
	TaskID     string `json:"task_id"`
	Reason     string `json:"reason"`
	QueueDepth int    `json:"queue_depth"`
}

// RouterNodeOfflineEvent reports how many tasks were requeued after a
// worker went offline.
type RouterNodeOfflineEvent struct {
	NodeID        string `json:"node_id"`
	RequeuedTasks int    `json:"requeued_tasks"`
}

// SystemStatusEvent carries the periodic fleet summary.
type SystemStatusEvent struct {
	Summary     FleetSummary `json:"summary"`
	QueuedTasks int          `json:"queued_tasks"`
	ActiveTasks int          `json:"active_tasks"`
}

// SystemFailoverEvent is the advisory raised alongside critical alerts.
type SystemFailoverEvent struct {
	NodeID string      `json:"node_id"`
	Metric MetricField `json:"metric"`
	Value  float64     `json:"value"`
}

// MessageExpiredEvent fires when an inbound protocol message is dropped for
// exceeding its TTL.
type MessageExpiredEvent struct {
	MessageID string `json:"message_id"`
	Source    string `json:"source"`
	Type      string `json:"type"`
}

// Kind implementations for the tagged union.
func (TaskCreatedEvent) Kind() EventKind         { return EventTaskCreated }
func (TaskQueuedEvent) Kind() EventKind          { return EventTaskQueued }
func (TaskAssignedEvent) Kind() EventKind        { return EventTaskAssigned }
func (TaskStartedEvent) Kind() EventKind         { return EventTaskStarted }
func (TaskProgressEvent) Kind() EventKind        { return EventTaskProgress }
func (TaskCompletedEvent) Kind() EventKind       { return EventTaskCompleted }
func (TaskFailedEvent) Kind() EventKind          { return EventTaskFailed }
func (TaskCancelledEvent) Kind() EventKind       { return EventTaskCancelled }
func (TaskRetryingEvent) Kind() EventKind        { return EventTaskRetrying }
func (NodeJoinedEvent) Kind() EventKind          { return EventNodeJoined }
func (NodeLeftEvent) Kind() EventKind            { return EventNodeLeft }
func (NodeOfflineEvent) Kind() EventKind         { return EventNodeOffline }
func (PerformanceAlertEvent) Kind() EventKind    { return EventPerformanceAlert }
func (RoutingBackpressureEvent) Kind() EventKind { return EventRoutingBackpressure }
func (RouterNodeOfflineEvent) Kind() EventKind   { return EventRouterNodeOffline }
func (SystemStatusEvent) Kind() EventKind        { return EventSystemStatus }
func (SystemFailoverEvent) Kind() EventKind      { return EventSystemFailover }
func (MessageExpiredEvent) Kind() EventKind      { return EventMessageExpired }

// Subscription is one listener's buffered view of selected event kinds.
type Subscription struct {
	ch    chan Event
	kinds map[EventKind]bool
	bus   *Bus
	once  sync.Once
}

// Events returns the subscription's channel. The channel closes when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.once.Do(func() {
		close(s.ch)
	})
}

func (s *Subscription) wants(kind EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus is the in-process event fan-out between orchestrator components.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop counter increments. Listeners receive value copies and must
// not assume delivery ordering across kinds.
type Bus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for the given kinds; no kinds means all
// kinds. buffer <= 0 falls back to a default of 64.
func (b *Bus) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		ch:    make(chan Event, buffer),
		kinds: make(map[EventKind]bool, len(kinds)),
		bus:   b,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() {
			close(sub.ch)
		})
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	kind := e.Kind()
	for _, sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded due to full subscriber
// buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus; all subscription channels close and further
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	// Channels close outside the lock; new publishes already observe the
	// closed flag, so no send can race these closes.
	for _, sub := range subs {
		sub.once.Do(func() {
			close(sub.ch)
		})
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// EventEnvelope is the registered payload that carries bus events onto the
// observer NATS subjects.
type EventEnvelope struct {
	EventKind EventKind       `json:"event_kind"`
	At        time.Time       `json:"at"`
	Body      json.RawMessage `json:"body"`
}

// NewEventEnvelope wraps a bus event for NATS publication.
func NewEventEnvelope(e Event, at time.Time) (*EventEnvelope, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{EventKind: e.Kind(), At: at, Body: body}, nil
}

// Schema returns the message type for this payload.
func (p *EventEnvelope) Schema() message.Type { return EventEnvelopeType }

// Validate validates the payload.
func (p *EventEnvelope) Validate() error {
	if p.EventKind == "" {
		return &ValidationError{Field: "event_kind", Message: "event_kind is required"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *EventEnvelope) MarshalJSON() ([]byte, error) {
	type Alias EventEnvelope
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *EventEnvelope) UnmarshalJSON(data []byte) error {
	type Alias EventEnvelope
	return json.Unmarshal(data, (*Alias)(p))
}

// EventEnvelopeType is the message type for observer event payloads.
var EventEnvelopeType = message.Type{
	Domain:   "mesh",
	Category: "event",
	Version:  "v1",
}

func init() {
	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "mesh",
		Category:    "event",
		Version:     "v1",
		Description: "Orchestrator event envelope for observer subjects",
		Factory:     func() any { return &EventEnvelope{} },
	})
}
