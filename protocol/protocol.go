package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskmesh/mesh"
)

// deliveryTimeout bounds a single Transport.Deliver call. Retries are
// scheduled by the per-send retry loop, not by the transport.
const deliveryTimeout = 5 * time.Second

// Config controls one protocol endpoint.
type Config struct {
	// Source is the endpoint identity stamped on outbound messages.
	Source string

	// MessageTimeout is the reply wait before the first retransmit.
	// Subsequent waits double per attempt.
	MessageTimeout time.Duration

	// MaxRetries is the number of retransmits after the initial send.
	MaxRetries int

	// CompressionThreshold is the payload size in bytes above which
	// payloads are compressed. Zero uses the default.
	CompressionThreshold int

	// EnableCompression turns payload compression on.
	EnableCompression bool

	// BatchSize caps how many messages share one carrier.
	BatchSize int

	// BatchInterval is how long queued messages wait for companions
	// before the queue is flushed regardless of fill.
	BatchInterval time.Duration

	// DedupWindow is how many recently seen message ids are remembered
	// on the receive side.
	DedupWindow int
}

// DefaultConfig returns the standard endpoint tuning for source.
func DefaultConfig(source string) Config {
	return Config{
		Source:               source,
		MessageTimeout:       30 * time.Second,
		MaxRetries:           3,
		CompressionThreshold: 1024,
		EnableCompression:    true,
		BatchSize:            10,
		BatchInterval:        100 * time.Millisecond,
		DedupWindow:          10000,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Source)
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = def.MessageTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = def.BatchInterval
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
}

// Validate checks config sanity before the endpoint starts.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}

// Handler consumes one validated inbound message.
type Handler func(ctx context.Context, msg *Message) error

// Pending tracks an in-flight reliable send until its reply arrives,
// the retry budget runs out, or the endpoint shuts down.
type Pending struct {
	// ID is the outbound message id the reply must echo.
	ID string

	done  chan struct{}
	once  sync.Once
	reply json.RawMessage
	err   error
}

func newPending(id string) *Pending {
	return &Pending{ID: id, done: make(chan struct{})}
}

// Await blocks until the reply payload arrives or ctx is done.
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(payload json.RawMessage) {
	p.once.Do(func() {
		p.reply = payload
		close(p.done)
	})
}

func (p *Pending) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Stats is a point-in-time snapshot of endpoint counters.
type Stats struct {
	Sent             int64 `json:"sent"`
	Received         int64 `json:"received"`
	Duplicates       int64 `json:"duplicates"`
	Expired          int64 `json:"expired"`
	ChecksumFailures int64 `json:"checksum_failures"`
	Retries          int64 `json:"retries"`
	Timeouts         int64 `json:"timeouts"`
	PendingSends     int   `json:"pending_sends"`
	BatchQueue       int   `json:"batch_queue"`
}

// Protocol is one messaging endpoint: it frames, checksums and
// sequences outbound messages, retries reliable sends until a reply
// echoes the message id, and validates, deduplicates and dispatches
// inbound traffic. The wire transport is pluggable.
type Protocol struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	codec     *codec
	dedup     *dedupWindow
	batch     *batcher

	seq atomic.Uint64
	now func() time.Time

	mu       sync.RWMutex
	handlers map[MessageType]Handler
	pending  map[string]*Pending
	started  bool

	// runCtx outlives individual Send calls so retry loops spawned
	// after Start share the endpoint's shutdown signal.
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent             atomic.Int64
	received         atomic.Int64
	duplicates       atomic.Int64
	expired          atomic.Int64
	checksumFailures atomic.Int64
	retries          atomic.Int64
	timeouts         atomic.Int64
}

// New builds an endpoint over transport. The endpoint is inert until
// Start is called.
func New(cfg Config, transport Transport, logger *slog.Logger) (*Protocol, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("init codec: %w", err)
	}

	p := &Protocol{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "protocol", "source", cfg.Source),
		codec:     codec,
		dedup:     newDedupWindow(cfg.DedupWindow),
		handlers:  make(map[MessageType]Handler),
		pending:   make(map[string]*Pending),
		now:       time.Now,
	}
	p.batch = newBatcher(cfg.BatchSize, p.flushGroup)
	return p, nil
}

// Start begins the batch flush loop. Sends before Start fail.
func (p *Protocol) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("protocol already started")
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.started = true

	p.wg.Add(1)
	go p.batchLoop()

	p.logger.Info("Protocol endpoint started",
		"message_timeout", p.cfg.MessageTimeout,
		"max_retries", p.cfg.MaxRetries,
		"batch_size", p.cfg.BatchSize,
		"compression", p.cfg.EnableCompression)
	return nil
}

// Close flushes queued batches, fails outstanding sends and stops the
// endpoint.
func (p *Protocol) Close() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	p.batch.FlushAll()
	cancel()
	p.wg.Wait()

	p.logger.Info("Protocol endpoint stopped",
		"sent", p.sent.Load(),
		"received", p.received.Load(),
		"duplicates", p.duplicates.Load(),
		"timeouts", p.timeouts.Load())
	return nil
}

// RegisterHandler installs the handler for one message type. Inbound
// messages of that type that are not replies to pending sends are
// dispatched to it. The last registration per type wins.
func (p *Protocol) RegisterHandler(t MessageType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = h
}

// CreateMessageOption adjusts a message at creation time.
type CreateMessageOption func(*Message)

// WithTTL sets an explicit expiry instant in unix milliseconds.
func WithTTL(ttl int64) CreateMessageOption {
	return func(m *Message) { m.TTL = ttl }
}

// CreateMessage builds an outbound envelope. The payload is marshaled
// and, when compression is enabled and the body is large enough,
// compressed. Sequence number and checksum are stamped at send time.
func (p *Protocol) CreateMessage(target string, t MessageType, payload any, priority int, opts ...CreateMessageOption) (*Message, error) {
	if !t.Valid() {
		return nil, mesh.Errorf(mesh.KindInvalidMessage, "protocol.create", "unknown message type %q", t)
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, mesh.NewError(mesh.KindInvalidMessage, "protocol.create", fmt.Errorf("marshal payload: %w", err))
	}
	if p.cfg.EnableCompression {
		body, err = p.codec.compress(body, p.cfg.CompressionThreshold)
		if err != nil {
			return nil, mesh.NewError(mesh.KindInvalidMessage, "protocol.create", fmt.Errorf("compress payload: %w", err))
		}
	}

	msg := &Message{
		ID:        newMessageID(),
		Version:   Version,
		Source:    p.cfg.Source,
		Target:    target,
		Type:      t,
		Payload:   body,
		Timestamp: p.now().UnixMilli(),
		Priority:  priority,
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}

// Send transmits msg reliably: the returned Pending resolves when a
// reply echoing the message id arrives. Until then the message is
// retransmitted with doubling waits, and after MaxRetries retransmits
// the Pending fails with a send timeout error.
func (p *Protocol) Send(ctx context.Context, msg *Message) (*Pending, error) {
	data, err := p.seal(msg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, fmt.Errorf("protocol not started")
	}
	pend := newPending(msg.ID)
	p.pending[msg.ID] = pend
	p.mu.Unlock()

	if err := p.deliver(ctx, msg.Target, data); err != nil {
		// First delivery failures are retried on the normal schedule,
		// not surfaced to the caller.
		p.logger.Warn("Initial delivery failed, retry scheduled",
			"message_id", msg.ID, "target", msg.Target, "error", err)
	}
	p.sent.Add(1)

	p.wg.Add(1)
	go p.retryLoop(pend, msg.Target, data)
	return pend, nil
}

// Publish transmits msg without tracking a reply. Batchable message
// types are queued and shipped in a shared carrier; everything else
// goes out immediately.
func (p *Protocol) Publish(ctx context.Context, msg *Message) error {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return fmt.Errorf("protocol not started")
	}

	p.stamp(msg)
	if msg.Type.Batchable() {
		// Size is enforced per carrier at flush.
		p.batch.Add(msg)
		p.sent.Add(1)
		return nil
	}

	data, err := p.encode(msg)
	if err != nil {
		return err
	}
	if err := p.deliver(ctx, msg.Target, data); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", msg.Type, msg.Target, err)
	}
	p.sent.Add(1)
	return nil
}

// seal stamps send-time fields and encodes, enforcing the size cap.
func (p *Protocol) seal(msg *Message) ([]byte, error) {
	p.stamp(msg)
	return p.encode(msg)
}

// stamp fills send-time fields: source identity, sequence number,
// default TTL covering the whole retry window, and the checksum.
func (p *Protocol) stamp(msg *Message) {
	if msg.Source == "" {
		msg.Source = p.cfg.Source
	}
	if msg.Version == "" {
		msg.Version = Version
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = p.now().UnixMilli()
	}
	msg.SequenceNumber = p.seq.Add(1)
	if msg.TTL == 0 {
		msg.TTL = msg.Timestamp + p.retryWindow().Milliseconds()
	}
	msg.Checksum = computeChecksum(msg)
}

// retryWindow is the total time a reliable send may stay in flight:
// the initial wait plus every doubled retransmit wait.
func (p *Protocol) retryWindow() time.Duration {
	window := time.Duration(0)
	wait := p.cfg.MessageTimeout
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		window += wait
		wait *= 2
	}
	return window
}

func (p *Protocol) encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, mesh.Errorf(mesh.KindInvalidMessage, "protocol.encode",
			"message %s is %d bytes, limit %d", msg.ID, len(data), MaxMessageSize)
	}
	return data, nil
}

func (p *Protocol) deliver(ctx context.Context, target string, data []byte) error {
	dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	return p.transport.Deliver(dctx, target, data)
}

// retryLoop retransmits one reliable send until its Pending resolves,
// the retry budget is spent, or the endpoint shuts down. Waits double
// per attempt starting from MessageTimeout.
func (p *Protocol) retryLoop(pend *Pending, target string, data []byte) {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.MessageTimeout)
	defer timer.Stop()

	for attempt := 0; ; {
		select {
		case <-pend.done:
			return
		case <-p.runCtx.Done():
			p.removePending(pend.ID)
			pend.fail(p.runCtx.Err())
			return
		case <-timer.C:
			if attempt >= p.cfg.MaxRetries {
				p.timeouts.Add(1)
				p.removePending(pend.ID)
				pend.fail(mesh.Errorf(mesh.KindSendTimeout, "protocol.send",
					"no reply for %s from %s after %d attempts", pend.ID, target, attempt+1))
				return
			}
			attempt++
			p.retries.Add(1)
			if err := p.deliver(p.runCtx, target, data); err != nil {
				p.logger.Warn("Retransmit failed",
					"message_id", pend.ID, "attempt", attempt, "error", err)
			}
			timer.Reset(p.cfg.MessageTimeout * time.Duration(1<<uint(attempt)))
		}
	}
}

func (p *Protocol) removePending(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Receive runs one raw envelope through the inbound pipeline:
// structural validation, version check, expiry, checksum, batch
// unwrapping, dedup, decompression, then either pending-send
// correlation or handler dispatch. It reports whether the message was
// accepted; rejections return an error describing the drop so callers
// can log or surface it.
func (p *Protocol) Receive(ctx context.Context, raw []byte) (bool, error) {
	p.received.Add(1)

	if len(raw) > MaxMessageSize {
		return false, mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive",
			"inbound frame is %d bytes, limit %d", len(raw), MaxMessageSize)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false, mesh.NewError(mesh.KindInvalidMessage, "protocol.receive", fmt.Errorf("decode envelope: %w", err))
	}
	if err := msg.validate(); err != nil {
		return false, err
	}
	if msg.Expired(p.now()) {
		p.expired.Add(1)
		return false, mesh.Errorf(mesh.KindExpiredMessage, "protocol.receive",
			"message %s from %s expired at %d", msg.ID, msg.Source, msg.TTL)
	}
	if !verifyChecksum(&msg) {
		p.checksumFailures.Add(1)
		return false, mesh.Errorf(mesh.KindChecksumFailed, "protocol.receive",
			"message %s from %s failed checksum verification", msg.ID, msg.Source)
	}

	if msg.Type == TypeMetricsReport && looksBatched(msg.Payload) {
		return p.receiveBatch(ctx, &msg)
	}

	if p.dedup.Observe(msg.ID) {
		p.duplicates.Add(1)
		return false, nil
	}

	payload, err := p.codec.maybeDecompress(msg.Payload)
	if err != nil {
		return false, err
	}
	msg.Payload = payload

	if pend := p.takePending(msg.ID); pend != nil {
		pend.resolve(msg.Payload)
		return true, nil
	}

	return true, p.dispatch(ctx, &msg)
}

// receiveBatch unwraps a carrier and runs each child through the full
// inbound pipeline so per-message dedup and checksums still apply.
func (p *Protocol) receiveBatch(ctx context.Context, carrier *Message) (bool, error) {
	if p.dedup.Observe(carrier.ID) {
		p.duplicates.Add(1)
		return false, nil
	}
	children, ok := unwrapBatch(carrier.Payload)
	if !ok {
		return false, mesh.Errorf(mesh.KindInvalidMessage, "protocol.receive",
			"malformed batch carrier %s from %s", carrier.ID, carrier.Source)
	}

	accepted := false
	for _, child := range children {
		data, err := json.Marshal(child)
		if err != nil {
			p.logger.Warn("Dropping undecodable batch member",
				"carrier_id", carrier.ID, "error", err)
			continue
		}
		ok, err := p.Receive(ctx, data)
		if err != nil {
			p.logger.Warn("Batch member rejected",
				"carrier_id", carrier.ID, "message_id", child.ID, "error", err)
		}
		accepted = accepted || ok
	}
	return accepted, nil
}

func (p *Protocol) takePending(id string) *Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	pend, ok := p.pending[id]
	if !ok {
		return nil
	}
	delete(p.pending, id)
	return pend
}

func (p *Protocol) dispatch(ctx context.Context, msg *Message) error {
	p.mu.RLock()
	handler := p.handlers[msg.Type]
	p.mu.RUnlock()
	if handler == nil {
		p.logger.Debug("No handler registered", "type", msg.Type, "message_id", msg.ID)
		return nil
	}
	if err := handler(ctx, msg); err != nil {
		p.logger.Warn("Handler failed",
			"type", msg.Type, "message_id", msg.ID, "source", msg.Source, "error", err)
	}
	return nil
}

// batchLoop flushes queued batchable messages on the batch interval.
func (p *Protocol) batchLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(batchDeadline(p.cfg.BatchInterval))
	defer ticker.Stop()
	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-ticker.C:
			p.batch.FlushAll()
		}
	}
}

// flushGroup ships one target's queued messages. A single message goes
// out unwrapped; larger groups share a carrier. An oversize carrier
// falls back to individual delivery.
func (p *Protocol) flushGroup(target string, msgs []*Message) {
	if len(msgs) == 0 {
		return
	}
	if len(msgs) == 1 {
		p.deliverEncoded(target, msgs[0])
		return
	}

	body, err := json.Marshal(batchBody{Batch: true, Messages: msgs})
	if err != nil {
		p.logger.Warn("Batch carrier marshal failed, sending individually", "error", err)
		for _, m := range msgs {
			p.deliverEncoded(target, m)
		}
		return
	}
	carrier := &Message{
		ID:        newMessageID(),
		Version:   Version,
		Source:    p.cfg.Source,
		Target:    target,
		Type:      TypeMetricsReport,
		Payload:   body,
		Timestamp: p.now().UnixMilli(),
		Priority:  carrierPriority(msgs),
		TTL:       carrierTTL(msgs),
	}
	carrier.SequenceNumber = p.seq.Add(1)
	carrier.Checksum = computeChecksum(carrier)

	data, err := p.encode(carrier)
	if err != nil {
		p.logger.Warn("Batch carrier oversize, sending individually",
			"target", target, "members", len(msgs), "error", err)
		for _, m := range msgs {
			p.deliverEncoded(target, m)
		}
		return
	}
	if err := p.deliver(p.runCtx, target, data); err != nil {
		p.logger.Warn("Batch delivery failed",
			"target", target, "members", len(msgs), "error", err)
	}
}

func (p *Protocol) deliverEncoded(target string, msg *Message) {
	data, err := p.encode(msg)
	if err != nil {
		p.logger.Warn("Dropping oversize message", "message_id", msg.ID, "error", err)
		return
	}
	if err := p.deliver(p.runCtx, target, data); err != nil {
		p.logger.Warn("Delivery failed", "message_id", msg.ID, "target", target, "error", err)
	}
}

// Stats snapshots endpoint counters.
func (p *Protocol) Stats() Stats {
	p.mu.RLock()
	pending := len(p.pending)
	p.mu.RUnlock()
	return Stats{
		Sent:             p.sent.Load(),
		Received:         p.received.Load(),
		Duplicates:       p.duplicates.Load(),
		Expired:          p.expired.Load(),
		ChecksumFailures: p.checksumFailures.Load(),
		Retries:          p.retries.Load(),
		Timeouts:         p.timeouts.Load(),
		PendingSends:     pending,
		BatchQueue:       p.batch.Pending(),
	}
}
