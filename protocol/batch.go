package protocol

import (
	"encoding/json"
	"sync"
	"time"
)

// batchBody is the carrier payload for batched envelopes. Receivers unwrap
// it and dispatch each inner message under its own type.
type batchBody struct {
	Batch    bool       `json:"_batch"`
	Messages []*Message `json:"messages"`
}

// looksBatched filters carrier payloads; the body always serializes with
// _batch as its first key.
func looksBatched(payload json.RawMessage) bool {
	const probe = `{"_batch":true`
	if len(payload) < len(probe) {
		return false
	}
	return string(payload[:len(probe)]) == probe
}

// batcher accumulates fire-and-forget envelopes per target and hands full
// groups to the flush callback. Messages to distinct targets never share a
// carrier; the engine only feeds same-source messages by construction.
type batcher struct {
	mu       sync.Mutex
	byTarget map[string][]*Message
	size     int
	flush    func(target string, msgs []*Message)
}

func newBatcher(size int, flush func(target string, msgs []*Message)) *batcher {
	if size < 1 {
		size = 1
	}
	return &batcher{
		byTarget: make(map[string][]*Message),
		size:     size,
		flush:    flush,
	}
}

// Add queues a message; a group that reaches the batch size flushes
// immediately.
func (b *batcher) Add(msg *Message) {
	var full []*Message
	b.mu.Lock()
	b.byTarget[msg.Target] = append(b.byTarget[msg.Target], msg)
	if len(b.byTarget[msg.Target]) >= b.size {
		full = b.byTarget[msg.Target]
		delete(b.byTarget, msg.Target)
	}
	b.mu.Unlock()

	if full != nil {
		b.flush(msg.Target, full)
	}
}

// FlushAll drains every pending group, called on the interval tick and at
// shutdown.
func (b *batcher) FlushAll() {
	b.mu.Lock()
	drained := b.byTarget
	b.byTarget = make(map[string][]*Message)
	b.mu.Unlock()

	for target, msgs := range drained {
		b.flush(target, msgs)
	}
}

// Pending returns the count of queued messages across targets.
func (b *batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msgs := range b.byTarget {
		n += len(msgs)
	}
	return n
}

// carrierTTL picks the latest child deadline so the carrier outlives every
// inner message.
func carrierTTL(msgs []*Message) int64 {
	var ttl int64
	for _, m := range msgs {
		if m.TTL > ttl {
			ttl = m.TTL
		}
	}
	return ttl
}

// carrierPriority is the maximum of the children's priorities.
func carrierPriority(msgs []*Message) int {
	p := 0
	for _, m := range msgs {
		if m.Priority > p {
			p = m.Priority
		}
	}
	return p
}

// unwrapBatch parses a carrier payload back into its inner messages.
func unwrapBatch(payload json.RawMessage) ([]*Message, bool) {
	if !looksBatched(payload) {
		return nil, false
	}
	var body batchBody
	if err := json.Unmarshal(payload, &body); err != nil || !body.Batch {
		return nil, false
	}
	return body.Messages, true
}

// batchDeadline reports when the next interval flush is due.
func batchDeadline(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 100 * time.Millisecond
	}
	return interval
}
