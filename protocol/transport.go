package protocol

import "context"

// Transport moves encoded envelopes toward a target endpoint. The
// worker-gateway provides the NATS-backed implementation; tests use
// in-process loopbacks. Target is a worker id or BroadcastTarget.
type Transport interface {
	Deliver(ctx context.Context, target string, data []byte) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, target string, data []byte) error

// Deliver implements Transport.
func (f TransportFunc) Deliver(ctx context.Context, target string, data []byte) error {
	return f(ctx, target, data)
}
