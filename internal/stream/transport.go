package stream

import (
	"context"

	"github.com/tunnelops/ratewatch/internal/telemetry"
)

// Transport opens push-event channels to telemetry targets. The
// delivery model is message-oriented and at-least-once; envelopes may
// arrive duplicated or out of order, which the rate engine tolerates.
type Transport interface {
	// Dial opens a push channel for one target. It returns once the
	// channel is established or the context is done.
	Dial(ctx context.Context, targetID string) (Conn, error)
}

// Conn is one live push channel for a single target.
type Conn interface {
	// Receive blocks until the next decodable envelope arrives.
	// Frames that cannot be decoded are dropped and logged, never
	// fatal. A returned error means the channel is dead and the
	// caller should reconnect.
	Receive(ctx context.Context) (telemetry.Envelope, error)

	// Close tears down the channel. Any blocked Receive returns with
	// an error.
	Close() error
}
