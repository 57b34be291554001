// Package stream owns the per-target subscription lifecycle: it opens
// push connections, retries them on failure, and wipes downstream rate
// state on every new connection epoch.
package stream

// State is the lifecycle state of one subscription.
type State int

const (
	// StateDisconnected is the initial state before any connect
	// attempt.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in flight or a retry
	// is pending.
	StateConnecting
	// StateConnected means samples are flowing for the current epoch.
	StateConnected
	// StateClosed is terminal; a closed subscription is never reused.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is a point-in-time snapshot of one managed
// subscription. Epoch increments on every successful (re)connect and
// identifies one connection lifetime; state from a previous epoch is
// never carried into the next.
type Subscription struct {
	TargetID string
	State    State
	Epoch    uint64
}
