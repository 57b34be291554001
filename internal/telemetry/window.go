package telemetry

import "sync"

// DefaultWindowCapacity bounds a history window when no explicit
// capacity is configured.
const DefaultWindowCapacity = 15

// Window is a fixed-capacity, arrival-ordered buffer of RatePoints
// feeding visualization. When full, the oldest point is evicted first.
// Insertion order is authoritative: late out-of-order points are
// appended, never re-sorted.
//
// Appends come from the stream goroutine while consumers read
// snapshots, so access is guarded; Snapshot returns a copy that the
// caller owns.
type Window struct {
	mu  sync.RWMutex
	cap int
	pts []RatePoint
}

// NewWindow creates a Window holding at most capacity points.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}

	return &Window{
		cap: capacity,
		pts: make([]RatePoint, 0, capacity),
	}
}

// Append inserts a point, evicting the oldest one first if the window
// is at capacity.
func (w *Window) Append(p RatePoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pts) == w.cap {
		copy(w.pts, w.pts[1:])
		w.pts = w.pts[:len(w.pts)-1]
	}

	w.pts = append(w.pts, p)
}

// Snapshot returns a copy of the window contents in arrival order.
func (w *Window) Snapshot() []RatePoint {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]RatePoint, len(w.pts))
	copy(out, w.pts)

	return out
}

// Latest returns the most recently appended point, if any.
func (w *Window) Latest() (RatePoint, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.pts) == 0 {
		return RatePoint{}, false
	}

	return w.pts[len(w.pts)-1], true
}

// Len returns the number of points currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.pts)
}

// Capacity returns the fixed capacity of the window.
func (w *Window) Capacity() int {
	return w.cap
}

// Clear truncates the window to empty. Called on every reconnect,
// before any point of the new connection is appended.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pts = w.pts[:0]
}
