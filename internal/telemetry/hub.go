package telemetry

import "sync"

// IngestResult reports what happened to each metric key of one
// envelope.
type IngestResult struct {
	// Accepted counts keys that produced a point in their window.
	Accepted int
	// Stale counts counter keys dropped because their timestamp did
	// not advance.
	Stale int
	// Unknown counts keys the target's profile does not declare.
	Unknown int
}

type metricSeries struct {
	kind MetricKind
	est  Estimator
	win  *Window
}

// Hub composes one estimator/window pair per metric key for a single
// target. Counter keys are routed through their estimator; gauge keys
// are appended to their window as-is.
//
// A Hub is built for exactly one target shape. When the monitored
// target changes, the owner constructs a fresh Hub rather than reusing
// this one, so stale metric-key sets never leak between differently
// shaped targets.
type Hub struct {
	targetID string
	profile  Profile

	// mu serializes estimator mutation between the stream goroutine
	// (Ingest) and owner-driven resets (Reset, Append).
	mu     sync.Mutex
	series map[MetricKey]*metricSeries
}

// NewHub creates a Hub for one target with one estimator/window pair
// per key in the profile.
func NewHub(targetID string, profile Profile, windowCap int) *Hub {
	h := &Hub{
		targetID: targetID,
		profile:  profile,
		series:   make(map[MetricKey]*metricSeries, len(profile)),
	}

	for key, kind := range profile {
		h.series[key] = &metricSeries{
			kind: kind,
			win:  NewWindow(windowCap),
		}
	}

	return h
}

// TargetID returns the target this hub was built for.
func (h *Hub) TargetID() string {
	return h.targetID
}

// Profile returns the metric profile this hub was built from.
func (h *Hub) Profile() Profile {
	return h.profile
}

// Ingest routes every metric carried by the envelope to its series.
func (h *Hub) Ingest(env Envelope) IngestResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	var res IngestResult

	for key := range env.Metrics {
		s, ok := h.series[key]
		if !ok {
			res.Unknown++

			continue
		}

		switch s.kind {
		case KindCounter:
			pt, ok := s.est.Update(env.Sample(key))
			if !ok {
				res.Stale++

				continue
			}

			s.win.Append(pt)
			res.Accepted++

		case KindGauge:
			s.win.Append(RatePoint{
				TimestampMs: env.TimestampMs,
				RawValue:    env.Metrics[key],
			})
			res.Accepted++
		}
	}

	return res
}

// Append inserts an externally produced point directly into a metric's
// window, bypassing rate estimation. Returns false when the key is not
// part of this hub's profile.
func (h *Hub) Append(key MetricKey, pt RatePoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.series[key]
	if !ok {
		return false
	}

	s.win.Append(pt)

	return true
}

// Latest returns the most recent point per metric key. Keys with no
// point yet are absent from the result.
func (h *Hub) Latest() map[MetricKey]RatePoint {
	out := make(map[MetricKey]RatePoint, len(h.series))

	for key, s := range h.series {
		if pt, ok := s.win.Latest(); ok {
			out[key] = pt
		}
	}

	return out
}

// Series returns a snapshot of one metric's history window in arrival
// order, or nil for keys outside the profile.
func (h *Hub) Series(key MetricKey) []RatePoint {
	s, ok := h.series[key]
	if !ok {
		return nil
	}

	return s.win.Snapshot()
}

// Reset wipes every estimator and truncates every window. Called on
// each successful (re)connect before any sample of the new connection
// is ingested.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.series {
		s.est.Reset()
		s.win.Clear()
	}
}
