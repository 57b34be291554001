package telemetry

// Estimator converts consecutive snapshots of one cumulative counter
// into per-second rates. Each (target, metric) pair owns its own
// Estimator; estimators never share state across metrics.
//
// The estimator tolerates irregular delivery intervals, duplicate or
// out-of-order samples (dropped), and counter resets on the remote
// side (rate clamped to zero, state still advances).
type Estimator struct {
	lastValue float64
	lastTsMs  int64
	primed    bool
}

// Update folds one sample into the estimator and returns the derived
// point. ok is false when the sample's timestamp did not advance past
// the last recorded one; such samples are dropped and leave the
// estimator untouched so the next legitimate delta stays correct.
func (e *Estimator) Update(s CounterSample) (RatePoint, bool) {
	// First sample since creation or reset: no delta exists yet.
	if !e.primed {
		e.primed = true
		e.lastValue = s.Value
		e.lastTsMs = s.TimestampMs

		return RatePoint{
			TimestampMs: s.TimestampMs,
			RawValue:    s.Value,
		}, true
	}

	if s.TimestampMs <= e.lastTsMs {
		return RatePoint{}, false
	}

	deltaT := float64(s.TimestampMs-e.lastTsMs) / 1000.0

	deltaV := s.Value - e.lastValue
	if deltaV < 0 {
		// Remote counter reset without a reconnect event. A negative
		// rate must never escape; the state still advances so the
		// next delta is computed against the post-reset value.
		deltaV = 0
	}

	e.lastValue = s.Value
	e.lastTsMs = s.TimestampMs

	return RatePoint{
		TimestampMs:   s.TimestampMs,
		RawValue:      s.Value,
		RatePerSecond: deltaV / deltaT,
	}, true
}

// Reset clears the estimator back to its unprimed state. Called on
// every reconnect: a delta computed across a connection gap is
// meaningless because the remote counter may have restarted at zero.
func (e *Estimator) Reset() {
	*e = Estimator{}
}

// Primed reports whether the estimator has recorded at least one
// sample since its last reset.
func (e *Estimator) Primed() bool {
	return e.primed
}
