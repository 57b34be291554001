package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(ts int64, v float64) CounterSample {
	return CounterSample{
		TargetID:    "t1",
		Key:         MetricNetRX,
		TimestampMs: ts,
		Value:       v,
	}
}

func TestEstimator_FirstSampleZeroRate(t *testing.T) {
	var e Estimator

	pt, ok := e.Update(sample(1000, 5000))
	require.True(t, ok)

	assert.Equal(t, int64(1000), pt.TimestampMs)
	assert.Equal(t, float64(5000), pt.RawValue)
	assert.Equal(t, float64(0), pt.RatePerSecond)
	assert.True(t, e.Primed())
}

func TestEstimator_DeltaRate(t *testing.T) {
	var e Estimator

	_, ok := e.Update(sample(0, 1000))
	require.True(t, ok)

	pt, ok := e.Update(sample(1000, 3000))
	require.True(t, ok)

	// 2000 bytes over 1 second.
	assert.InDelta(t, 2000.0, pt.RatePerSecond, 1e-9)
	assert.Equal(t, float64(3000), pt.RawValue)
}

func TestEstimator_IrregularInterval(t *testing.T) {
	var e Estimator

	_, ok := e.Update(sample(0, 0))
	require.True(t, ok)

	// 750 bytes over 250ms is 3000 B/s.
	pt, ok := e.Update(sample(250, 750))
	require.True(t, ok)
	assert.InDelta(t, 3000.0, pt.RatePerSecond, 1e-9)

	// 3000 bytes over 4s is 750 B/s.
	pt, ok = e.Update(sample(4250, 3750))
	require.True(t, ok)
	assert.InDelta(t, 750.0, pt.RatePerSecond, 1e-9)
}

func TestEstimator_CounterResetClampsToZero(t *testing.T) {
	var e Estimator

	_, ok := e.Update(sample(0, 5000))
	require.True(t, ok)

	// Remote process restarted: counter dropped to 4000.
	pt, ok := e.Update(sample(1000, 4000))
	require.True(t, ok)
	assert.Equal(t, float64(0), pt.RatePerSecond)
	assert.Equal(t, float64(4000), pt.RawValue)

	// State advanced to the post-reset value, so the next delta is
	// computed against 4000.
	pt, ok = e.Update(sample(2000, 4500))
	require.True(t, ok)
	assert.InDelta(t, 500.0, pt.RatePerSecond, 1e-9)
}

func TestEstimator_StaleSampleDropped(t *testing.T) {
	var e Estimator

	_, ok := e.Update(sample(1000, 100))
	require.True(t, ok)

	// Same timestamp: dropped.
	_, ok = e.Update(sample(1000, 200))
	assert.False(t, ok)

	// Earlier timestamp: dropped.
	_, ok = e.Update(sample(500, 300))
	assert.False(t, ok)

	// State untouched by the dropped samples: the next delta is
	// against (1000ms, 100).
	pt, ok := e.Update(sample(2000, 600))
	require.True(t, ok)
	assert.InDelta(t, 500.0, pt.RatePerSecond, 1e-9)
}

func TestEstimator_Reset(t *testing.T) {
	var e Estimator

	_, ok := e.Update(sample(0, 1000))
	require.True(t, ok)
	_, ok = e.Update(sample(1000, 2000))
	require.True(t, ok)

	e.Reset()
	assert.False(t, e.Primed())

	// First sample after reset yields rate 0 even though its value
	// is far below the last pre-reset value.
	pt, ok := e.Update(sample(2000, 10))
	require.True(t, ok)
	assert.Equal(t, float64(0), pt.RatePerSecond)
}

func TestEstimator_RateNeverNegative(t *testing.T) {
	var e Estimator

	seq := []struct {
		ts int64
		v  float64
	}{
		{0, 100}, {1000, 50}, {1500, 200}, {1500, 999},
		{3000, 0}, {4000, 10}, {3500, 5},
	}

	for _, s := range seq {
		pt, ok := e.Update(sample(s.ts, s.v))
		if ok {
			assert.GreaterOrEqual(t, pt.RatePerSecond, 0.0,
				"rate for sample at %dms", s.ts)
		}
	}
}
