// Package telemetry implements the streaming rate engine: it turns
// periodic snapshots of monotonically increasing counters into
// per-second rates and bounded history series for display.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// MetricKey identifies one metric within a target's push stream.
type MetricKey string

// Metrics pushed by a system-level target.
const (
	MetricCPU   MetricKey = "cpu"
	MetricRAM   MetricKey = "ram"
	MetricSwap  MetricKey = "swap"
	MetricNetRX MetricKey = "netrx"
	MetricNetTX MetricKey = "nettx"
	MetricDiskR MetricKey = "diskr"
	MetricDiskW MetricKey = "diskw"
)

// Metrics pushed by a tunnel-instance target.
const (
	MetricTCPRX    MetricKey = "tcpRx"
	MetricTCPTX    MetricKey = "tcpTx"
	MetricUDPRX    MetricKey = "udpRx"
	MetricUDPTX    MetricKey = "udpTx"
	MetricPool     MetricKey = "pool"
	MetricTCPConns MetricKey = "tcps"
	MetricUDPConns MetricKey = "udps"
	MetricPing     MetricKey = "ping"
)

// MetricKind distinguishes cumulative counters, which are run through
// the rate estimator, from point-in-time gauges, which are recorded
// as-is.
type MetricKind int

const (
	// KindCounter is a monotonically non-decreasing cumulative value
	// (e.g. total bytes transmitted).
	KindCounter MetricKind = iota
	// KindGauge is an instantaneous reading (e.g. CPU percentage,
	// ping latency, pool size).
	KindGauge
)

// Profile declares the metric key set a target pushes and the kind of
// each key. Differently shaped targets (system monitor vs tunnel
// monitor) use different profiles.
type Profile map[MetricKey]MetricKind

// SystemProfile returns the metric profile of a system-level target.
func SystemProfile() Profile {
	return Profile{
		MetricCPU:   KindGauge,
		MetricRAM:   KindGauge,
		MetricSwap:  KindGauge,
		MetricNetRX: KindCounter,
		MetricNetTX: KindCounter,
		MetricDiskR: KindCounter,
		MetricDiskW: KindCounter,
	}
}

// TunnelProfile returns the metric profile of a tunnel-instance target.
func TunnelProfile() Profile {
	return Profile{
		MetricTCPRX:    KindCounter,
		MetricTCPTX:    KindCounter,
		MetricUDPRX:    KindCounter,
		MetricUDPTX:    KindCounter,
		MetricPool:     KindGauge,
		MetricTCPConns: KindGauge,
		MetricUDPConns: KindGauge,
		MetricPing:     KindGauge,
	}
}

// CounterSample is one timestamped observation of a single metric of
// one target. Immutable once created.
type CounterSample struct {
	TargetID    string
	Key         MetricKey
	TimestampMs int64
	Value       float64
}

// RatePoint is a derived, display-ready observation: the raw value at
// a timestamp plus the per-second rate since the previous sample.
// RatePerSecond is never negative.
type RatePoint struct {
	TimestampMs   int64
	RawValue      float64
	RatePerSecond float64
}

// Envelope is one decoded push event. A single event may carry several
// metric keys observed at the same timestamp.
type Envelope struct {
	TargetID    string
	TimestampMs int64
	Metrics     map[MetricKey]float64
}

// Sample extracts one metric of the envelope as a CounterSample.
func (e Envelope) Sample(key MetricKey) CounterSample {
	return CounterSample{
		TargetID:    e.TargetID,
		Key:         key,
		TimestampMs: e.TimestampMs,
		Value:       e.Metrics[key],
	}
}

// DecodeEnvelope parses a raw push event. Metric values that are not
// numeric are dropped per key rather than failing the whole event; the
// returned count reports how many were dropped. A missing target id or
// a missing/non-positive timestamp makes the event unusable and
// returns an error.
func DecodeEnvelope(data []byte) (Envelope, int, error) {
	var raw struct {
		TargetID    string                     `json:"targetId"`
		TimestampMs int64                      `json:"timestampMs"`
		Metrics     map[string]json.RawMessage `json:"metrics"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, 0, fmt.Errorf("decoding push event: %w", err)
	}

	if raw.TargetID == "" {
		return Envelope{}, 0, fmt.Errorf("push event missing targetId")
	}

	if raw.TimestampMs <= 0 {
		return Envelope{}, 0, fmt.Errorf(
			"push event for %q missing timestampMs", raw.TargetID,
		)
	}

	env := Envelope{
		TargetID:    raw.TargetID,
		TimestampMs: raw.TimestampMs,
		Metrics:     make(map[MetricKey]float64, len(raw.Metrics)),
	}

	malformed := 0

	for key, val := range raw.Metrics {
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			malformed++

			continue
		}

		if f < 0 {
			malformed++

			continue
		}

		env.Metrics[MetricKey(key)] = f
	}

	return env, malformed, nil
}
