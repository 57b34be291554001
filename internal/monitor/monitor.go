// Package monitor composes the rate engine: it gates subscribe
// requests on target capabilities, owns one stream manager and metric
// hub per subscribed target, and exposes the results to consumers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tunnelops/ratewatch/internal/export"
	"github.com/tunnelops/ratewatch/internal/gate"
	"github.com/tunnelops/ratewatch/internal/stream"
	"github.com/tunnelops/ratewatch/internal/telemetry"
)

// ErrIneligibleTarget is returned by Subscribe when the capability
// gate rejects the target. No connection is attempted in that case.
var ErrIneligibleTarget = errors.New("target is not eligible for streaming")

// Handle is the caller's grip on one subscription. It carries the
// imperative operations as named capabilities instead of exposing the
// manager directly.
type Handle struct {
	targetID string
	hub      *telemetry.Hub
	mgr      *stream.Manager
}

// TargetID returns the subscribed target identifier.
func (h *Handle) TargetID() string {
	return h.targetID
}

// Hub returns the read-only series view for this target.
func (h *Handle) Hub() *telemetry.Hub {
	return h.hub
}

// Subscription returns a snapshot of the connection lifecycle state.
func (h *Handle) Subscription() stream.Subscription {
	return h.mgr.Subscription()
}

// OnConnected registers a callback fired on every successful
// (re)connect. Safe to call at any time; when the stream is already
// connected the callback fires immediately with the current epoch.
func (h *Handle) OnConnected(fn stream.ConnectedFunc) {
	h.mgr.OnConnected(fn)
}

// OnSample registers a callback fired after each routed envelope.
// Safe to call at any time.
func (h *Handle) OnSample(fn stream.SampleFunc) {
	h.mgr.OnSample(fn)
}

// Refresh forces a reconnect with a fresh epoch.
func (h *Handle) Refresh() {
	h.mgr.Refresh()
}

// Clear wipes the target's windows and estimator state without
// touching the connection.
func (h *Handle) Clear() {
	h.hub.Reset()
}

// AppendExternal inserts a caller-produced point directly into one
// metric's window, bypassing rate estimation. Returns false when the
// key is not part of the target's profile.
func (h *Handle) AppendExternal(key telemetry.MetricKey, pt telemetry.RatePoint) bool {
	return h.hub.Append(key, pt)
}

// Monitor is the top-level orchestrator for ratewatch.
type Monitor interface {
	// Start brings up the health server and subscribes the
	// configured targets.
	Start(ctx context.Context) error
	// Stop closes all subscriptions and shuts down gracefully.
	Stop() error
	// Subscribe opens a gated subscription for one target.
	Subscribe(
		targetID string,
		caps gate.Capabilities,
		profile telemetry.Profile,
	) (*Handle, error)
	// Unsubscribe closes one subscription. The handle is dead
	// afterwards; changing targets is unsubscribe-then-subscribe.
	Unsubscribe(h *Handle) error
	// UpdateCapabilities re-evaluates the gate after a target's
	// capability descriptor changed, tearing the subscription down
	// if the target became ineligible. Returns whether the target is
	// still eligible.
	UpdateCapabilities(h *Handle, caps gate.Capabilities) (bool, error)
}

type monitor struct {
	log       logrus.FieldLogger
	cfg       *Config
	health    *export.HealthMetrics
	gate      *gate.Gate
	transport stream.Transport

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	handles map[*Handle]struct{}
	started bool
}

// New creates a Monitor with the WebSocket transport.
func New(log logrus.FieldLogger, cfg *Config) (Monitor, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	return NewWithTransport(
		log, cfg, health,
		stream.NewWebSocketTransport(log, cfg.Transport, health),
	)
}

// NewWithTransport creates a Monitor with a caller-supplied transport.
func NewWithTransport(
	log logrus.FieldLogger,
	cfg *Config,
	health *export.HealthMetrics,
	transport stream.Transport,
) (Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &monitor{
		log:       log.WithField("component", "monitor"),
		cfg:       cfg,
		health:    health,
		gate:      gate.New(cfg.Gate),
		transport: transport,
		handles:   make(map[*Handle]struct{}),
	}, nil
}

func (m *monitor) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.started {
		m.mu.Unlock()

		return fmt.Errorf("monitor already started")
	}

	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if err := m.health.Start(m.ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	for _, t := range m.cfg.Targets {
		h, err := m.Subscribe(t.ID, t.Capabilities(), t.Profile())
		if err != nil {
			if errors.Is(err, ErrIneligibleTarget) {
				m.log.WithField("target", t.ID).
					Warn("Configured target rejected by capability gate")

				continue
			}

			return fmt.Errorf("subscribing target %s: %w", t.ID, err)
		}

		m.log.WithFields(logrus.Fields{
			"target": h.TargetID(),
			"kind":   t.Kind,
		}).Info("Target subscribed")
	}

	m.log.Info("Monitor started")

	return nil
}

func (m *monitor) Stop() error {
	m.mu.Lock()

	if m.cancel != nil {
		m.cancel()
	}

	handles := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := m.Unsubscribe(h); err != nil {
			m.log.WithError(err).WithField("target", h.TargetID()).
				Error("Error closing subscription")
		}
	}

	if m.health != nil {
		return m.health.Stop()
	}

	return nil
}

func (m *monitor) Subscribe(
	targetID string,
	caps gate.Capabilities,
	profile telemetry.Profile,
) (*Handle, error) {
	if targetID == "" {
		return nil, fmt.Errorf("target id is required")
	}

	// The gate decides before any connection exists. An ineligible
	// target is a synchronous rejection, never a runtime failure
	// after connecting.
	if !m.gate.Eligible(caps) {
		m.health.GateRejections.Inc()

		return nil, fmt.Errorf("target %s: %w", targetID, ErrIneligibleTarget)
	}

	m.mu.Lock()

	if !m.started {
		m.mu.Unlock()

		return nil, fmt.Errorf("monitor is not started")
	}

	ctx := m.ctx

	hub := telemetry.NewHub(targetID, profile, m.cfg.WindowCapacity)
	mgr := stream.NewManager(
		m.log, m.cfg.Stream, m.transport, hub, m.health, targetID,
	)

	h := &Handle{
		targetID: targetID,
		hub:      hub,
		mgr:      mgr,
	}

	m.handles[h] = struct{}{}
	m.mu.Unlock()

	if err := mgr.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.handles, h)
		m.mu.Unlock()

		return nil, fmt.Errorf("starting stream for %s: %w", targetID, err)
	}

	m.health.ActiveSubscriptions.Inc()

	return h, nil
}

func (m *monitor) Unsubscribe(h *Handle) error {
	if h == nil {
		return nil
	}

	m.mu.Lock()

	if _, ok := m.handles[h]; !ok {
		m.mu.Unlock()

		return nil
	}

	delete(m.handles, h)
	m.mu.Unlock()

	m.health.ActiveSubscriptions.Dec()

	if err := h.mgr.Close(); err != nil {
		return fmt.Errorf("closing stream for %s: %w", h.targetID, err)
	}

	return nil
}

func (m *monitor) UpdateCapabilities(
	h *Handle,
	caps gate.Capabilities,
) (bool, error) {
	if h == nil {
		return false, fmt.Errorf("handle is required")
	}

	if m.gate.Eligible(caps) {
		return true, nil
	}

	m.health.GateRejections.Inc()
	m.log.WithField("target", h.TargetID()).
		Info("Target no longer eligible, closing subscription")

	return false, m.Unsubscribe(h)
}
