package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tunnelops/ratewatch/internal/export"
	"github.com/tunnelops/ratewatch/internal/telemetry"
)

// Config configures subscription lifecycle management.
type Config struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	// Defaults to 2s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the exponential reconnect backoff.
	// Defaults to 30s.
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// ConnectedFunc is called on every successful (re)connect, after all
// downstream state for the target has been wiped.
type ConnectedFunc func(epoch uint64)

// SampleFunc is called after an envelope has been routed into the
// target's series.
type SampleFunc func(env telemetry.Envelope, res telemetry.IngestResult)

// StateFunc is called on every lifecycle transition.
type StateFunc func(sub Subscription)

// Manager owns one subscription for one target: it dials the
// transport, retries on failure, and routes received envelopes into
// the target's hub.
//
// All estimator and window mutation happens on the manager's run
// goroutine; the hub is cleared on every new connection epoch before
// any sample of that epoch is ingested, so no delta ever spans two
// epochs.
type Manager struct {
	log       logrus.FieldLogger
	cfg       Config
	transport Transport
	hub       *telemetry.Hub
	health    *export.HealthMetrics
	targetID  string

	onConnected []ConnectedFunc
	onSample    []SampleFunc
	onState     []StateFunc

	// refresh wakes the run loop out of reconnect backoff when a
	// caller asks for a fresh connection while none is live.
	refresh chan struct{}

	mu      sync.Mutex
	state   State
	epoch   uint64
	conn    Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a Manager for one target. The hub must have been
// built for the same target.
func NewManager(
	log logrus.FieldLogger,
	cfg Config,
	transport Transport,
	hub *telemetry.Hub,
	health *export.HealthMetrics,
	targetID string,
) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}

	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}

	return &Manager{
		log: log.WithFields(logrus.Fields{
			"component": "stream",
			"target":    targetID,
		}),
		cfg:       cfg,
		transport: transport,
		hub:       hub,
		health:    health,
		targetID:  targetID,
		state:     StateDisconnected,
		refresh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// OnConnected registers a callback for successful (re)connects. Safe
// to call at any time; when the stream is already connected the
// callback fires immediately with the current epoch, so a registrant
// arriving after the first connect does not miss it. Callbacks run on
// the stream goroutine, or on the registering goroutine for that
// immediate invocation.
func (m *Manager) OnConnected(fn ConnectedFunc) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	connected := m.state == StateConnected
	epoch := m.epoch
	m.mu.Unlock()

	if connected {
		fn(epoch)
	}
}

// OnSample registers a callback for routed envelopes. Safe to call at
// any time.
func (m *Manager) OnSample(fn SampleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onSample = append(m.onSample, fn)
}

// OnStateChange registers a callback for lifecycle transitions. Safe
// to call at any time.
func (m *Manager) OnStateChange(fn StateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onState = append(m.onState, fn)
}

// Hub returns the hub receiving this subscription's samples.
func (m *Manager) Hub() *telemetry.Hub {
	return m.hub
}

// Start begins connecting and keeps the subscription alive until the
// context is done or Close is called. A closed manager cannot be
// restarted.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("subscription for %s is closed", m.targetID)
	}

	if m.started {
		return fmt.Errorf("subscription for %s already started", m.targetID)
	}

	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)

	go m.run(ctx)

	return nil
}

// Close tears down the subscription. Terminal: a new target always
// gets a new Manager.
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true

	if m.cancel != nil {
		m.cancel()
	}

	if m.conn != nil {
		m.conn.Close()
	}

	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}

	m.setState(StateClosed)

	return nil
}

// Refresh forces a reconnect with a fresh epoch: it drops the current
// connection when one is live, and otherwise skips the remaining
// reconnect backoff so the next dial attempt starts immediately.
func (m *Manager) Refresh() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()

		return
	}

	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Subscription returns a snapshot of the current lifecycle state.
func (m *Manager) Subscription() Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Subscription{
		TargetID: m.targetID,
		State:    m.state,
		Epoch:    m.epoch,
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	delay := m.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)

		conn, err := m.transport.Dial(ctx, m.targetID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.log.WithError(err).WithField("retry_in", delay).
				Warn("Connect failed")

			select {
			case <-ctx.Done():
				return
			case <-m.refresh:
			case <-time.After(delay):
			}

			delay *= 2
			if delay > m.cfg.MaxReconnectDelay {
				delay = m.cfg.MaxReconnectDelay
			}

			continue
		}

		delay = m.cfg.ReconnectDelay

		// A refresh requested while dialing has nothing left to skip.
		select {
		case <-m.refresh:
		default:
		}

		m.connected(conn)
		m.readLoop(ctx, conn)

		conn.Close()

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		m.health.Reconnects.Inc()
		m.log.Debug("Stream lost, reconnecting")
	}
}

// connected performs the epoch transition: bump the epoch, wipe all
// estimator state and windows, then announce the new connection. The
// wipe completes before any sample of the new epoch is read.
//
// The state flip and the callback snapshot happen in one critical
// section, so a registrant landing in OnConnected during the
// transition is notified exactly once for this epoch: either from the
// snapshot below or from its own immediate invocation, never both.
func (m *Manager) connected(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.hub.Reset()

	m.mu.Lock()
	m.state = StateConnected
	sub := Subscription{
		TargetID: m.targetID,
		State:    StateConnected,
		Epoch:    epoch,
	}
	stateFns := append([]StateFunc(nil), m.onState...)
	connFns := append([]ConnectedFunc(nil), m.onConnected...)
	m.mu.Unlock()

	m.health.ConnectionState.
		WithLabelValues(m.targetID).Set(float64(StateConnected))

	m.log.WithField("epoch", epoch).Info("Stream connected")

	for _, fn := range stateFns {
		fn(sub)
	}

	for _, fn := range connFns {
		fn(epoch)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.WithError(err).Debug("Receive failed")
			}

			return
		}

		// A message for a different target is never applied to this
		// subscription's state. Samples cannot cross epochs: the run
		// goroutine drains one connection at a time, and a new epoch
		// only begins after this loop has returned.
		if env.TargetID != m.targetID {
			m.health.SamplesDropped.
				WithLabelValues(export.DropWrongTarget).Inc()

			continue
		}

		start := time.Now()

		res := m.hub.Ingest(env)

		m.health.SamplesReceived.Inc()
		m.health.IngestDuration.Observe(time.Since(start).Seconds())

		if res.Stale > 0 {
			m.health.SamplesDropped.
				WithLabelValues(export.DropStale).
				Add(float64(res.Stale))
		}

		if res.Unknown > 0 {
			m.health.SamplesDropped.
				WithLabelValues(export.DropUnknownKey).
				Add(float64(res.Unknown))
		}

		m.mu.Lock()
		sampleFns := append([]SampleFunc(nil), m.onSample...)
		m.mu.Unlock()

		for _, fn := range sampleFns {
			fn(env, res)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()

	if m.state == s {
		m.mu.Unlock()

		return
	}

	m.state = s
	sub := Subscription{
		TargetID: m.targetID,
		State:    s,
		Epoch:    m.epoch,
	}
	stateFns := append([]StateFunc(nil), m.onState...)
	m.mu.Unlock()

	m.health.ConnectionState.
		WithLabelValues(m.targetID).Set(float64(s))

	for _, fn := range stateFns {
		fn(sub)
	}
}
