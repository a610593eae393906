// Package session drives the detector link: discovery, connection, the
// startup handshake, liveness supervision and reconnects. Inbound
// notifications are decoded on a single goroutine in arrival order and
// routed to the flow gate, the alert reassembler, the correlator and the
// state mapper.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/monitoring"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/timeutil"
)

var (
	// ErrLinkLost is the disconnect reason when the transport stops
	// looking alive.
	ErrLinkLost = errors.New("session: link lost")
	// ErrReconnectRequested is the disconnect reason after Reconnect.
	ErrReconnectRequested = errors.New("session: reconnect requested")
)

// State is the manager's position in its connection lifecycle.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Observer is told about connection lifecycle events. The event log
// implements it. Calls come from engine goroutines and must not block for
// long. Connected precedes the connected status on the sink and
// Disconnected follows the disconnected status.
type Observer interface {
	Connected(transport string, dev link.Device)
	SelfTest(firmware string, sweeps []esp.SweepDefinition)
	Disconnected(reason error)
}

// Options configures a Manager. Zero durations select the defaults below.
type Options struct {
	Transport link.Transport
	Sink      state.Sink
	Clock     timeutil.Clock
	Observer  Observer

	// OnFrame, when set, sees every decoded inbound frame. It runs on the
	// notification path and must not block.
	OnFrame func(esp.Frame)

	ScanTimeout      time.Duration // 10s
	ScanRetryDelay   time.Duration // 15s
	ReconnectDelay   time.Duration // 5s
	LivenessInterval time.Duration // 1s
	RequestTimeout   time.Duration // 5s
	BulkTimeout      time.Duration // 10s

	// NotifyBuffer bounds the notifications waiting to be decoded. 64 when
	// zero; notifications arriving while it is full are dropped.
	NotifyBuffer int
}

func (o Options) withDefaults() Options {
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&o.ScanTimeout, 10*time.Second)
	setDur(&o.ScanRetryDelay, 15*time.Second)
	setDur(&o.ReconnectDelay, 5*time.Second)
	setDur(&o.LivenessInterval, time.Second)
	setDur(&o.RequestTimeout, 5*time.Second)
	setDur(&o.BulkTimeout, 10*time.Second)
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 64
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Sink == nil {
		o.Sink = &state.V1Data{}
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

type nopObserver struct{}

func (nopObserver) Connected(string, link.Device)          {}
func (nopObserver) SelfTest(string, []esp.SweepDefinition) {}
func (nopObserver) Disconnected(error)                     {}

// Manager owns the detector link. Run is its single engine task; every
// other method is safe to call from any goroutine.
type Manager struct {
	opts   Options
	gate   *FlowGate
	mapper *Mapper

	state     atomic.Int32
	reconnect chan struct{}
	stopOnce  sync.Once
	stop      chan struct{}

	mu       sync.Mutex
	cur      *session
	waiting  bool
	firmware string
	sweeps   []esp.SweepDefinition
}

// NewManager returns a manager for opts. opts.Transport is required.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:      opts,
		gate:      NewFlowGate(),
		mapper:    NewMapper(opts.Sink),
		reconnect: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	if prev := State(m.state.Swap(int32(s))); prev != s {
		monitoring.Debugf("session: %s -> %s", prev, s)
	}
}

// Holdoff reports whether outbound requests are currently held.
func (m *Manager) Holdoff() bool { return !m.gate.Open() }

// Firmware returns the version read by the last startup self-test.
func (m *Manager) Firmware() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firmware
}

// Sweeps returns the sweep definitions read by the last startup self-test.
func (m *Manager) Sweeps() []esp.SweepDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]esp.SweepDefinition(nil), m.sweeps...)
}

// Device returns the connected detector, if any.
func (m *Manager) Device() (link.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return link.Device{}, false
	}
	return m.cur.dev, true
}

// Shutdown stops Run. It may be called from any goroutine, more than once,
// and before Run starts.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Reconnect drops the current connection, or cuts short a pending retry
// delay, and scans again straight away. It has no effect while a scan or
// connect attempt is already under way.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	sess := m.cur
	if sess != nil || m.waiting {
		select {
		case m.reconnect <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()
	if sess != nil {
		sess.fail(ErrReconnectRequested)
	}
}

// Run drives the link until ctx is cancelled or Shutdown is called, and
// returns the cancellation cause. Transport failures never end Run; they
// lead to a rescan after the configured delay.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	select {
	case <-m.stop:
		cancel()
	default:
		go func() {
			select {
			case <-m.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	defer func() {
		m.setState(StateShuttingDown)
		m.opts.Sink.SetConnectionStatus(false, state.StatusDisconnected)
		monitoring.Logf("session: stopped")
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.setState(StateScanning)
		m.opts.Sink.SetConnectionStatus(false, state.StatusScanning)
		devs, err := m.opts.Transport.Scan(ctx, m.opts.ScanTimeout, 1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || len(devs) == 0 {
			if err != nil {
				monitoring.Logf("session: %s scan failed: %v; retrying in %v", m.opts.Transport.Name(), err, m.opts.ScanRetryDelay)
			} else {
				monitoring.Logf("session: no detector found; retrying in %v", m.opts.ScanRetryDelay)
			}
			if err := m.wait(ctx, m.opts.ScanRetryDelay); err != nil {
				return err
			}
			continue
		}

		sess, err := m.connect(ctx, devs[0])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("session: %v; retrying in %v", err, m.opts.ScanRetryDelay)
			m.setState(StateDisconnected)
			m.opts.Sink.SetConnectionStatus(false, state.StatusDisconnected)
			if err := m.wait(ctx, m.opts.ScanRetryDelay); err != nil {
				return err
			}
			continue
		}

		reason := m.serve(ctx, sess)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Logf("session: disconnected from %s: %v; reconnecting in %v", sess.dev, reason, m.opts.ReconnectDelay)
		if err := m.wait(ctx, m.opts.ReconnectDelay); err != nil {
			return err
		}
	}
}

// wait sleeps for d on the manager's clock. A Reconnect call ends the wait
// early.
func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.waiting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.waiting = false
		m.mu.Unlock()
	}()

	t := m.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	case <-m.reconnect:
		return nil
	}
}

func (m *Manager) connect(ctx context.Context, dev link.Device) (*session, error) {
	m.setState(StateConnecting)
	m.opts.Sink.SetConnectionStatus(false, state.StatusConnecting)
	monitoring.Logf("session: connecting to %s over %s", dev, m.opts.Transport.Name())

	frames := make(chan []byte, m.opts.NotifyBuffer)
	notify := func(b []byte) {
		select {
		case frames <- append([]byte(nil), b...):
		default:
			monitoring.Logf("session: notification queue full; dropped %d bytes", len(b))
		}
	}
	conn, err := m.opts.Transport.Connect(ctx, dev, notify)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dev, err)
	}

	sess := &session{
		m:      m,
		dev:    dev,
		conn:   conn,
		frames: frames,
		alerts: esp.NewAlertReassembler(),
		failed: make(chan struct{}),
	}
	sess.checksum.Store(true)
	sess.corr = NewCorrelator(m.gate, sess.transmit, m.opts.Clock)
	return sess, nil
}

// serve runs one connection until it fails or ctx ends, then tears it down
// and publishes the disconnect. It returns the disconnect reason.
func (m *Manager) serve(ctx context.Context, sess *session) error {
	m.mu.Lock()
	m.cur = sess
	// A token left by a wait that ended on its own belongs to no session.
	select {
	case <-m.reconnect:
	default:
	}
	m.mu.Unlock()
	m.setState(StateConnected)
	m.opts.Observer.Connected(m.opts.Transport.Name(), sess.dev)
	m.opts.Sink.SetConnectionStatus(true, state.StatusConnected)
	monitoring.Logf("session: connected to %s", sess.dev)

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.process(sessCtx)
	}()
	go func() {
		defer wg.Done()
		m.startup(sessCtx, sess)
	}()

	reason := m.supervise(sessCtx, sess)

	cancel()
	wg.Wait()
	if err := sess.conn.Close(); err != nil {
		monitoring.Logf("session: close %s: %v", sess.dev, err)
	}
	m.gate.Reset()
	sess.alerts.Reset()

	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.opts.Sink.SetConnectionStatus(false, state.StatusDisconnected)
	m.opts.Observer.Disconnected(reason)
	return reason
}

func (m *Manager) supervise(ctx context.Context, sess *session) error {
	ticker := m.opts.Clock.NewTicker(m.opts.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.failed:
			return sess.err
		case <-ticker.C():
			if !sess.conn.Alive() {
				return ErrLinkLost
			}
		}
	}
}

// startup runs the self-test and enables the alert stream. Self-test
// failures are logged and do not stop the alert stream being enabled.
func (m *Manager) startup(ctx context.Context, sess *session) {
	version, err := sess.requestVersion(ctx)
	if err != nil {
		monitoring.Logf("session: firmware version: %v", err)
	} else {
		monitoring.Logf("session: firmware version %s", version)
	}

	var sweeps []esp.SweepDefinition
	if !esp.SupportsSweeps(version) {
		monitoring.Logf("session: firmware %s predates custom sweeps; skipping", version)
	} else if sweeps, err = sess.requestSweeps(ctx); err != nil {
		monitoring.Logf("session: sweep definitions: %v", err)
	} else {
		monitoring.Logf("session: %d custom sweep definitions", len(sweeps))
		for _, s := range sweeps {
			monitoring.Logf("session:   sweep %d: %d-%d MHz commit=%v", s.Index, s.LowerMHz, s.UpperMHz, s.Commit)
		}
	}

	m.mu.Lock()
	m.firmware = version
	m.sweeps = sweeps
	m.mu.Unlock()
	m.opts.Observer.SelfTest(version, sweeps)

	if ctx.Err() != nil {
		return
	}
	if err := sess.corr.Send(ctx, alertDataRequest(true)); err != nil && ctx.Err() == nil {
		monitoring.Logf("session: start alert data: %v", err)
	}
}

// session is the state of one connection.
type session struct {
	m      *Manager
	dev    link.Device
	conn   link.Conn
	frames chan []byte
	corr   *Correlator

	// alerts is owned by the process goroutine.
	alerts *esp.AlertReassembler

	// checksum is the bus-wide checksum rule, learned from the origin of
	// detector frames.
	checksum atomic.Bool

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

// fail ends the session with err. Only the first reason is kept.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

func (s *session) transmit(ctx context.Context, req esp.Request) error {
	frame := req.Encode(s.checksum.Load())
	if err := s.conn.Write(ctx, frame); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("write %s: %w", req.ID, err))
		}
		return err
	}
	monitoring.Debugf("session: sent %s % X", req.ID, frame)
	return nil
}

func (s *session) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.frames:
			s.handleFrame(raw)
		}
	}
}

func (s *session) handleFrame(raw []byte) {
	if err := esp.CheckMarkers(raw); err != nil {
		monitoring.Debugf("session: dropping % X: %v", raw, err)
		return
	}
	origin, _ := esp.OriginOf(raw)
	if origin == esp.DeviceV1Connection {
		return
	}
	if origin.IsDetector() {
		s.checksum.Store(origin.UsesChecksum())
	}
	f, err := esp.DecodeBus(raw, s.checksum.Load())
	if err != nil {
		monitoring.Debugf("session: dropping % X: %v", raw, err)
		return
	}
	if s.m.opts.OnFrame != nil {
		s.m.opts.OnFrame(f)
	}

	pkt := esp.Classify(f)
	switch p := pkt.(type) {
	case esp.DisplayData:
		s.m.gate.Update(p.Holdoff())
		s.m.mapper.OnDisplay(p)
	case esp.AlertPacket:
		if table, ok := s.alerts.Add(p.Alert); ok {
			s.m.mapper.OnAlertTable(table)
		}
	}
	s.corr.Deliver(pkt)
}
