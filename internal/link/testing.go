package link

import (
	"context"
	"sync"
	"time"
)

// TestTransport is an in-memory Transport with scriptable discovery,
// connection failures and detector responses.
type TestTransport struct {
	mu         sync.Mutex
	devices    []Device
	scanErr    error
	connectErr error
	respond    func(frame []byte) [][]byte
	scans      int
	connects   int
	conns      []*TestConn
}

// NewTestTransport creates a transport whose scans find devices.
func NewTestTransport(devices ...Device) *TestTransport {
	return &TestTransport{devices: devices}
}

func (t *TestTransport) Name() string { return "test" }

// SetDevices replaces the devices later scans report.
func (t *TestTransport) SetDevices(devices ...Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices = devices
}

// SetScanErr makes later scans fail with err.
func (t *TestTransport) SetScanErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanErr = err
}

// SetConnectErr makes later connects fail with err.
func (t *TestTransport) SetConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// SetResponder installs f on this and every later connection. Each frame
// written is passed to f and the frames it returns are delivered as
// notifications, as a detector answering requests would.
func (t *TestTransport) SetResponder(f func(frame []byte) [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = f
	for _, c := range t.conns {
		c.mu.Lock()
		c.respond = f
		c.mu.Unlock()
	}
}

func (t *TestTransport) Scan(ctx context.Context, _ time.Duration, limit int) ([]Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scans++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.scanErr != nil {
		return nil, t.scanErr
	}
	devices := append([]Device(nil), t.devices...)
	if limit > 0 && len(devices) > limit {
		devices = devices[:limit]
	}
	return devices, nil
}

func (t *TestTransport) Connect(ctx context.Context, _ Device, notify NotifyFunc) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	c := &TestConn{
		notify:  notify,
		respond: t.respond,
		writeCh: make(chan []byte, 64),
		alive:   true,
	}
	t.conns = append(t.conns, c)
	return c, nil
}

// Scans returns the number of Scan calls so far.
func (t *TestTransport) Scans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scans
}

// Connects returns the number of Connect calls so far.
func (t *TestTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Conn returns the most recent successful connection, or nil.
func (t *TestTransport) Conn() *TestConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// TestConn is the Conn handed out by TestTransport.
type TestConn struct {
	mu       sync.Mutex
	notify   NotifyFunc
	respond  func(frame []byte) [][]byte
	writes   [][]byte
	writeCh  chan []byte
	writeErr error
	alive    bool
	closed   bool
}

// Inject delivers frame as if the detector had sent it. Frames injected
// after Close are dropped.
func (c *TestConn) Inject(frame []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.notify(frame)
}

func (c *TestConn) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	b := append([]byte(nil), frame...)
	c.writes = append(c.writes, b)
	respond := c.respond
	c.mu.Unlock()

	select {
	case c.writeCh <- b:
	default:
	}
	if respond != nil {
		for _, r := range respond(b) {
			c.Inject(r)
		}
	}
	return nil
}

// Writes returns every frame written so far.
func (c *TestConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// WriteCh receives each written frame. Frames are dropped once 64 are
// waiting unread.
func (c *TestConn) WriteCh() <-chan []byte { return c.writeCh }

// Drop makes Alive report false, as a silently lost link would.
func (c *TestConn) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

// FailWrites makes every later Write return err.
func (c *TestConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *TestConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.closed
}

func (c *TestConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *TestConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
