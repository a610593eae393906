package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/monitoring"
)

// ErrWriteFailed is returned when a port accepts only part of a frame.
var ErrWriteFailed = errors.New("link: short write to serial port")

// Port is the minimal interface needed for a serial port. It lets tests
// run the serial transport without hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens the serial port at path.
type PortOpener func(path string, opts PortOptions) (Port, error)

// OpenSerialPort opens a real serial port with go.bug.st/serial.
func OpenSerialPort(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// SerialTransport reaches the detector through a wired ESP bus adapter. The
// bus carries the same frames the BLE bridge tunnels, so only framing the
// byte stream differs.
type SerialTransport struct {
	path string
	opts PortOptions
	open PortOpener
}

// NewSerialTransport returns a transport for the adapter at path. A nil
// opener selects OpenSerialPort.
func NewSerialTransport(path string, opts PortOptions, open PortOpener) *SerialTransport {
	if open == nil {
		open = OpenSerialPort
	}
	return &SerialTransport{path: path, opts: opts, open: open}
}

func (t *SerialTransport) Name() string { return "serial" }

// Scan reports the configured port. Whether a detector is actually on the
// bus is only known once frames arrive.
func (t *SerialTransport) Scan(ctx context.Context, _ time.Duration, _ int) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Device{{Address: t.path, Name: "ESP bus " + t.opts.String()}}, nil
}

// Connect opens the port and starts delivering frames to notify.
func (t *SerialTransport) Connect(ctx context.Context, dev Device, notify NotifyFunc) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := t.open(dev.Address, t.opts)
	if err != nil {
		return nil, err
	}
	c := &serialConn{port: port, done: make(chan struct{})}
	c.alive.Store(true)
	go c.readLoop(notify)
	return c, nil
}

type serialConn struct {
	port    Port
	writeMu sync.Mutex
	alive   atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func (c *serialConn) readLoop(notify NotifyFunc) {
	defer close(c.done)
	defer c.alive.Store(false)

	scan := bufio.NewScanner(c.port)
	scan.Buffer(make([]byte, 0, 512), esp.MinFrameLen+0xFF)
	scan.Split(esp.SplitFrames)
	for scan.Scan() {
		notify(scan.Bytes())
	}
	if err := scan.Err(); err != nil && !c.closed.Load() {
		monitoring.Logf("serial: read: %v", err)
	}
}

func (c *serialConn) Write(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

func (c *serialConn) Alive() bool { return c.alive.Load() && !c.closed.Load() }

func (c *serialConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.port.Close()
}
