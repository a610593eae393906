package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/v1link/internal/esp"
)

// pipePort is a Port whose reads come from a pipe the test writes into.
type pipePort struct {
	r *io.PipeReader

	mu       sync.Mutex
	written  bytes.Buffer
	shortBy  int
	writeErr error
	closed   bool
}

func newPipePort() (*pipePort, *io.PipeWriter) {
	r, w := io.Pipe()
	return &pipePort{r: r}, w
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b) - p.shortBy
	p.written.Write(b[:n])
	return n, nil
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func connectSerial(t *testing.T, port *pipePort) (Conn, <-chan []byte) {
	t.Helper()
	var openedPath string
	tr := NewSerialTransport("/dev/ttyESP0", PortOptions{}, func(path string, opts PortOptions) (Port, error) {
		openedPath = path
		return port, nil
	})

	devs, err := tr.Scan(context.Background(), time.Second, 1)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "ESP bus 19200 8N1", devs[0].Name)

	frames := make(chan []byte, 16)
	conn, err := tr.Connect(context.Background(), devs[0], func(b []byte) {
		frames <- append([]byte(nil), b...)
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyESP0", openedPath)
	t.Cleanup(func() { conn.Close() })
	return conn, frames
}

func TestSerialTransport_FramesStream(t *testing.T) {
	port, w := newPipePort()
	conn, frames := connectSerial(t, port)

	a := esp.EncodeFrame(esp.RespVersion, esp.DeviceV1Connection, esp.DeviceValentineOne, []byte("V4.1027\x00"), true)
	b := esp.EncodeFrame(esp.InfDisplayData, esp.DeviceGeneralBroadcast, esp.DeviceValentineOneNoChecksum, make([]byte, 8), false)

	go func() {
		w.Write([]byte{0x00, 0x13})
		w.Write(a[:4])
		w.Write(a[4:])
		w.Write(b)
	}()

	for _, want := range [][]byte{a, b} {
		select {
		case got := <-frames:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}
	assert.True(t, conn.Alive())

	w.Close()
	require.Eventually(t, func() bool { return !conn.Alive() }, 2*time.Second, 5*time.Millisecond)
}

func TestSerialTransport_Write(t *testing.T) {
	port, _ := newPipePort()
	conn, _ := connectSerial(t, port)

	req := esp.Request{ID: esp.ReqVersion, Destination: esp.DeviceValentineOne}.Encode(true)
	require.NoError(t, conn.Write(context.Background(), req))
	assert.Equal(t, req, port.Written())

	port.mu.Lock()
	port.shortBy = 1
	port.mu.Unlock()
	assert.ErrorIs(t, conn.Write(context.Background(), req), ErrWriteFailed)

	boom := errors.New("boom")
	port.mu.Lock()
	port.writeErr = boom
	port.mu.Unlock()
	assert.ErrorIs(t, conn.Write(context.Background(), req), boom)
}

func TestSerialTransport_Close(t *testing.T) {
	port, _ := newPipePort()
	conn, _ := connectSerial(t, port)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.False(t, conn.Alive())
	assert.ErrorIs(t, conn.Write(context.Background(), []byte{0xAA}), ErrClosed)
}

func TestSerialTransport_OpenError(t *testing.T) {
	boom := errors.New("no such port")
	tr := NewSerialTransport("/dev/missing", PortOptions{}, func(string, PortOptions) (Port, error) {
		return nil, boom
	})
	_, err := tr.Connect(context.Background(), Device{Address: "/dev/missing"}, func([]byte) {})
	assert.ErrorIs(t, err, boom)
}
