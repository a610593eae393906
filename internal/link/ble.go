package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/banshee-data/v1link/internal/monitoring"
)

// DefaultSilenceTimeout is how long a BLE connection may go without a
// notification before it is reported dead. The detector broadcasts display
// data several times a second while powered.
const DefaultSilenceTimeout = 5 * time.Second

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("link: bad UUID %q: %v", s, err))
	}
	return u
}

var (
	serviceUUID    = mustUUID(ServiceUUID)
	writeCharUUID  = mustUUID(WriteCharUUID)
	notifyCharUUID = mustUUID(NotifyCharUUID)
)

// BLETransport talks to the detector's BLE bridge through the host
// adapter.
type BLETransport struct {
	adapter        *bluetooth.Adapter
	silenceTimeout time.Duration

	enableOnce sync.Once
	enableErr  error
	scanMu     sync.Mutex

	// Addresses seen by Scan, keyed by their string form. Connect needs
	// the adapter's platform address value, not its text.
	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

// NewBLETransport returns a transport on the default adapter. A zero
// silence timeout selects DefaultSilenceTimeout.
func NewBLETransport(silenceTimeout time.Duration) *BLETransport {
	if silenceTimeout <= 0 {
		silenceTimeout = DefaultSilenceTimeout
	}
	return &BLETransport{
		adapter:        bluetooth.DefaultAdapter,
		silenceTimeout: silenceTimeout,
		seen:           make(map[string]bluetooth.Address),
	}
}

func (t *BLETransport) Name() string { return "ble" }

func (t *BLETransport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("enable bluetooth adapter: %w", err)
		}
	})
	return t.enableErr
}

// Scan reports peripherals advertising the detector service.
func (t *BLETransport) Scan(ctx context.Context, timeout time.Duration, limit int) ([]Device, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	var (
		mu      sync.Mutex
		found   []Device
		seen    = make(map[string]bool)
		stopped atomic.Bool
	)
	stop := func() {
		if stopped.CompareAndSwap(false, true) {
			if err := t.adapter.StopScan(); err != nil {
				monitoring.Logf("ble: stop scan: %v", err)
			}
		}
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		stop()
	}()

	err := t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(serviceUUID) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		t.mu.Lock()
		t.seen[addr] = result.Address
		t.mu.Unlock()
		found = append(found, Device{Address: addr, Name: result.LocalName(), RSSI: result.RSSI})
		if limit > 0 && len(found) >= limit {
			go stop()
		}
	})
	wasStopped := stopped.Load()
	stop()
	if err != nil && !wasStopped {
		return nil, fmt.Errorf("ble scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return found, ctx.Err()
}

// Connect connects to dev, discovers the detector characteristics and
// enables notifications.
func (t *BLETransport) Connect(ctx context.Context, dev Device, notify NotifyFunc) (Conn, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	addr, ok := t.seen[dev.Address]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble connect: %s has not been seen by a scan", dev)
	}

	type result struct {
		conn *bleConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := t.connect(addr, notify)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		// The adapter call cannot be interrupted; release whatever it
		// eventually produces.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *BLETransport) connect(addr bluetooth.Address, notify NotifyFunc) (*bleConn, error) {
	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble connect %s: %w", addr.String(), err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("%w: discover services: %v", ErrNoService, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{writeCharUUID, notifyCharUUID})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("%w: discover characteristics: %v", ErrNoService, err)
	}

	c := &bleConn{device: device, silenceTimeout: t.silenceTimeout}
	var haveWrite, haveNotify bool
	var notifyChar bluetooth.DeviceCharacteristic
	for _, ch := range chars {
		switch ch.UUID() {
		case writeCharUUID:
			c.write, haveWrite = ch, true
		case notifyCharUUID:
			notifyChar, haveNotify = ch, true
		}
	}
	if !haveWrite || !haveNotify {
		device.Disconnect()
		return nil, fmt.Errorf("%w: write=%v notify=%v", ErrNoService, haveWrite, haveNotify)
	}

	c.touch()
	err = notifyChar.EnableNotifications(func(buf []byte) {
		if c.closed.Load() {
			return
		}
		c.touch()
		notify(buf)
	})
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("enable notifications: %w", err)
	}
	return c, nil
}

type bleConn struct {
	device         bluetooth.Device
	write          bluetooth.DeviceCharacteristic
	silenceTimeout time.Duration

	writeMu  sync.Mutex
	lastSeen atomic.Int64
	failed   atomic.Bool
	closed   atomic.Bool
}

func (c *bleConn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *bleConn) Write(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.write.WriteWithoutResponse(frame); err != nil {
		c.failed.Store(true)
		return fmt.Errorf("ble write: %w", err)
	}
	return nil
}

// Alive is false after a failed write or once the notification stream
// has been silent for longer than the silence timeout.
func (c *bleConn) Alive() bool {
	if c.closed.Load() || c.failed.Load() {
		return false
	}
	last := time.Unix(0, c.lastSeen.Load())
	return time.Since(last) < c.silenceTimeout
}

func (c *bleConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.device.Disconnect()
}
