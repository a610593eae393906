// Package link provides the transports that carry ESP frames between the
// detector and the session engine: the detector's BLE GATT bridge, a wired
// ESP bus adapter on a serial port, a replayed detector for development and
// an in-memory transport for tests.
package link

import (
	"context"
	"errors"
	"time"
)

// GATT identifiers of the detector's BLE bridge.
const (
	ServiceUUID    = "92A0AFF4-9E05-11E2-AA59-F23C91AEC05E"
	WriteCharUUID  = "92A0B6D4-9E05-11E2-AA59-F23C91AEC05E"
	NotifyCharUUID = "92A0B2CE-9E05-11E2-AA59-F23C91AEC05E"
)

var (
	// ErrClosed is returned by Write on a closed connection.
	ErrClosed = errors.New("link: connection closed")
	// ErrNoService means a connected peer lacks the detector's GATT
	// service or one of its characteristics.
	ErrNoService = errors.New("link: detector service not found")
)

// Device is a detector found by Scan.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int16  `json:"rssi"`
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name + " (" + d.Address + ")"
}

// NotifyFunc receives every inbound notification. The buffer may be reused
// once the call returns; implementations must copy what they keep and must
// not block.
type NotifyFunc func(b []byte)

// Transport discovers detectors and opens connections to them.
type Transport interface {
	// Name identifies the transport kind in logs and the event log.
	Name() string

	// Scan looks for detectors for at most timeout, returning early once
	// limit devices were found. A limit of 0 scans for the full timeout.
	Scan(ctx context.Context, timeout time.Duration, limit int) ([]Device, error)

	// Connect opens a connection to dev and subscribes notify to the
	// detector's notification stream.
	Connect(ctx context.Context, dev Device, notify NotifyFunc) (Conn, error)
}

// Conn is an open connection to one detector.
type Conn interface {
	// Write sends one complete frame.
	Write(ctx context.Context, frame []byte) error

	// Alive reports whether the underlying link still looks connected.
	Alive() bool

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}
