package link

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by DisabledTransport.Connect.
var ErrDisabled = errors.New("link: transport disabled")

// DisabledTransport never finds a detector. It lets the server, database
// and admin routes run on a host with no adapter (for --disable-link).
type DisabledTransport struct{}

func (DisabledTransport) Name() string { return "disabled" }

// Scan waits out the timeout and reports nothing, so a session manager
// polling it backs off as it would with no detector in range.
func (DisabledTransport) Scan(ctx context.Context, timeout time.Duration, _ int) ([]Device, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (DisabledTransport) Connect(context.Context, Device, NotifyFunc) (Conn, error) {
	return nil, ErrDisabled
}
