package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/timeutil"
)

// TransmitFunc encodes req for the current bus and writes it to the link.
type TransmitFunc func(ctx context.Context, req esp.Request) error

// pending is the completion slot of the exchange in flight.
type pending struct {
	req  esp.PacketID
	resp esp.PacketID
	ch   chan esp.Packet
}

// Correlator pairs requests with their responses. The protocol carries no
// transaction ids, so at most one correlated exchange is in flight and a
// response is matched by packet id alone.
type Correlator struct {
	gate     *FlowGate
	transmit TransmitFunc
	clock    timeutil.Clock

	// reqMu serializes correlated exchanges end to end.
	reqMu sync.Mutex

	mu   sync.Mutex
	slot *pending
}

// NewCorrelator returns a correlator sending through gate and transmit.
func NewCorrelator(gate *FlowGate, transmit TransmitFunc, clock timeutil.Clock) *Correlator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Correlator{gate: gate, transmit: transmit, clock: clock}
}

// Send transmits req once the gate is open without waiting for a reply.
func (c *Correlator) Send(ctx context.Context, req esp.Request) error {
	if err := c.gate.Wait(ctx); err != nil {
		return err
	}
	return c.transmit(ctx, req)
}

func (c *Correlator) register(req esp.Request, resp esp.PacketID, buffer int) *pending {
	p := &pending{req: req.ID, resp: resp, ch: make(chan esp.Packet, buffer)}
	c.mu.Lock()
	c.slot = p
	c.mu.Unlock()
	return p
}

func (c *Correlator) deregister(p *pending) {
	c.mu.Lock()
	if c.slot == p {
		c.slot = nil
	}
	c.mu.Unlock()
}

// RequestAndWait sends req and waits up to timeout for a packet with id
// resp. The timeout starts once the request has been transmitted, so time
// spent held at the gate does not count against it. An error response
// naming req completes the exchange with a *esp.RequestError.
func (c *Correlator) RequestAndWait(ctx context.Context, req esp.Request, resp esp.PacketID, timeout time.Duration) (esp.Packet, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	p := c.register(req, resp, 1)
	defer c.deregister(p)

	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt := <-p.ch:
		if e, ok := pkt.(esp.ErrorResponse); ok {
			return nil, &esp.RequestError{Response: e.Frame().PacketID, Request: req.ID}
		}
		return pkt, nil
	case <-timer.C():
		return nil, fmt.Errorf("%w: %s after %v", esp.ErrRequestTimeout, req.ID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Collect sends req and gathers packets with id resp until expected rows
// with distinct indexes have arrived. index extracts a row's index; packets
// it rejects are ignored. Rows are returned sorted by index. An expected
// count of zero is an empty table and nothing is sent.
func (c *Correlator) Collect(ctx context.Context, req esp.Request, resp esp.PacketID, expected int, timeout time.Duration, index func(esp.Packet) (int, bool)) ([]esp.Packet, error) {
	if expected <= 0 {
		return []esp.Packet{}, nil
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	p := c.register(req, resp, expected+8)
	defer c.deregister(p)

	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	rows := make(map[int]esp.Packet, expected)
	for len(rows) < expected {
		select {
		case pkt := <-p.ch:
			if e, ok := pkt.(esp.ErrorResponse); ok {
				return nil, &esp.RequestError{Response: e.Frame().PacketID, Request: req.ID}
			}
			i, ok := index(pkt)
			if !ok {
				continue
			}
			if _, dup := rows[i]; !dup {
				rows[i] = pkt
			}
		case <-timer.C():
			return nil, fmt.Errorf("%w: %s collected %d of %d", esp.ErrRequestTimeout, req.ID, len(rows), expected)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	indexes := make([]int, 0, len(rows))
	for i := range rows {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]esp.Packet, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, rows[i])
	}
	return out, nil
}

// Deliver offers pkt to the exchange in flight and reports whether it was
// taken. It never blocks; it runs on the notification path.
func (c *Correlator) Deliver(pkt esp.Packet) bool {
	c.mu.Lock()
	p := c.slot
	c.mu.Unlock()
	if p == nil || !p.matches(pkt) {
		return false
	}
	select {
	case p.ch <- pkt:
		return true
	default:
		return false
	}
}

func (p *pending) matches(pkt esp.Packet) bool {
	if e, ok := pkt.(esp.ErrorResponse); ok {
		id, named := e.RejectedID()
		return !named || id == p.req
	}
	return pkt.Frame().PacketID == p.resp
}
