package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// wire records transmitted requests.
type wire struct {
	mu   sync.Mutex
	sent []esp.Request
	ch   chan esp.Request
	err  error
}

func newWire() *wire { return &wire{ch: make(chan esp.Request, 16)} }

func (w *wire) transmit(_ context.Context, req esp.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, req)
	w.ch <- req
	return nil
}

func (w *wire) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

// detectorPacket builds the classified packet a checksum-variant detector
// would send.
func detectorPacket(t *testing.T, id esp.PacketID, payload []byte) esp.Packet {
	t.Helper()
	f, err := esp.Decode(detectorFrame(id, payload))
	require.NoError(t, err)
	return esp.Classify(f)
}

func detectorFrame(id esp.PacketID, payload []byte) []byte {
	return esp.EncodeFrame(id, esp.DeviceV1Connection, esp.DeviceValentineOne, payload, true)
}

func waitTimers(t *testing.T, clock *timeutil.MockClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.PendingTimers() >= n }, 2*time.Second, time.Millisecond)
}

func TestCorrelator_RequestAndWait(t *testing.T) {
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, timeutil.NewMockClock(epoch))

	type result struct {
		pkt esp.Packet
		err error
	}
	done := make(chan result, 1)
	go func() {
		pkt, err := c.RequestAndWait(context.Background(), detectorRequest(esp.ReqVersion), esp.RespVersion, 5*time.Second)
		done <- result{pkt, err}
	}()
	<-w.ch

	assert.False(t, c.Deliver(detectorPacket(t, esp.RespMaxSweepIndex, []byte{3})), "unrelated packet must not complete the request")
	assert.True(t, c.Deliver(detectorPacket(t, esp.RespVersion, []byte("V3.895\x00"))))

	r := <-done
	require.NoError(t, r.err)
	v, ok := r.pkt.(esp.VersionResponse)
	require.True(t, ok)
	assert.Equal(t, "V3.895", v.Version())

	assert.False(t, c.Deliver(detectorPacket(t, esp.RespVersion, []byte("V3.895\x00"))), "slot must be released")
}

func TestCorrelator_Timeout(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, clock)

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestAndWait(context.Background(), detectorRequest(esp.ReqVersion), esp.RespVersion, 5*time.Second)
		done <- err
	}()
	waitTimers(t, clock, 1)
	clock.Advance(5 * time.Second)

	err := <-done
	assert.ErrorIs(t, err, esp.ErrRequestTimeout)
	assert.Contains(t, err.Error(), "reqVersion")
}

func TestCorrelator_ErrorResponseFailsFast(t *testing.T) {
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, timeutil.NewMockClock(epoch))

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestAndWait(context.Background(), detectorRequest(esp.ReqMaxSweepIndex), esp.RespMaxSweepIndex, 5*time.Second)
		done <- err
	}()
	<-w.ch

	// An error naming a different request is not ours.
	assert.False(t, c.Deliver(detectorPacket(t, esp.RespUnsupportedPacket, []byte{byte(esp.ReqVersion)})))
	assert.True(t, c.Deliver(detectorPacket(t, esp.RespUnsupportedPacket, []byte{byte(esp.ReqMaxSweepIndex)})))

	err := <-done
	var re *esp.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, esp.RespUnsupportedPacket, re.Response)
	assert.Equal(t, esp.ReqMaxSweepIndex, re.Request)
}

func TestCorrelator_SingleFlight(t *testing.T) {
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, timeutil.NewMockClock(epoch))

	errs := make(chan error, 2)
	go func() {
		_, err := c.RequestAndWait(context.Background(), detectorRequest(esp.ReqVersion), esp.RespVersion, 5*time.Second)
		errs <- err
	}()
	first := <-w.ch
	assert.Equal(t, esp.ReqVersion, first.ID)

	go func() {
		_, err := c.RequestAndWait(context.Background(), detectorRequest(esp.ReqMaxSweepIndex), esp.RespMaxSweepIndex, 5*time.Second)
		errs <- err
	}()
	select {
	case req := <-w.ch:
		t.Fatalf("%s transmitted while reqVersion was in flight", req.ID)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, w.count())

	require.True(t, c.Deliver(detectorPacket(t, esp.RespVersion, []byte("V4.1027\x00"))))
	second := <-w.ch
	assert.Equal(t, esp.ReqMaxSweepIndex, second.ID)
	require.Eventually(t, func() bool {
		return c.Deliver(detectorPacket(t, esp.RespMaxSweepIndex, []byte{1}))
	}, time.Second, time.Millisecond)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func sweepIndex(p esp.Packet) (int, bool) {
	r, ok := p.(esp.SweepDefinitionResponse)
	return r.Sweep.Index, ok
}

func sweepPacket(t *testing.T, s esp.SweepDefinition) esp.Packet {
	return detectorPacket(t, esp.RespSweepDefinition, s.Payload())
}

func TestCorrelator_Collect(t *testing.T) {
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, timeutil.NewMockClock(epoch))

	type result struct {
		pkts []esp.Packet
		err  error
	}
	done := make(chan result, 1)
	go func() {
		pkts, err := c.Collect(context.Background(), detectorRequest(esp.ReqAllSweepDefinitions), esp.RespSweepDefinition, 3, 10*time.Second, sweepIndex)
		done <- result{pkts, err}
	}()
	<-w.ch

	s0 := esp.SweepDefinition{Index: 0, Commit: true, LowerMHz: 33900, UpperMHz: 34100}
	s1 := esp.SweepDefinition{Index: 1, Commit: true, LowerMHz: 34200, UpperMHz: 34400}
	s2 := esp.SweepDefinition{Index: 2, Commit: true, LowerMHz: 35400, UpperMHz: 35600}
	for _, s := range []esp.SweepDefinition{s2, s0, s2, s1} {
		c.Deliver(sweepPacket(t, s))
	}

	r := <-done
	require.NoError(t, r.err)
	var got []esp.SweepDefinition
	for _, p := range r.pkts {
		got = append(got, p.(esp.SweepDefinitionResponse).Sweep)
	}
	assert.Equal(t, []esp.SweepDefinition{s0, s1, s2}, got)
}

func TestCorrelator_CollectZero(t *testing.T) {
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, timeutil.NewMockClock(epoch))
	pkts, err := c.Collect(context.Background(), detectorRequest(esp.ReqAllSweepDefinitions), esp.RespSweepDefinition, 0, 10*time.Second, sweepIndex)
	require.NoError(t, err)
	assert.NotNil(t, pkts)
	assert.Empty(t, pkts)
	assert.Zero(t, w.count(), "nothing should be sent for an empty table")
}

func TestCorrelator_CollectTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	w := newWire()
	c := NewCorrelator(NewFlowGate(), w.transmit, clock)

	done := make(chan error, 1)
	go func() {
		_, err := c.Collect(context.Background(), detectorRequest(esp.ReqAllSweepDefinitions), esp.RespSweepDefinition, 2, 10*time.Second, sweepIndex)
		done <- err
	}()
	<-w.ch
	c.Deliver(sweepPacket(t, esp.SweepDefinition{Index: 0}))
	waitTimers(t, clock, 1)
	clock.Advance(10 * time.Second)

	err := <-done
	assert.ErrorIs(t, err, esp.ErrRequestTimeout)
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestCorrelator_WaitsForGate(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	gate := NewFlowGate()
	gate.Update(true)
	w := newWire()
	c := NewCorrelator(gate, w.transmit, clock)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), alertDataRequest(true)) }()

	select {
	case <-w.ch:
		t.Fatal("request transmitted during holdoff")
	case <-time.After(50 * time.Millisecond):
	}
	gate.Update(false)
	req := <-w.ch
	assert.Equal(t, esp.ReqStartAlertData, req.ID)
	require.NoError(t, <-done)
}

func TestCorrelator_CancelledWhileHeld(t *testing.T) {
	gate := NewFlowGate()
	gate.Update(true)
	w := newWire()
	c := NewCorrelator(gate, w.transmit, timeutil.NewMockClock(epoch))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RequestAndWait(ctx, detectorRequest(esp.ReqVersion), esp.RespVersion, time.Second)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, w.count())
}

func TestCorrelator_TransmitError(t *testing.T) {
	w := newWire()
	w.err = errors.New("write failed")
	c := NewCorrelator(NewFlowGate(), w.transmit, timeutil.NewMockClock(epoch))
	_, err := c.RequestAndWait(context.Background(), detectorRequest(esp.ReqVersion), esp.RespVersion, time.Second)
	assert.ErrorIs(t, err, w.err)
	assert.False(t, c.Deliver(detectorPacket(t, esp.RespVersion, []byte("V1\x00"))))
}
