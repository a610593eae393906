package link

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/monitoring"
)

// SimDevice is the single device a SimTransport reports.
var SimDevice = Device{Address: "sim:0", Name: "V1C-LE-SIM"}

type simScene struct {
	display esp.DisplayState
	alerts  []esp.AlertData
}

func alertRows(rows ...esp.AlertData) []esp.AlertData {
	for i := range rows {
		rows[i].Index = i
		rows[i].Count = len(rows)
	}
	return rows
}

// The simulated drive loops through these scenes.
var simScenes = []simScene{
	{display: esp.DisplayState{Counter: 0x3F, Mode: "Adv. Logic"}},
	{
		display: esp.DisplayState{Counter: 0x06, LEDs: 5, K: true, Front: true, Mode: "Adv. Logic"},
		alerts:  alertRows(esp.AlertData{FrequencyMHz: 24150, FrontStrength: 0xC0, RearStrength: 0x30, Priority: true}),
	},
	{
		display: esp.DisplayState{Counter: 0x5B, LEDs: 3, Ka: true, X: true, Front: true, Rear: true, Mode: "Adv. Logic"},
		alerts: alertRows(
			esp.AlertData{FrequencyMHz: 34700, FrontStrength: 0x20, RearStrength: 0x90, Priority: true},
			esp.AlertData{FrequencyMHz: 10525, FrontStrength: 0x60, RearStrength: 0x10},
		),
	},
	{display: esp.DisplayState{Counter: 0x3F, Holdoff: true, Mode: "Adv. Logic"}},
	{
		display: esp.DisplayState{Counter: 0x38, LEDs: 8, Laser: true, Front: true, Mode: "Adv. Logic"},
		alerts:  alertRows(esp.AlertData{Laser: true, FrontStrength: 0xFF, Priority: true}),
	},
}

// SimTransport is a simulated checksum-variant detector. It broadcasts
// display data, streams alert tables once asked to and answers version and
// sweep requests. It stands in for hardware in development mode.
type SimTransport struct {
	Interval   time.Duration
	SceneTicks int
	Version    string
	Sweeps     []esp.SweepDefinition
}

// NewSimTransport returns a simulator broadcasting every interval.
func NewSimTransport(interval time.Duration) *SimTransport {
	return &SimTransport{
		Interval:   interval,
		SceneTicks: 20,
		Version:    "V4.1027",
		Sweeps: []esp.SweepDefinition{
			{Index: 0, Commit: true, LowerMHz: 33900, UpperMHz: 34776},
			{Index: 1, Commit: true, LowerMHz: 35300, UpperMHz: 35700},
		},
	}
}

func (t *SimTransport) Name() string { return "sim" }

func (t *SimTransport) Scan(ctx context.Context, _ time.Duration, _ int) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Device{SimDevice}, nil
}

func (t *SimTransport) Connect(ctx context.Context, _ Device, notify NotifyFunc) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &simConn{t: t, notify: notify, stop: make(chan struct{})}
	go c.broadcast()
	return c, nil
}

type simConn struct {
	t      *SimTransport
	notify NotifyFunc

	mu       sync.Mutex
	alertsOn bool
	closed   bool
	stop     chan struct{}
}

func (c *simConn) send(id esp.PacketID, dest esp.DeviceID, payload []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.notify(esp.EncodeFrame(id, dest, esp.DeviceValentineOne, payload, true))
}

func (c *simConn) broadcast() {
	ticker := time.NewTicker(c.t.Interval)
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		scene := simScenes[(tick/max(c.t.SceneTicks, 1))%len(simScenes)]
		c.send(esp.InfDisplayData, esp.DeviceGeneralBroadcast, scene.display.Payload())

		c.mu.Lock()
		on := c.alertsOn
		c.mu.Unlock()
		if !on {
			continue
		}
		if len(scene.alerts) == 0 {
			c.send(esp.RespAlertData, esp.DeviceGeneralBroadcast, esp.AlertData{}.Payload())
			continue
		}
		for _, a := range scene.alerts {
			c.send(esp.RespAlertData, esp.DeviceGeneralBroadcast, a.Payload())
		}
	}
}

func (c *simConn) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	f, err := esp.DecodeBus(frame, true)
	if err != nil {
		// The simulated bus carries checksums; a frame without one is
		// still answered.
		if f, err = esp.DecodeBus(frame, false); err != nil {
			monitoring.Debugf("sim: dropping request %X: %v", frame, err)
			return nil
		}
	}

	to := esp.DeviceV1Connection
	switch f.PacketID {
	case esp.ReqVersion:
		c.send(esp.RespVersion, to, append([]byte(c.t.Version), 0))
	case esp.ReqMaxSweepIndex:
		c.send(esp.RespMaxSweepIndex, to, []byte{byte(len(c.t.Sweeps) - 1)})
	case esp.ReqAllSweepDefinitions:
		for _, s := range c.t.Sweeps {
			c.send(esp.RespSweepDefinition, to, s.Payload())
		}
	case esp.ReqStartAlertData, esp.ReqStopAlertData:
		c.mu.Lock()
		c.alertsOn = f.PacketID == esp.ReqStartAlertData
		c.mu.Unlock()
	default:
		c.send(esp.RespUnsupportedPacket, to, []byte{byte(f.PacketID)})
	}
	return nil
}

func (c *simConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *simConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.stop)
	}
	return nil
}
