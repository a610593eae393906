package session

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/state"
)

func TestBand(t *testing.T) {
	tests := []struct {
		freq  uint16
		laser bool
		want  string
	}{
		{10499, false, state.BandUnknown},
		{10500, false, state.BandX},
		{10525, false, state.BandX},
		{10549, false, state.BandX},
		{10550, false, state.BandX},
		{10551, false, state.BandUnknown},
		{24049, false, state.BandUnknown},
		{24050, false, state.BandK},
		{24250, false, state.BandK},
		{24251, false, state.BandUnknown},
		{33399, false, state.BandUnknown},
		{33400, false, state.BandKa},
		{34700, false, state.BandKa},
		{36000, false, state.BandKa},
		{36001, false, state.BandUnknown},
		{0, true, state.BandLaser},
		{0, false, state.BandUnknown},
		{24150, true, state.BandK},
	}
	for _, tt := range tests {
		if got := Band(tt.freq, tt.laser); got != tt.want {
			t.Errorf("Band(%d, %v) = %q, want %q", tt.freq, tt.laser, got, tt.want)
		}
	}
}

func connectedStore() *state.Store {
	s := state.NewStore()
	s.SetConnectionStatus(true, state.StatusConnected)
	return s
}

func TestMapper_PriorityRowPublished(t *testing.T) {
	s := connectedStore()
	m := NewMapper(s)
	m.OnAlertTable(esp.AlertTable{
		{Index: 0, Count: 2, FrequencyMHz: 10525, FrontStrength: 0x40},
		{Index: 1, Count: 2, FrequencyMHz: 24150, FrontStrength: 0x20, RearStrength: 0x90, Priority: true},
	})

	got := s.Snapshot()
	assert.True(t, got.InAlert)
	assert.Equal(t, state.BandK, got.Band)
	assert.InDelta(t, 24.15, got.FrequencyGHz, 1e-9)
	assert.Equal(t, 0x20, got.FrontStrength)
	assert.Equal(t, 0x90, got.RearStrength)
}

func TestMapper_NoPriorityRowClears(t *testing.T) {
	s := connectedStore()
	m := NewMapper(s)
	m.OnAlertTable(esp.AlertTable{{Index: 0, Count: 1, FrequencyMHz: 24150, Priority: true}})
	assert.True(t, s.Snapshot().InAlert)

	// Rows without a priority flag never fall back to the first row.
	m.OnAlertTable(esp.AlertTable{{Index: 0, Count: 1, FrequencyMHz: 34700}})
	got := s.Snapshot()
	assert.False(t, got.InAlert)
	assert.Equal(t, state.BandNA, got.Band)
	assert.Zero(t, got.FrequencyGHz)

	m.OnAlertTable(esp.AlertTable{})
	assert.False(t, s.Snapshot().InAlert)
}

func displayPacket(t *testing.T, d esp.DisplayState) esp.DisplayData {
	t.Helper()
	raw := esp.EncodeFrame(esp.InfDisplayData, esp.DeviceGeneralBroadcast, esp.DeviceValentineOne, d.Payload(), true)
	f, err := esp.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	p, ok := esp.Classify(f).(esp.DisplayData)
	if !ok {
		t.Fatalf("Classify() = %T, want DisplayData", esp.Classify(f))
	}
	return p
}

func TestMapper_DisplayModeAndStrength(t *testing.T) {
	s := connectedStore()
	m := NewMapper(s)
	m.OnDisplay(displayPacket(t, esp.DisplayState{Counter: 0x3F, Mode: "All Bogeys"}))

	want := state.Default()
	want.Connected = true
	want.ConnectionStatus = state.StatusConnected
	want.Mode = "All Bogeys"
	if diff := cmp.Diff(want, s.Snapshot()); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}

	m.OnAlertTable(esp.AlertTable{{Index: 0, Count: 1, FrequencyMHz: 24150, FrontStrength: 0xC0, RearStrength: 0x10, Priority: true}})
	m.OnDisplay(displayPacket(t, esp.DisplayState{LEDs: 6, K: true, Front: true, Mode: "Logic"}))
	got := s.Snapshot()
	assert.Equal(t, "All Bogeys", got.Mode, "mode must not change during an alert")
	assert.Equal(t, 6, got.Strength)
	assert.Equal(t, "F", got.Direction)
}

func TestMapper_LaserFromDisplay(t *testing.T) {
	s := connectedStore()
	m := NewMapper(s)
	m.OnDisplay(displayPacket(t, esp.DisplayState{LEDs: 8, Laser: true, Front: true, Rear: true, Mode: "Logic"}))

	got := s.Snapshot()
	assert.True(t, got.InAlert)
	assert.Equal(t, state.BandLaser, got.Band)
	assert.Zero(t, got.FrequencyGHz)
	assert.Equal(t, "F/R", got.Direction)
	assert.Equal(t, 8, got.Strength)

	s2 := connectedStore()
	NewMapper(s2).OnDisplay(displayPacket(t, esp.DisplayState{LEDs: 3, Laser: true, Mode: "Logic"}))
	assert.Equal(t, state.DirectionNA, s2.Snapshot().Direction)
}
