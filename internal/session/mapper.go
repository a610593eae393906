package session

import (
	"github.com/banshee-data/v1link/internal/esp"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/units"
)

// Band ranges in MHz, inclusive at both ends.
var bandRanges = []struct {
	lo, hi uint16
	band   string
}{
	{10500, 10550, state.BandX},
	{24050, 24250, state.BandK},
	{33400, 36000, state.BandKa},
}

// Band classifies an alert frequency. A zero frequency is a laser alert only
// when the row carries the laser flag.
func Band(freqMHz uint16, laser bool) string {
	if freqMHz == 0 && laser {
		return state.BandLaser
	}
	for _, r := range bandRanges {
		if freqMHz >= r.lo && freqMHz <= r.hi {
			return r.band
		}
	}
	return state.BandUnknown
}

// Mapper turns classified packets into updates of the published state.
type Mapper struct {
	sink state.Sink
}

// NewMapper returns a mapper publishing to sink.
func NewMapper(sink state.Sink) *Mapper {
	return &Mapper{sink: sink}
}

// OnAlertTable publishes the row flagged as priority. A table with no
// flagged row, including an empty one, clears the alert; the first row is
// never promoted.
func (m *Mapper) OnAlertTable(table esp.AlertTable) {
	a, ok := table.Priority()
	if !ok {
		m.sink.UpdateAlert(false, state.BandNA, 0, 0, 0)
		return
	}
	m.sink.UpdateAlert(true, Band(a.FrequencyMHz, a.Laser), units.MHzToGHz(a.FrequencyMHz),
		int(a.FrontStrength), int(a.RearStrength))
}

// OnDisplay publishes the mode and, since laser has no alert row of its
// own, any laser alert lit on the display.
func (m *Mapper) OnDisplay(d esp.DisplayData) {
	m.sink.UpdateMode(d.Mode())
	if d.Laser() {
		dir := d.Direction()
		if dir == "" {
			dir = state.DirectionNA
		}
		m.sink.SetLaserAlert(dir, d.SignalLEDs())
		return
	}
	m.sink.UpdateDisplayInfo(d.SignalLEDs())
}
