// Package state holds the detector fields published to the rest of the
// system: connection status, the priority alert and the detector mode.
package state

// Band labels published for the priority alert.
const (
	BandX       = "X"
	BandK       = "K"
	BandKa      = "Ka"
	BandLaser   = "Laser"
	BandUnknown = "Unknown"
	BandNA      = "N/A"
)

// Connection status labels.
const (
	StatusDisconnected = "Disconnected"
	StatusScanning     = "Scanning"
	StatusConnecting   = "Connecting"
	StatusConnected    = "Connected"
)

// ModeStandby is published whenever no detector is connected.
const ModeStandby = "Standby"

// DirectionNA is published when no alert direction is known.
const DirectionNA = "N/A"

// V1Data is the published detector state. Its shape is consumed by the
// event log, the HTTP API and any status display; field names and JSON tags
// are part of that contract.
type V1Data struct {
	Connected        bool    `json:"is_connected"`
	ConnectionStatus string  `json:"connection_status"`
	InAlert          bool    `json:"in_alert"`
	Band             string  `json:"priority_alert_band"`
	FrequencyGHz     float64 `json:"priority_alert_freq"`
	Direction        string  `json:"priority_alert_direction"`
	Strength         int     `json:"priority_alert_strength"`
	FrontStrength    int     `json:"priority_alert_front_strength"`
	RearStrength     int     `json:"priority_alert_rear_strength"`
	Mode             string  `json:"v1_mode"`
}

// Default returns the state published before any detector has been seen.
func Default() V1Data {
	d := V1Data{ConnectionStatus: StatusDisconnected}
	d.resetDetectorFields()
	return d
}

func (d *V1Data) resetDetectorFields() {
	d.InAlert = false
	d.Band = BandNA
	d.FrequencyGHz = 0
	d.Direction = DirectionNA
	d.Strength = 0
	d.FrontStrength = 0
	d.RearStrength = 0
	d.Mode = ModeStandby
}

// Sink receives the link engine's semantic updates. Every method is one
// atomic update of the published state; implementations must be safe for
// concurrent readers but are written from a single engine goroutine.
type Sink interface {
	// SetConnectionStatus publishes the link state. When connected is
	// false every detector-derived field returns to its default.
	SetConnectionStatus(connected bool, status string)

	// UpdateAlert publishes the priority row of a completed alert table,
	// or clears the alert when inAlert is false.
	UpdateAlert(inAlert bool, band string, freqGHz float64, front, rear int)

	// UpdateMode publishes the detector mode. It is ignored while an
	// alert is active.
	UpdateMode(mode string)

	// UpdateDisplayInfo publishes the signal LED count and derives the
	// alert direction from the last front and rear strengths.
	UpdateDisplayInfo(strength int)

	// SetLaserAlert publishes a laser alert seen on the display.
	SetLaserAlert(direction string, strength int)
}

// V1Data implements Sink directly for callers that own their copy and need
// no locking. Store wraps it for shared use.

func (d *V1Data) SetConnectionStatus(connected bool, status string) {
	d.Connected = connected
	d.ConnectionStatus = status
	if !connected {
		d.resetDetectorFields()
	}
}

func (d *V1Data) UpdateAlert(inAlert bool, band string, freqGHz float64, front, rear int) {
	d.InAlert = inAlert
	d.Band = band
	d.FrequencyGHz = freqGHz
	d.FrontStrength = front
	d.RearStrength = rear
	if !inAlert {
		d.Direction = DirectionNA
		d.Strength = 0
	}
}

func (d *V1Data) UpdateMode(mode string) {
	if !d.InAlert {
		d.Mode = mode
	}
}

func (d *V1Data) UpdateDisplayInfo(strength int) {
	d.Strength = strength
	d.Direction = DeriveDirection(d.FrontStrength, d.RearStrength)
}

func (d *V1Data) SetLaserAlert(direction string, strength int) {
	d.InAlert = true
	d.Band = BandLaser
	d.FrequencyGHz = 0
	d.Direction = direction
	d.Strength = strength
	d.FrontStrength = 0
	d.RearStrength = 0
}

// DeriveDirection picks F when the front reading dominates, R when the rear
// does, S when both are equal and non-zero, and N/A otherwise.
func DeriveDirection(front, rear int) string {
	switch {
	case front > rear:
		return "F"
	case rear > front:
		return "R"
	case front > 0:
		return "S"
	default:
		return DirectionNA
	}
}

var _ Sink = (*V1Data)(nil)
