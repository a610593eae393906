package esp

import (
	"encoding/binary"
	"math/bits"
	"strconv"
	"strings"
)

// Packet is the closed set of typed views produced by Classify. The
// concrete types are DisplayData, AlertPacket, VersionResponse,
// MaxSweepIndexResponse, SweepDefinitionResponse, ErrorResponse and
// GenericFrame.
type Packet interface {
	Frame() Frame
	packet()
}

type base struct{ f Frame }

func (b base) Frame() Frame { return b.f }
func (base) packet()        {}

// Payload sizes required by each typed view.
const (
	displayDataLen     = 6
	alertDataLen       = 7
	sweepDefinitionLen = 5
)

// Classify maps a decoded frame to its typed view. Unknown ids and payloads
// too short for their declared type come back as GenericFrame.
func Classify(f Frame) Packet {
	n := len(f.Payload)
	switch f.PacketID {
	case InfDisplayData:
		if n >= displayDataLen {
			return DisplayData{base{f}}
		}
	case RespAlertData:
		if n >= alertDataLen {
			return AlertPacket{base: base{f}, Alert: parseAlertData(f.Payload)}
		}
	case RespVersion:
		return VersionResponse{base{f}}
	case RespMaxSweepIndex:
		if n >= 1 {
			return MaxSweepIndexResponse{base{f}}
		}
	case RespSweepDefinition:
		if n >= sweepDefinitionLen {
			return SweepDefinitionResponse{base: base{f}, Sweep: parseSweepDefinition(f.Payload)}
		}
	case RespUnsupportedPacket, RespRequestNotProcessed, RespDataError:
		return ErrorResponse{base{f}}
	}
	return GenericFrame{base{f}}
}

// GenericFrame is any frame without a dedicated view.
type GenericFrame struct{ base }

// DisplayData is the infDisplayData broadcast, sent several times a second.
//
// Payload layout used here:
//
//	[0..1] bogey counter seven-segment images
//	[2]    signal strength LED bitmap
//	[3]    band and arrow bits
//	[5]    aux0 / system status bits
type DisplayData struct{ base }

const (
	bandLaser = 1 << 0
	bandKa    = 1 << 1
	bandK     = 1 << 2
	bandX     = 1 << 3

	arrowFront = 1 << 5
	arrowSide  = 1 << 6
	arrowRear  = 1 << 7

	statusAllBogeys = 1 << 0
	statusHoldoff   = 1 << 1
	statusActive    = 1 << 2
	statusAdvLogic  = 1 << 4
)

func (d DisplayData) bandArrow() byte { return d.f.Payload[3] }
func (d DisplayData) aux0() byte      { return d.f.Payload[5] }

// SystemActive reports the system-status bit that gates every band flag.
func (d DisplayData) SystemActive() bool { return d.aux0()&statusActive != 0 }

func (d DisplayData) band(bit byte) bool { return d.SystemActive() && d.bandArrow()&bit != 0 }

func (d DisplayData) Laser() bool { return d.band(bandLaser) }
func (d DisplayData) Ka() bool    { return d.band(bandKa) }
func (d DisplayData) K() bool     { return d.band(bandK) }
func (d DisplayData) X() bool     { return d.band(bandX) }

func (d DisplayData) Front() bool { return d.bandArrow()&arrowFront != 0 }
func (d DisplayData) Side() bool  { return d.bandArrow()&arrowSide != 0 }
func (d DisplayData) Rear() bool  { return d.bandArrow()&arrowRear != 0 }

// Holdoff reports the traffic-sensor holdoff bit. While set the detector
// will not accept commands.
func (d DisplayData) Holdoff() bool { return d.aux0()&statusHoldoff != 0 }

// Mode returns the detector's sweep mode.
func (d DisplayData) Mode() string {
	switch s := d.aux0(); {
	case s&statusAllBogeys != 0:
		return "All Bogeys"
	case s&statusAdvLogic != 0:
		return "Adv. Logic"
	default:
		return "Logic"
	}
}

// Direction joins the lit arrows, e.g. "F/R". Empty when none are lit.
func (d DisplayData) Direction() string {
	var dirs []string
	if d.Front() {
		dirs = append(dirs, "F")
	}
	if d.Side() {
		dirs = append(dirs, "S")
	}
	if d.Rear() {
		dirs = append(dirs, "R")
	}
	return strings.Join(dirs, "/")
}

// SignalLEDs is the number of lit signal strength LEDs, 0 to 8.
func (d DisplayData) SignalLEDs() int { return bits.OnesCount8(d.f.Payload[2]) }

var sevenSegment = map[byte]byte{
	0x3F: '0', 0x06: '1', 0x5B: '2', 0x4F: '3', 0x66: '4', 0x6D: '5',
	0x7D: '6', 0x07: '7', 0x7F: '8', 0x6F: '9', 0x77: 'A', 0x7C: 'b',
	0x39: 'C', 0x5E: 'd', 0x79: 'E', 0x71: 'F', 0x38: 'L', 0x1E: 'J',
	0x58: 'c', 0x3E: 'U', 0x1C: 'u',
}

// BogeyCounter decodes the two seven-segment digits. Unknown images, and
// the decimal point bit, render as a blank.
func (d DisplayData) BogeyCounter() string {
	var out [2]byte
	for i := range out {
		c, ok := sevenSegment[d.f.Payload[i]&0x7F]
		if !ok {
			c = ' '
		}
		out[i] = c
	}
	return string(out[:])
}

// DisplayState describes a display broadcast for DisplayState.Payload,
// used by the simulated detector and tests.
type DisplayState struct {
	// Counter is the seven-segment image of the bogey counter's first
	// digit.
	Counter byte
	// LEDs is the number of lit signal LEDs, 0 to 8.
	LEDs int

	Laser, Ka, K, X   bool
	Front, Side, Rear bool

	Holdoff bool
	Mode    string
}

// Payload encodes d as an 8-byte infDisplayData payload with the system
// active bit set.
func (d DisplayState) Payload() []byte {
	p := make([]byte, 8)
	p[0] = d.Counter
	if d.LEDs > 0 {
		p[2] = byte(0xFF >> (8 - min(d.LEDs, 8)))
	}
	for _, f := range []struct {
		on  bool
		bit byte
	}{
		{d.Laser, bandLaser}, {d.Ka, bandKa}, {d.K, bandK}, {d.X, bandX},
		{d.Front, arrowFront}, {d.Side, arrowSide}, {d.Rear, arrowRear},
	} {
		if f.on {
			p[3] |= f.bit
		}
	}
	p[5] = statusActive
	if d.Holdoff {
		p[5] |= statusHoldoff
	}
	switch d.Mode {
	case "All Bogeys":
		p[5] |= statusAllBogeys
	case "Adv. Logic":
		p[5] |= statusAdvLogic
	}
	return p
}

// AlertData is one row of the detector's alert table.
type AlertData struct {
	Index         int
	Count         int
	FrequencyMHz  uint16
	FrontStrength uint8
	RearStrength  uint8
	Laser         bool
	Priority      bool
}

func parseAlertData(p []byte) AlertData {
	return AlertData{
		Index:         int(p[0]>>4) & 0x0F,
		Count:         int(p[0]) & 0x0F,
		FrequencyMHz:  binary.BigEndian.Uint16(p[1:3]),
		FrontStrength: p[3],
		RearStrength:  p[4],
		Laser:         p[5]&bandLaser != 0,
		Priority:      p[6]&0x80 != 0,
	}
}

// Payload encodes a as the 7-byte respAlertData payload.
func (a AlertData) Payload() []byte {
	p := make([]byte, alertDataLen)
	p[0] = byte(a.Index&0x0F)<<4 | byte(a.Count&0x0F)
	binary.BigEndian.PutUint16(p[1:3], a.FrequencyMHz)
	p[3] = a.FrontStrength
	p[4] = a.RearStrength
	if a.Laser {
		p[5] |= bandLaser
	}
	if a.Priority {
		p[6] |= 0x80
	}
	return p
}

// AlertPacket carries a single alert table row.
type AlertPacket struct {
	base
	Alert AlertData
}

// VersionResponse carries a firmware version string such as "V3.8950".
type VersionResponse struct{ base }

// Version returns the ASCII version with NUL padding removed.
func (v VersionResponse) Version() string {
	return strings.Trim(string(v.f.Payload), "\x00")
}

// Number parses the numeric part of the version, 0 when unparseable.
func (v VersionResponse) Number() float64 {
	return VersionNumber(v.Version())
}

// VersionNumber parses "V3.8950" into 3.8950, returning 0 on failure.
func VersionNumber(version string) float64 {
	if len(version) < 2 {
		return 0
	}
	n, err := strconv.ParseFloat(version[1:], 64)
	if err != nil {
		return 0
	}
	return n
}

// MinSweepFirmware is the oldest firmware that answers sweep requests.
const MinSweepFirmware = 3.8950

// SupportsSweeps reports whether a detector running version answers custom
// sweep requests. An unparseable version is assumed to.
func SupportsSweeps(version string) bool {
	n := VersionNumber(version)
	return n == 0 || n >= MinSweepFirmware
}

// MaxSweepIndexResponse reports the highest custom sweep index.
type MaxSweepIndexResponse struct{ base }

func (m MaxSweepIndexResponse) MaxIndex() int { return int(m.f.Payload[0]) }

// SweepDefinition is one configured custom sweep.
type SweepDefinition struct {
	Index    int    `json:"index"`
	Commit   bool   `json:"commit"`
	LowerMHz uint16 `json:"lower_mhz"`
	UpperMHz uint16 `json:"upper_mhz"`
}

func parseSweepDefinition(p []byte) SweepDefinition {
	return SweepDefinition{
		Index:    int(p[0] & 0x3F),
		Commit:   p[0]&0x40 != 0,
		UpperMHz: binary.BigEndian.Uint16(p[1:3]),
		LowerMHz: binary.BigEndian.Uint16(p[3:5]),
	}
}

// Payload encodes s as the 5-byte respSweepDefinition payload.
func (s SweepDefinition) Payload() []byte {
	p := make([]byte, sweepDefinitionLen)
	p[0] = byte(s.Index & 0x3F)
	if s.Commit {
		p[0] |= 0x40
	}
	binary.BigEndian.PutUint16(p[1:3], s.UpperMHz)
	binary.BigEndian.PutUint16(p[3:5], s.LowerMHz)
	return p
}

// SweepDefinitionResponse carries a single sweep definition.
type SweepDefinitionResponse struct {
	base
	Sweep SweepDefinition
}

// ErrorResponse is one of the detector's error replies.
type ErrorResponse struct{ base }

// RejectedID returns the request id the error refers to, if the payload
// carries one.
func (e ErrorResponse) RejectedID() (PacketID, bool) {
	if len(e.f.Payload) == 0 {
		return 0, false
	}
	return PacketID(e.f.Payload[0]), true
}
