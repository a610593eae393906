package esp

import "fmt"

// Framing and addressing bytes of the ESP bus.
const (
	SOF      byte = 0xAA
	EOF      byte = 0xAB
	DestBase byte = 0xD0
	OrigBase byte = 0xE0

	// MinFrameLen is SOF, destination, origin, packet id, length and EOF.
	MinFrameLen = 6
	headerLen   = 5
)

// DeviceID identifies a device on the ESP bus. Only the low nibble is
// carried on the wire; the legacy and unknown values are internal markers.
type DeviceID uint8

const (
	DeviceConcealedDisplay       DeviceID = 0x00
	DeviceRemoteAudio            DeviceID = 0x01
	DeviceSavvy                  DeviceID = 0x02
	DeviceV1Connection           DeviceID = 0x06
	DeviceGeneralBroadcast       DeviceID = 0x08
	DeviceValentineOneNoChecksum DeviceID = 0x09
	DeviceValentineOne           DeviceID = 0x0A
	DeviceValentineOneLegacy     DeviceID = 0x98
	DeviceUnknown                DeviceID = 0x99
)

func (d DeviceID) String() string {
	switch d {
	case DeviceConcealedDisplay:
		return "ConcealedDisplay"
	case DeviceRemoteAudio:
		return "RemoteAudio"
	case DeviceSavvy:
		return "Savvy"
	case DeviceV1Connection:
		return "V1Connection"
	case DeviceGeneralBroadcast:
		return "GeneralBroadcast"
	case DeviceValentineOneNoChecksum:
		return "ValentineOneNoChecksum"
	case DeviceValentineOne:
		return "ValentineOne"
	case DeviceValentineOneLegacy:
		return "ValentineOneLegacy"
	case DeviceUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Device(0x%02X)", uint8(d))
	}
}

// UsesChecksum reports whether frames originating from d carry a trailing
// checksum byte.
func (d DeviceID) UsesChecksum() bool {
	return d == DeviceValentineOne
}

// IsDetector reports whether d is one of the detector bus variants.
func (d DeviceID) IsDetector() bool {
	return d == DeviceValentineOne || d == DeviceValentineOneNoChecksum
}

// PacketID is the ESP opcode in byte 3 of a frame. Values outside the known
// set are valid on the wire and classify as GenericFrame.
type PacketID uint8

const (
	// Requests
	ReqVersion             PacketID = 0x01
	ReqAllSweepDefinitions PacketID = 0x16
	ReqMaxSweepIndex       PacketID = 0x19
	ReqStartAlertData      PacketID = 0x41
	ReqStopAlertData       PacketID = 0x42

	// Responses
	RespVersion         PacketID = 0x02
	RespSweepDefinition PacketID = 0x17
	RespMaxSweepIndex   PacketID = 0x20
	RespAlertData       PacketID = 0x43

	// Informational
	InfDisplayData PacketID = 0x31

	// Errors
	RespUnsupportedPacket   PacketID = 0x64
	RespRequestNotProcessed PacketID = 0x65
	InfV1Busy               PacketID = 0x66
	RespDataError           PacketID = 0x67
)

var packetNames = map[PacketID]string{
	ReqVersion:              "reqVersion",
	ReqAllSweepDefinitions:  "reqAllSweepDefinitions",
	ReqMaxSweepIndex:        "reqMaxSweepIndex",
	ReqStartAlertData:       "reqStartAlertData",
	ReqStopAlertData:        "reqStopAlertData",
	RespVersion:             "respVersion",
	RespSweepDefinition:     "respSweepDefinition",
	RespMaxSweepIndex:       "respMaxSweepIndex",
	RespAlertData:           "respAlertData",
	InfDisplayData:          "infDisplayData",
	RespUnsupportedPacket:   "respUnsupportedPacket",
	RespRequestNotProcessed: "respRequestNotProcessed",
	InfV1Busy:               "infV1Busy",
	RespDataError:           "respDataError",
}

func (p PacketID) String() string {
	if name, ok := packetNames[p]; ok {
		return name
	}
	return fmt.Sprintf("unknownPacket(0x%02X)", uint8(p))
}

// Known reports whether p is part of the implemented opcode set.
func (p PacketID) Known() bool {
	_, ok := packetNames[p]
	return ok
}

// IsErrorResponse reports whether p is one of the detector's error replies.
func (p PacketID) IsErrorResponse() bool {
	switch p {
	case RespUnsupportedPacket, RespRequestNotProcessed, RespDataError:
		return true
	}
	return false
}
