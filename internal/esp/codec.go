// Package esp implements the framing, packet typing and alert-table
// reassembly of the detector's ESP serial protocol.
//
// A frame on the wire looks like:
//
//	[SOF][DestBase|dest][OrigBase|orig][PacketID][Len][payload...][checksum?][EOF]
//
// Len counts the checksum byte when one is present. The checksum is the sum
// of every preceding byte, modulo 256.
package esp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame is one decoded SOF..EOF sequence. Payload aliases Raw; a Frame is
// consumed synchronously by the notification path and then discarded.
type Frame struct {
	Raw         []byte
	Destination DeviceID
	Origin      DeviceID
	PacketID    PacketID
	DeclaredLen int
	Payload     []byte
	HasChecksum bool
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(%s dst=%s org=%s payload=%s)",
		f.PacketID, f.Destination, f.Origin, strings.ToUpper(hex.EncodeToString(f.Payload)))
}

// Checksum returns the ESP checksum of b: the byte sum modulo 256.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// OriginOf returns the origin device nibble of a raw frame without decoding
// it. The second result is false when raw is too short to carry an origin.
func OriginOf(raw []byte) (DeviceID, bool) {
	if len(raw) < 3 {
		return DeviceUnknown, false
	}
	return DeviceID(raw[2] & 0x0F), true
}

// Decode validates and decodes raw. Whether a checksum byte is present is
// decided by the frame's own origin: only the checksum-capable detector
// variant appends one.
func Decode(raw []byte) (Frame, error) {
	if err := CheckMarkers(raw); err != nil {
		return Frame{}, err
	}
	return decode(raw, DeviceID(raw[2]&0x0F).UsesChecksum())
}

// DecodeBus decodes raw using a bus-wide checksum setting. Once the session
// has learned which detector variant is on the bus, every frame on that bus
// follows the same rule regardless of which device originated it.
func DecodeBus(raw []byte, checksum bool) (Frame, error) {
	if err := CheckMarkers(raw); err != nil {
		return Frame{}, err
	}
	return decode(raw, checksum)
}

// CheckMarkers validates the length floor and the SOF and EOF markers of
// raw without looking further into the frame.
func CheckMarkers(raw []byte) error {
	if len(raw) < MinFrameLen {
		return malformed("length %d below minimum %d", len(raw), MinFrameLen)
	}
	if raw[0] != SOF {
		return malformed("start byte 0x%02X", raw[0])
	}
	if raw[len(raw)-1] != EOF {
		return malformed("end byte 0x%02X", raw[len(raw)-1])
	}
	return nil
}

func decode(raw []byte, checksum bool) (Frame, error) {
	declared := int(raw[4])
	payloadLen := declared

	if checksum {
		if declared == 0 {
			return Frame{}, malformed("checksum frame with zero length")
		}
		// Checked before the length so that any corrupted byte, the length
		// included, reports as a checksum failure.
		want := Checksum(raw[:len(raw)-2])
		if got := raw[len(raw)-2]; got != want {
			return Frame{}, fmt.Errorf("%w: got 0x%02X, expected 0x%02X", ErrChecksumMismatch, got, want)
		}
		payloadLen--
	}

	if len(raw) != MinFrameLen+declared {
		return Frame{}, malformed("declared length %d does not match frame of %d bytes", declared, len(raw))
	}

	return Frame{
		Raw:         raw,
		Destination: DeviceID(raw[1] & 0x0F),
		Origin:      DeviceID(raw[2] & 0x0F),
		PacketID:    PacketID(raw[3]),
		DeclaredLen: declared,
		Payload:     raw[headerLen : headerLen+payloadLen],
		HasChecksum: checksum,
	}, nil
}

// EncodeFrame builds a complete frame. When useChecksum is set the length
// byte counts the checksum and the checksum is appended before EOF.
func EncodeFrame(id PacketID, dest, origin DeviceID, payload []byte, useChecksum bool) []byte {
	n := len(payload)
	if useChecksum {
		n++
	}
	buf := make([]byte, 0, MinFrameLen+n)
	buf = append(buf,
		SOF,
		DestBase|byte(dest&0x0F),
		OrigBase|byte(origin&0x0F),
		byte(id),
		byte(n),
	)
	buf = append(buf, payload...)
	if useChecksum {
		buf = append(buf, Checksum(buf))
	}
	return append(buf, EOF)
}

// Request is an outbound packet sent by this application, which always
// identifies itself as the V1Connection device.
type Request struct {
	ID          PacketID
	Destination DeviceID
	Payload     []byte
}

// Encode returns the wire bytes of r.
func (r Request) Encode(useChecksum bool) []byte {
	return EncodeFrame(r.ID, r.Destination, DeviceV1Connection, r.Payload, useChecksum)
}

// SplitFrames is a bufio.SplitFunc that cuts a raw ESP byte stream into
// frames. Bytes before a start marker are discarded and a start marker not
// followed by an end marker at the declared length is skipped, so the reader
// resynchronizes after line noise. Returned tokens alias the scanner buffer.
func SplitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	off := 0
	for {
		i := bytes.IndexByte(data[off:], SOF)
		if i < 0 {
			return len(data), nil, nil
		}
		start := off + i
		rest := data[start:]
		total := MinFrameLen
		if len(rest) >= headerLen {
			total += int(rest[4])
		}
		switch {
		case len(rest) < total && !atEOF:
			return start, nil, nil
		case len(rest) < total, rest[total-1] != EOF:
			// The scanner stops on a token-less advance at EOF, so the
			// next start marker is tried here.
			off = start + 1
		default:
			return start + total, rest[:total], nil
		}
	}
}
