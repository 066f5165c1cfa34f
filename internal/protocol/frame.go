// Package protocol provides PI30 frame encoding, validation and decoding.
package protocol

import (
	"bytes"
	"strings"

	"github.com/sigurn/crc16"
)

const (
	// FrameStart opens every inverter response.
	FrameStart = '('

	// FrameEnd terminates every command and response.
	FrameEnd = '\r'
)

// crcParams is the PI30 checksum: CRC-16/XMODEM over the frame text.
var crcParams = crc16.Params{
	Poly:   0x1021,
	Init:   0x0000,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x0000,
}

var crcTable = crc16.MakeTable(crcParams)

// Checksum computes the two PI30 checksum bytes over data. Bytes that would
// collide with the frame start, terminator or NUL are bumped by one, matching
// inverter firmware behaviour.
func Checksum(data []byte) (hi, lo byte) {
	sum := crc16.Checksum(data, crcTable)
	hi = byte(sum >> 8)
	lo = byte(sum)
	hi = avoidReserved(hi)
	lo = avoidReserved(lo)
	return hi, lo
}

// avoidReserved bumps checksum bytes that collide with protocol framing bytes.
func avoidReserved(b byte) byte {
	switch b {
	case FrameStart, FrameEnd, '\n', 0x00:
		return b + 1
	default:
		return b
	}
}

// EncodeCommand builds the wire bytes for a query command: the command text,
// two checksum bytes and the CR terminator. Deterministic for a given command.
func EncodeCommand(command string) []byte {
	body := []byte(command)
	hi, lo := Checksum(body)
	frame := make([]byte, 0, len(body)+3)
	frame = append(frame, body...)
	frame = append(frame, hi, lo, FrameEnd)
	return frame
}

// DecodeFrame validates a raw response frame and splits it into its ordered
// tokens. It never returns a partial token sequence: the result is the full
// token set or a typed error.
func DecodeFrame(raw []byte) ([]string, error) {
	// Some adapters deliver trailing line noise after CR; cut at the first CR.
	end := bytes.IndexByte(raw, FrameEnd)
	if end < 0 {
		return nil, &FramingError{Reason: "missing CR terminator"}
	}
	frame := raw[:end]

	if len(frame) < 3 || frame[0] != FrameStart {
		return nil, &FramingError{Reason: "missing frame start byte"}
	}

	body := frame[:len(frame)-2]
	hi, lo := Checksum(body)
	want := uint16(hi)<<8 | uint16(lo)
	got := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
	if want != got {
		return nil, &ChecksumError{Want: want, Got: got}
	}

	payload := string(body[1:])
	return strings.Fields(payload), nil
}
