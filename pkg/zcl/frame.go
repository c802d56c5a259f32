// Package zcl implements the ZCL frame codec: header parse/emit including
// manufacturer-specific framing, attribute datatype decode, and the
// profile-wide global commands (Read/Report/Write/ConfigureReporting/
// DefaultResponse). It has no notion of APS transport or device state —
// that belongs to pkg/aps and pkg/interpreter respectively.
//
// Grounded on urmzd/homai/pkg/zigbee/zcl.go, generalized from its
// On-Off/Level-Control special case to the full general-purpose/profile
// command set spec §4.2 requires.
package zcl

import (
	"encoding/binary"
	"fmt"
)

// Frame control bits, ZCL spec section 2.4.1.1.
const (
	FrameTypeGlobal          uint8 = 0x00
	FrameTypeClusterSpecific uint8 = 0x01

	frameControlTypeMask          = 0x03
	frameControlManufacturerFlag  = 0x04
	frameControlDirectionFlag     = 0x08
	frameControlDisableDefaultRsp = 0x10
)

// Direction distinguishes client->server (request) from server->client
// (response/report) frames.
type Direction uint8

const (
	DirectionClientToServer Direction = 0x00
	DirectionServerToClient Direction = 0x08
)

// Header is a decoded ZCL frame header.
type Header struct {
	FrameType            uint8
	Manufacturer         bool
	ManufacturerCode     uint16
	Direction            Direction
	DisableDefaultResp   bool
	SeqNumber            uint8
	CommandID             uint8
}

// HeaderLen returns the number of bytes Header occupies in a raw frame.
func (h Header) HeaderLen() int {
	if h.Manufacturer {
		return 5
	}
	return 3
}

// ParseHeader decodes the ZCL header at the start of data and returns the
// header plus the remaining command payload.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < 3 {
		return Header{}, nil, fmt.Errorf("zcl: frame too short for header: %d bytes", len(data))
	}

	fc := data[0]
	h := Header{
		FrameType:          fc & frameControlTypeMask,
		Manufacturer:       fc&frameControlManufacturerFlag != 0,
		Direction:          Direction(fc & frameControlDirectionFlag),
		DisableDefaultResp: fc&frameControlDisableDefaultRsp != 0,
	}

	offset := 1
	if h.Manufacturer {
		if len(data) < 5 {
			return Header{}, nil, fmt.Errorf("zcl: frame too short for manufacturer-specific header: %d bytes", len(data))
		}
		h.ManufacturerCode = binary.LittleEndian.Uint16(data[offset:])
		offset += 2
	}

	h.SeqNumber = data[offset]
	offset++
	h.CommandID = data[offset]
	offset++

	return h, data[offset:], nil
}

// EmitHeader serializes h as the leading bytes of a ZCL frame.
func EmitHeader(h Header) []byte {
	fc := h.FrameType & frameControlTypeMask
	if h.Manufacturer {
		fc |= frameControlManufacturerFlag
	}
	fc |= uint8(h.Direction)
	if h.DisableDefaultResp {
		fc |= frameControlDisableDefaultRsp
	}

	out := make([]byte, 0, h.HeaderLen())
	out = append(out, fc)
	if h.Manufacturer {
		out = append(out, byte(h.ManufacturerCode), byte(h.ManufacturerCode>>8))
	}
	out = append(out, h.SeqNumber, h.CommandID)
	return out
}

// EncodeFrame builds a full ZCL frame (header + command payload).
func EncodeFrame(h Header, payload []byte) []byte {
	frame := EmitHeader(h)
	return append(frame, payload...)
}

// seqCounter is package-global because a single gateway process owns
// exactly one ZCL sequence space toward the stack, mirroring the
// teacher's zclSeqCounter.
var seqCounter uint8

// NextSeq returns the next outgoing ZCL sequence number.
func NextSeq() uint8 {
	seqCounter++
	return seqCounter
}
