package zcl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		FrameType:        FrameTypeClusterSpecific,
		Manufacturer:     true,
		ManufacturerCode: 0x115F, // Xiaomi/Lumi
		Direction:        DirectionServerToClient,
		SeqNumber:        42,
		CommandID:        0x01,
	}

	raw := EncodeFrame(h, []byte{0xAA, 0xBB})
	got, rest, err := ParseHeader(raw)
	assert.NoError(t, err)
	assert.Equal(t, h.FrameType, got.FrameType)
	assert.True(t, got.Manufacturer)
	assert.EqualValues(t, 0x115F, got.ManufacturerCode)
	assert.EqualValues(t, 42, got.SeqNumber)
	assert.EqualValues(t, 0x01, got.CommandID)
	assert.Equal(t, []byte{0xAA, 0xBB}, rest)
}

func TestDecodeAttributeUint16(t *testing.T) {
	v, n, err := DecodeAttribute(TypeUint16, []byte{0x34, 0x12, 0xFF})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 0x1234, v.Uint)
}

func TestDecodeAttributeInt16Negative(t *testing.T) {
	v, n, err := DecodeAttribute(TypeInt16, []byte{0xFF, 0xFF})
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, -1, v.Int)
}

func TestDecodeReadAttributesResponseMixedStatus(t *testing.T) {
	// attr 0x0000 success uint8=1, attr 0x0001 failure (no value follows)
	data := []byte{
		0x00, 0x00, StatusSuccess, byte(TypeUint8), 0x01,
		0x01, 0x00, StatusUnsupportedAttr,
	}
	reports, err := DecodeReadAttributesResponse(data)
	assert.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.EqualValues(t, 1, reports[0].Value.Uint)
	assert.EqualValues(t, StatusUnsupportedAttr, reports[1].Status)
}

func TestDecodeReportAttributes(t *testing.T) {
	data := []byte{0x00, 0x00, byte(TypeBool), 0x01}
	reports, err := DecodeReportAttributes(data)
	assert.NoError(t, err)
	assert.Len(t, reports, 1)
	assert.True(t, reports[0].Value.Bool)
}

func TestEncodeWriteAttributesThenDecodeResponse(t *testing.T) {
	payload, err := EncodeWriteAttributes([]WriteAttributeRecord{
		{AttrID: 0x0010, DataType: TypeUint16, Value: Numeric{Type: TypeUint16, Uint: 0x0102}},
	})
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x00, byte(TypeUint16), 0x02, 0x01}, payload)

	resp := DecodeWriteAttributesResponse([]byte{StatusSuccess, 0x10, 0x00})
	assert.Len(t, resp, 1)
	assert.EqualValues(t, StatusSuccess, resp[0].Status)
}
