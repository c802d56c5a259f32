package zcl

import (
	"encoding/binary"
	"fmt"
)

// Global (profile-wide) command IDs, ZCL spec section 2.4.2.
const (
	CmdReadAttributes               uint8 = 0x00
	CmdReadAttributesResponse       uint8 = 0x01
	CmdWriteAttributes              uint8 = 0x02
	CmdWriteAttributesResponse      uint8 = 0x04
	CmdConfigureReporting           uint8 = 0x06
	CmdConfigureReportingResponse   uint8 = 0x07
	CmdReportAttributes             uint8 = 0x0A
	CmdDefaultResponse              uint8 = 0x0B
)

// ZCL global status codes relevant to the gateway's task confirm-matching
// and poll-engine freshness bookkeeping, ZCL spec section 2.6.9.
const (
	StatusSuccess        uint8 = 0x00
	StatusUnsupportedAttr uint8 = 0x86
	StatusInvalidValue   uint8 = 0x87
	StatusNotFound       uint8 = 0x8B
)

// EncodeReadAttributes builds a Read Attributes command payload.
func EncodeReadAttributes(attrIDs ...uint16) []byte {
	payload := make([]byte, len(attrIDs)*2)
	for i, id := range attrIDs {
		binary.LittleEndian.PutUint16(payload[i*2:], id)
	}
	return payload
}

// AttributeReport is one decoded attribute out of a Read Attributes
// Response or Report Attributes frame.
type AttributeReport struct {
	AttrID   uint16
	Status   uint8 // only meaningful for Read Attributes Response
	DataType DataType
	Value    Numeric
}

// DecodeReadAttributesResponse parses a Read Attributes Response command
// payload (status-prefixed records).
func DecodeReadAttributesResponse(data []byte) ([]AttributeReport, error) {
	var out []AttributeReport
	offset := 0

	for offset+3 <= len(data) {
		attrID := binary.LittleEndian.Uint16(data[offset:])
		offset += 2
		status := data[offset]
		offset++

		if status != StatusSuccess {
			out = append(out, AttributeReport{AttrID: attrID, Status: status})
			continue
		}

		if offset >= len(data) {
			return out, fmt.Errorf("zcl: truncated read-attributes response after attr 0x%04X", attrID)
		}
		dt := DataType(data[offset])
		offset++

		v, n, err := DecodeAttribute(dt, data[offset:])
		if err != nil {
			return out, fmt.Errorf("attr 0x%04X: %w", attrID, err)
		}
		offset += n

		out = append(out, AttributeReport{AttrID: attrID, Status: status, DataType: dt, Value: v})
	}

	return out, nil
}

// DecodeReportAttributes parses a Report Attributes command payload
// (no status byte per record, unlike Read Attributes Response).
func DecodeReportAttributes(data []byte) ([]AttributeReport, error) {
	var out []AttributeReport
	offset := 0

	for offset+3 <= len(data) {
		attrID := binary.LittleEndian.Uint16(data[offset:])
		offset += 2
		dt := DataType(data[offset])
		offset++

		v, n, err := DecodeAttribute(dt, data[offset:])
		if err != nil {
			return out, fmt.Errorf("attr 0x%04X: %w", attrID, err)
		}
		offset += n

		out = append(out, AttributeReport{AttrID: attrID, Status: StatusSuccess, DataType: dt, Value: v})
	}

	return out, nil
}

// WriteAttributeRecord is one record in a Write Attributes request.
type WriteAttributeRecord struct {
	AttrID   uint16
	DataType DataType
	Value    Numeric
}

// EncodeWriteAttributes builds a Write Attributes command payload.
func EncodeWriteAttributes(records []WriteAttributeRecord) ([]byte, error) {
	var out []byte
	for _, r := range records {
		out = append(out, byte(r.AttrID), byte(r.AttrID>>8), byte(r.DataType))
		enc, err := EncodeAttribute(r.Value)
		if err != nil {
			return nil, fmt.Errorf("attr 0x%04X: %w", r.AttrID, err)
		}
		out = append(out, enc...)
	}
	return out, nil
}

// WriteAttributeStatus is one record in a Write Attributes Response; a
// fully successful write returns zero records per the spec's "all
// success" shortcut, which callers must special-case.
type WriteAttributeStatus struct {
	Status uint8
	AttrID uint16
}

// DecodeWriteAttributesResponse parses a Write Attributes Response.
func DecodeWriteAttributesResponse(data []byte) []WriteAttributeStatus {
	var out []WriteAttributeStatus
	offset := 0
	for offset+3 <= len(data) {
		status := data[offset]
		attrID := binary.LittleEndian.Uint16(data[offset+1:])
		out = append(out, WriteAttributeStatus{Status: status, AttrID: attrID})
		offset += 3
	}
	return out
}

// ReportingConfig is one record of a Configure Reporting request.
type ReportingConfig struct {
	AttrID       uint16
	DataType     DataType
	MinInterval  uint16
	MaxInterval  uint16
	ReportableChange []byte // omitted for discrete types
}

// EncodeConfigureReporting builds a Configure Reporting command payload
// (direction byte fixed to 0x00, "attribute is reported").
func EncodeConfigureReporting(cfgs []ReportingConfig) []byte {
	var out []byte
	for _, c := range cfgs {
		out = append(out, 0x00) // direction: reported
		out = append(out, byte(c.AttrID), byte(c.AttrID>>8))
		out = append(out, byte(c.DataType))
		out = append(out, byte(c.MinInterval), byte(c.MinInterval>>8))
		out = append(out, byte(c.MaxInterval), byte(c.MaxInterval>>8))
		out = append(out, c.ReportableChange...)
	}
	return out
}

// ConfigureReportingStatus is one record of a Configure Reporting
// Response; like Write Attributes Response, an all-success reply may be
// truncated to a single record with AttrID omitted.
type ConfigureReportingStatus struct {
	Status uint8
	AttrID uint16
}

// DecodeConfigureReportingResponse parses a Configure Reporting Response.
func DecodeConfigureReportingResponse(data []byte) []ConfigureReportingStatus {
	var out []ConfigureReportingStatus
	offset := 0
	for offset < len(data) {
		status := data[offset]
		offset++
		if status == StatusSuccess && offset >= len(data) {
			out = append(out, ConfigureReportingStatus{Status: status})
			break
		}
		if offset+3 > len(data) {
			break
		}
		// direction byte then attrID
		offset++
		attrID := binary.LittleEndian.Uint16(data[offset:])
		offset += 2
		out = append(out, ConfigureReportingStatus{Status: status, AttrID: attrID})
	}
	return out
}

// DecodeDefaultResponse parses a Default Response command payload.
func DecodeDefaultResponse(data []byte) (commandID uint8, status uint8, err error) {
	if len(data) < 2 {
		return 0, 0, fmt.Errorf("zcl: default response too short")
	}
	return data[0], data[1], nil
}
