package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is a ZCL attribute datatype tag, ZCL spec section 2.6.2.
type DataType uint8

const (
	TypeNoData     DataType = 0x00
	TypeBool       DataType = 0x10
	TypeBitmap8    DataType = 0x18
	TypeBitmap16   DataType = 0x19
	TypeBitmap32   DataType = 0x1B
	TypeUint8      DataType = 0x20
	TypeUint16     DataType = 0x21
	TypeUint24     DataType = 0x22
	TypeUint32     DataType = 0x23
	TypeUint48     DataType = 0x26
	TypeInt8       DataType = 0x28
	TypeInt16      DataType = 0x29
	TypeInt24      DataType = 0x2A
	TypeInt32      DataType = 0x2B
	TypeEnum8      DataType = 0x30
	TypeEnum16     DataType = 0x31
	TypeFloatSingle DataType = 0x39
	TypeOctetString DataType = 0x41
	TypeCharString  DataType = 0x42
	TypeArray       DataType = 0x48
	TypeStruct      DataType = 0x4C
	TypeIEEEAddress DataType = 0xF0
)

// Numeric is a tagged-union value decoded from a ZCL attribute payload.
// Only one of the fields is meaningful, selected by Type; this mirrors the
// classifier/interpreter's need to move ZCL values generically before
// cluster-specific code narrows them.
type Numeric struct {
	Type   DataType
	Bool   bool
	Uint   uint64
	Int    int64
	Float  float64
	Bytes  []byte
	String string
}

// DecodeAttribute reads one attribute value of the given type from data,
// returning the decoded value and the number of bytes consumed.
func DecodeAttribute(dataType DataType, data []byte) (Numeric, int, error) {
	switch dataType {
	case TypeNoData:
		return Numeric{Type: dataType}, 0, nil

	case TypeBool:
		if len(data) < 1 {
			return Numeric{}, 0, errShort(dataType, 1, len(data))
		}
		return Numeric{Type: dataType, Bool: data[0] != 0, Uint: uint64(data[0])}, 1, nil

	case TypeUint8, TypeBitmap8, TypeEnum8:
		if len(data) < 1 {
			return Numeric{}, 0, errShort(dataType, 1, len(data))
		}
		return Numeric{Type: dataType, Uint: uint64(data[0])}, 1, nil

	case TypeUint16, TypeBitmap16, TypeEnum16:
		if len(data) < 2 {
			return Numeric{}, 0, errShort(dataType, 2, len(data))
		}
		return Numeric{Type: dataType, Uint: uint64(binary.LittleEndian.Uint16(data))}, 2, nil

	case TypeUint24:
		if len(data) < 3 {
			return Numeric{}, 0, errShort(dataType, 3, len(data))
		}
		v := uint64(data[0]) | uint64(data[1])<<8 | uint64(data[2])<<16
		return Numeric{Type: dataType, Uint: v}, 3, nil

	case TypeUint32, TypeBitmap32:
		if len(data) < 4 {
			return Numeric{}, 0, errShort(dataType, 4, len(data))
		}
		return Numeric{Type: dataType, Uint: uint64(binary.LittleEndian.Uint32(data))}, 4, nil

	case TypeUint48:
		if len(data) < 6 {
			return Numeric{}, 0, errShort(dataType, 6, len(data))
		}
		var v uint64
		for i := 5; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		return Numeric{Type: dataType, Uint: v}, 6, nil

	case TypeInt8:
		if len(data) < 1 {
			return Numeric{}, 0, errShort(dataType, 1, len(data))
		}
		return Numeric{Type: dataType, Int: int64(int8(data[0]))}, 1, nil

	case TypeInt16:
		if len(data) < 2 {
			return Numeric{}, 0, errShort(dataType, 2, len(data))
		}
		return Numeric{Type: dataType, Int: int64(int16(binary.LittleEndian.Uint16(data)))}, 2, nil

	case TypeInt24:
		if len(data) < 3 {
			return Numeric{}, 0, errShort(dataType, 3, len(data))
		}
		v := int32(data[0]) | int32(data[1])<<8 | int32(data[2])<<16
		if v&0x800000 != 0 {
			v |= ^int32(0xFFFFFF)
		}
		return Numeric{Type: dataType, Int: int64(v)}, 3, nil

	case TypeInt32:
		if len(data) < 4 {
			return Numeric{}, 0, errShort(dataType, 4, len(data))
		}
		return Numeric{Type: dataType, Int: int64(int32(binary.LittleEndian.Uint32(data)))}, 4, nil

	case TypeFloatSingle:
		if len(data) < 4 {
			return Numeric{}, 0, errShort(dataType, 4, len(data))
		}
		bits := binary.LittleEndian.Uint32(data)
		return Numeric{Type: dataType, Float: float64(math.Float32frombits(bits))}, 4, nil

	case TypeOctetString, TypeCharString:
		if len(data) < 1 {
			return Numeric{}, 0, errShort(dataType, 1, len(data))
		}
		n := int(data[0])
		if len(data) < 1+n {
			return Numeric{}, 0, errShort(dataType, 1+n, len(data))
		}
		raw := data[1 : 1+n]
		out := Numeric{Type: dataType, Bytes: append([]byte(nil), raw...)}
		if dataType == TypeCharString {
			out.String = string(raw)
		}
		return out, 1 + n, nil

	case TypeIEEEAddress:
		if len(data) < 8 {
			return Numeric{}, 0, errShort(dataType, 8, len(data))
		}
		return Numeric{Type: dataType, Uint: binary.LittleEndian.Uint64(data)}, 8, nil

	default:
		return Numeric{}, 0, fmt.Errorf("zcl: unsupported data type 0x%02X", dataType)
	}
}

func errShort(dataType DataType, want, got int) error {
	return fmt.Errorf("zcl: short buffer decoding type 0x%02X: need %d, have %d", dataType, want, got)
}

// EncodeAttribute is the inverse of DecodeAttribute for the subset of
// types the task scheduler writes (spec §7 Write/ConfigureReporting
// payload construction).
func EncodeAttribute(v Numeric) ([]byte, error) {
	switch v.Type {
	case TypeBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeUint8, TypeBitmap8, TypeEnum8:
		return []byte{byte(v.Uint)}, nil
	case TypeUint16, TypeBitmap16, TypeEnum16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v.Uint))
		return b, nil
	case TypeUint32, TypeBitmap32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.Uint))
		return b, nil
	case TypeInt8:
		return []byte{byte(int8(v.Int))}, nil
	case TypeInt16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(int16(v.Int)))
		return b, nil
	case TypeInt32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(int32(v.Int)))
		return b, nil
	case TypeCharString:
		b := make([]byte, 0, 1+len(v.String))
		b = append(b, byte(len(v.String)))
		return append(b, v.String...), nil
	default:
		return nil, fmt.Errorf("zcl: encode unsupported for type 0x%02X", v.Type)
	}
}
