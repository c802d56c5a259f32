package model

import "time"

// DataType tags the wire datatype a ResourceItem decodes from/encodes to.
// It mirrors the ZCL attribute datatype the item is sourced from, not a Go
// kind, so the interpreter can pick the right ZCL codec path by item alone.
type DataType int

const (
	DataTypeBool DataType = iota
	DataTypeInt
	DataTypeUint
	DataTypeString
	DataTypeTimestamp
)

// ItemDescriptor is the compile-time registration for one resource item
// suffix: its stable key, its value type, and whether it lives under
// state/ or config/.
type ItemDescriptor struct {
	Suffix   string
	DataType DataType
}

// Value is a tagged union over the value types a ResourceItem may hold.
type Value struct {
	Bool    bool
	Int     int64
	Uint    uint64
	String  string
	Time    time.Time
	typeTag DataType
	isSet   bool
}

func BoolValue(b bool) Value    { return Value{Bool: b, typeTag: DataTypeBool, isSet: true} }
func IntValue(i int64) Value    { return Value{Int: i, typeTag: DataTypeInt, isSet: true} }
func UintValue(u uint64) Value  { return Value{Uint: u, typeTag: DataTypeUint, isSet: true} }
func StringValue(s string) Value {
	return Value{String: s, typeTag: DataTypeString, isSet: true}
}
func TimeValue(t time.Time) Value {
	return Value{Time: t, typeTag: DataTypeTimestamp, isSet: true}
}

// Any unwraps the tagged union into a plain Go value suitable for
// marshaling or event payloads.
func (v Value) Any() any {
	switch v.typeTag {
	case DataTypeBool:
		return v.Bool
	case DataTypeInt:
		return v.Int
	case DataTypeUint:
		return v.Uint
	case DataTypeString:
		return v.String
	case DataTypeTimestamp:
		return v.Time
	default:
		return nil
	}
}

// Equal reports whether two values carry the same type and content.
func (v Value) Equal(o Value) bool {
	if v.typeTag != o.typeTag {
		return false
	}
	switch v.typeTag {
	case DataTypeBool:
		return v.Bool == o.Bool
	case DataTypeInt:
		return v.Int == o.Int
	case DataTypeUint:
		return v.Uint == o.Uint
	case DataTypeString:
		return v.String == o.String
	case DataTypeTimestamp:
		return v.Time.Equal(o.Time)
	default:
		return false
	}
}

// ResourceItem is the (suffix, typed value, timestamps) triple described
// in spec §3. Setting a value is a two-step mutation: LastSet always
// advances; LastChanged only advances when the stored value differs.
type ResourceItem struct {
	Descriptor  ItemDescriptor
	value       Value
	LastSet     time.Time
	LastChanged time.Time
}

// NewResourceItem constructs an item with its zero value and no
// timestamps set — matching a freshly-added, never-written item.
func NewResourceItem(desc ItemDescriptor) *ResourceItem {
	return &ResourceItem{Descriptor: desc}
}

// Suffix is a convenience accessor over the descriptor.
func (r *ResourceItem) Suffix() string { return r.Descriptor.Suffix }

// Value returns the currently stored value.
func (r *ResourceItem) Value() Value { return r.value }

// SetValue implements the two-step mutation from spec §4.2: LastSet is
// updated unconditionally, LastChanged only when the value differs.
// Returns true if the value changed (i.e. an event should be emitted).
func (r *ResourceItem) SetValue(v Value, now time.Time) bool {
	r.LastSet = now
	changed := !r.value.isSet || !r.value.Equal(v)
	r.value = v
	if changed {
		r.LastChanged = now
	}
	return changed
}

func (r *ResourceItem) ToBool() bool     { return r.value.Bool }
func (r *ResourceItem) ToInt() int64     { return r.value.Int }
func (r *ResourceItem) ToUint() uint64   { return r.value.Uint }
func (r *ResourceItem) ToString() string { return r.value.String }
func (r *ResourceItem) ToTime() time.Time { return r.value.Time }
