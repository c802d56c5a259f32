package model

import "time"

// SensorDeletedState mirrors LightNodeState for sensors, spec §3/§4.4.
type SensorDeletedState int

const (
	SensorStateNormal SensorDeletedState = iota
	SensorStateDeleted
)

// SensorFingerprint is the identity tuple used to match a ZDP simple
// descriptor against a known sensor role, spec §3/§4.4/glossary.
type SensorFingerprint struct {
	Endpoint    uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// Equal reports structural equality between two fingerprints, used by the
// classifier to find an existing sensor matching a re-announced endpoint.
func (f SensorFingerprint) Equal(o SensorFingerprint) bool {
	if f.Endpoint != o.Endpoint || f.ProfileID != o.ProfileID || f.DeviceID != o.DeviceID {
		return false
	}
	return sameUint16Set(f.InClusters, o.InClusters) && sameUint16Set(f.OutClusters, o.OutClusters)
}

func sameUint16Set(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint16]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}

// HasInCluster reports whether clusterID is in the fingerprint's
// in-cluster list.
func (f SensorFingerprint) HasInCluster(clusterID uint16) bool {
	for _, c := range f.InClusters {
		if c == clusterID {
			return true
		}
	}
	return false
}

// Sensor is a Resource keyed by (extAddr, endpoint, sensor-type), spec §3.
type Sensor struct {
	*Resource

	ExtAddr     uint64
	Endpoint    uint8
	Type        string // e.g. "ZHASwitch", "ZHAPresence", "ZHATemperature"
	Fingerprint SensorFingerprint

	Manufacturer     string
	ManufacturerCode uint16
	ModelID          string
	SWVersion        string
	Mode             string

	DeletedState SensorDeletedState

	// Group address this sensor has adopted as its destination (e.g. a
	// remote control bound to send to a group), spec §4.6.
	AdoptedGroup   uint16
	HasAdoptedGroup bool

	values map[zclValueKey]*NodeValue

	lastButtonEvent     int
	lastButtonEventTime time.Time
}

// NewSensor seeds a sensor resource for the given type.
func NewSensor(extAddr uint64, endpoint uint8, sensorType string, fp SensorFingerprint) *Sensor {
	id := UniqueID(extAddr, endpoint, nil) + "-" + sensorType
	s := &Sensor{
		Resource:    NewResource(PrefixSensors, id),
		ExtAddr:     extAddr,
		Endpoint:    endpoint,
		Type:        sensorType,
		Fingerprint: fp,
		values:      make(map[zclValueKey]*NodeValue),
	}
	s.AddItem(ItemDescriptor{Suffix: "config/reachable", DataType: DataTypeBool})
	s.AddItem(ItemDescriptor{Suffix: SuffixStateLastUpdated, DataType: DataTypeTimestamp})
	return s
}

// GetZclValue mirrors LightNode.GetZclValue for sensors.
func (s *Sensor) GetZclValue(clusterID, attrID uint16) *NodeValue {
	key := zclValueKey{clusterID, attrID}
	v, ok := s.values[key]
	if !ok {
		v = &NodeValue{Cluster: clusterID, Attribute: attrID}
		s.values[key] = v
	}
	return v
}

// SetReachable updates config/reachable for a sensor.
func (s *Sensor) SetReachable(reachable bool, now time.Time) bool {
	changed, _ := s.Touch("config/reachable", BoolValue(reachable), now)
	return changed
}

// Reachable returns config/reachable's current value.
func (s *Sensor) Reachable() bool {
	item := s.Item("config/reachable")
	return item != nil && item.ToBool()
}

// ShouldDiscardButtonEvent implements spec §4.6 point 4: "discarding if
// the same code fires within 500ms of the previous one".
func (s *Sensor) ShouldDiscardButtonEvent(code int, now time.Time) bool {
	if code == s.lastButtonEvent && !s.lastButtonEventTime.IsZero() &&
		now.Sub(s.lastButtonEventTime) < 500*time.Millisecond {
		return true
	}
	return false
}

// RecordButtonEvent stores the last fired button code/time for the 500ms
// debounce check above.
func (s *Sensor) RecordButtonEvent(code int, now time.Time) {
	s.lastButtonEvent = code
	s.lastButtonEventTime = now
}
