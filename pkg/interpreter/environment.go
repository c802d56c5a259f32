package interpreter

import (
	"math"
	"time"

	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

const (
	attrIlluminanceMeasured = 0x0000
	attrTemperatureMeasured = 0x0000
	attrHumidityMeasured    = 0x0000
	attrOccupancyBitmap     = 0x0000
	attrOccupiedToUnoccupiedDelay = 0x0010
)

func (ip *Interpreter) sensorByCluster(extAddr uint64, endpoint uint8, clusterID uint16) *model.Sensor {
	for _, s := range ip.classifier.SensorsByAddr(extAddr, endpoint) {
		if s.Fingerprint.HasInCluster(clusterID) {
			return s
		}
	}
	return nil
}

// applyIlluminance implements spec §4.5 point 3's illuminance rule: a
// 16-bit log-scaled raw value, raw 0 meaning "below threshold" and 0xFFFF
// meaning "invalid", plus the derived state/dark and state/daylight items.
func (ip *Interpreter) applyIlluminance(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	if r.AttrID != attrIlluminanceMeasured {
		return
	}
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterIlluminance)
	if s == nil {
		return
	}
	s.AddItem(model.ItemDescriptor{Suffix: "state/lightlevel", DataType: model.DataTypeUint})
	s.AddItem(model.ItemDescriptor{Suffix: "state/lux", DataType: model.DataTypeUint})
	s.AddItem(model.ItemDescriptor{Suffix: "state/dark", DataType: model.DataTypeBool})
	s.AddItem(model.ItemDescriptor{Suffix: "state/daylight", DataType: model.DataTypeBool})
	s.AddItem(model.ItemDescriptor{Suffix: "config/tholddark", DataType: model.DataTypeUint})
	s.AddItem(model.ItemDescriptor{Suffix: "config/tholdoffset", DataType: model.DataTypeUint})

	raw := r.Value.Uint
	ip.writeSensor(s, "state/lightlevel", model.UintValue(raw), now)

	var lux uint64
	switch raw {
	case 0:
		lux = 0
	case 0xFFFF:
		// invalid reading: leave state/lux untouched, only the raw level
		// is recorded above.
		return
	default:
		lux = uint64(math.Round(math.Pow(10, (float64(raw)-1)/10000)))
	}
	ip.writeSensor(s, "state/lux", model.UintValue(lux), now)

	dark := ip.cfg.ThresholdDark
	if item := s.Item("config/tholddark"); item != nil && item.ToUint() != 0 {
		dark = int(item.ToUint())
	}
	offset := ip.cfg.ThresholdOffset
	if item := s.Item("config/tholdoffset"); item != nil && item.ToUint() != 0 {
		offset = int(item.ToUint())
	}

	ip.writeSensor(s, "state/dark", model.BoolValue(int(raw) < dark), now)
	ip.writeSensor(s, "state/daylight", model.BoolValue(int(raw) >= dark+offset), now)
}

// applyTemperature clamps and offset-corrects a 0.01 °C reading, spec §4.5.
func (ip *Interpreter) applyTemperature(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	if r.AttrID != attrTemperatureMeasured {
		return
	}
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterTemperature)
	if s == nil {
		return
	}
	s.AddItem(model.ItemDescriptor{Suffix: "state/temperature", DataType: model.DataTypeInt})
	s.AddItem(model.ItemDescriptor{Suffix: "config/offset", DataType: model.DataTypeInt})

	v := int64(int16(r.Value.Uint))
	if off := s.Item("config/offset"); off != nil {
		v += off.ToInt()
	}
	v = clampInt64(v, -27315, 32767)
	ip.writeSensor(s, "state/temperature", model.IntValue(v), now)
}

// applyHumidity clamps to 0..10000 after the same config/offset correction
// as temperature, spec §4.5.
func (ip *Interpreter) applyHumidity(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	if r.AttrID != attrHumidityMeasured {
		return
	}
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterHumidity)
	if s == nil {
		return
	}
	s.AddItem(model.ItemDescriptor{Suffix: "state/humidity", DataType: model.DataTypeInt})
	s.AddItem(model.ItemDescriptor{Suffix: "config/offset", DataType: model.DataTypeInt})

	v := int64(int16(r.Value.Uint))
	if off := s.Item("config/offset"); off != nil {
		v += off.ToInt()
	}
	v = clampInt64(v, 0, 10000)
	ip.writeSensor(s, "state/humidity", model.IntValue(v), now)
}

// applyOccupancy implements spec §4.5's "occupancy duration sync": adopt
// the device's occupied-to-unoccupied delay if config/duration is unset,
// otherwise queue a write back to the device so it tracks the gateway's
// configured value.
func (ip *Interpreter) applyOccupancy(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterOccupancy)
	if s == nil {
		return
	}
	switch r.AttrID {
	case attrOccupancyBitmap:
		s.AddItem(model.ItemDescriptor{Suffix: "state/presence", DataType: model.DataTypeBool})
		ip.writeSensor(s, "state/presence", model.BoolValue(r.Value.Uint&0x01 != 0), now)

	case attrOccupiedToUnoccupiedDelay:
		s.AddItem(model.ItemDescriptor{Suffix: "config/duration", DataType: model.DataTypeUint})
		durationItem := s.Item("config/duration")
		if durationItem == nil || durationItem.ToUint() == 0 {
			ip.writeSensor(s, "config/duration", model.UintValue(r.Value.Uint), now)
			return
		}
		if durationItem.ToUint() != r.Value.Uint {
			ip.pendingWrites = append(ip.pendingWrites, PendingOccupancyWrite{
				ExtAddr: extAddr, Endpoint: endpoint, DurationSeconds: uint16(durationItem.ToUint()),
			})
		}
	}
}

func (ip *Interpreter) writeSensor(s *model.Sensor, suffix string, v model.Value, now time.Time) {
	if changed, item := s.Touch(suffix, v, now); changed {
		ip.emit(s.Prefix, s.ID, suffix, item.Value(), s.ETag())
	}
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
