package interpreter

import (
	"time"

	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// Xiaomi/Lumi manufacturer-specific attribute ids, grounded on the original
// firmware's xiaomi.h; the cluster id itself is zcl.ClusterXiaomiLumi.
const (
	xiaomiAttrDeviceMode        = 0x0009
	xiaomiAttrSpecialReport     = 0x00F7
	xiaomiAttrMotionSensitivity = 0x010C
	xiaomiAttrMulticlickMode    = 0x0125
	xiaomiAttrHoneywellConfig   = 0xFFF0
	xiaomiAttrSmokeSensitivity  = 0xFFF1
)

// Sub-tags packed into the 0x00F7 special report, grounded on spec.md's
// worked Xiaomi example: battery voltage, on-board temperature, and
// on-board humidity multiplexed onto one report.
const (
	xiaomiTagBatteryMillivolts = 0x01
	xiaomiTagTemperature       = 0x03
	xiaomiTagHumidity          = 0x65
)

// applyXiaomiSpecialReport decodes the packed 0x00F7 "special report"
// attribute, a sequence of (tag uint8, type zcl.DataType, value) TLV
// triples the Xiaomi/Aqara firmware uses to multiplex several sensor
// readings (battery voltage among them) onto one report instead of one
// attribute per reading.
func (ip *Interpreter) applyXiaomiSpecialReport(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	if r.AttrID != xiaomiAttrSpecialReport {
		return
	}
	data := r.Value.Bytes
	for len(data) >= 2 {
		tag := data[0]
		dt := zcl.DataType(data[1])
		v, n, err := zcl.DecodeAttribute(dt, data[2:])
		if err != nil {
			return
		}
		ip.applyXiaomiTag(extAddr, endpoint, tag, v, now)
		data = data[2+n:]
	}
}

// applyXiaomiTag interprets one packed sub-reading: 0x01 is battery voltage
// in millivolts, scaled to config/battery by batteryPercentFromMillivolts's
// 2700..3000 mV curve (voltage rather than percentage, keyed by a packed
// tag rather than a dedicated attribute); 0x03 and 0x65
// are this firmware's on-board temperature and humidity readings, carried
// in the same report instead of separate ZCL clusters.
func (ip *Interpreter) applyXiaomiTag(extAddr uint64, endpoint uint8, tag uint8, v zcl.Numeric, now time.Time) {
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterXiaomiLumi)
	if s == nil {
		return
	}

	switch tag {
	case xiaomiTagBatteryMillivolts:
		s.AddItem(model.ItemDescriptor{Suffix: "config/battery", DataType: model.DataTypeUint})
		pct := batteryPercentFromMillivolts(v.Uint)
		ip.writeSensor(s, "config/battery", model.UintValue(uint64(pct)), now)

	case xiaomiTagTemperature:
		s.AddItem(model.ItemDescriptor{Suffix: "state/temperature", DataType: model.DataTypeInt})
		s.AddItem(model.ItemDescriptor{Suffix: "config/offset", DataType: model.DataTypeInt})
		val := v.Int * 100
		if off := s.Item("config/offset"); off != nil {
			val += off.ToInt()
		}
		val = clampInt64(val, -27315, 32767)
		ip.writeSensor(s, "state/temperature", model.IntValue(val), now)

	case xiaomiTagHumidity:
		s.AddItem(model.ItemDescriptor{Suffix: "state/humidity", DataType: model.DataTypeInt})
		s.AddItem(model.ItemDescriptor{Suffix: "config/offset", DataType: model.DataTypeInt})
		val := int64(v.Uint)
		if off := s.Item("config/offset"); off != nil {
			val += off.ToInt()
		}
		val = clampInt64(val, 0, 10000)
		ip.writeSensor(s, "state/humidity", model.IntValue(val), now)
	}
}

// batteryPercentFromMillivolts applies the discharge curve clamp Xiaomi/
// Aqara end devices use: 2.7V empty, 3.0V full (spec §4.5, tighter than the
// generic CR2032 curve since these cells sit on a shallower tail).
func batteryPercentFromMillivolts(mv uint64) uint8 {
	const minMV, maxMV = 2700, 3000
	if mv <= minMV {
		return 0
	}
	if mv >= maxMV {
		return 100
	}
	return uint8((mv - minMV) * 100 / (maxMV - minMV))
}
