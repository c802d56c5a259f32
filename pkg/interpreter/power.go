package interpreter

import (
	"strings"
	"time"

	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

const (
	attrBatteryPercentRemaining = 0x0021
	attrBatteryVoltage          = 0x0020
	attrBatteryAlarmState       = 0x0035

	attrInstantaneousDemand = 0x0400 // metering cluster, device-specific units
	attrCurrentSummDelivered = 0x0000
)

// applyPowerConfig implements spec §4.5's power-configuration rules:
// half-percent battery remaining (full percent already for IKEA TRADFRI),
// SmartThings voltage-based scaling, and the low-battery alarm bit.
func (ip *Interpreter) applyPowerConfig(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterPowerConfig)
	if s == nil {
		return
	}

	switch r.AttrID {
	case attrBatteryPercentRemaining:
		s.AddItem(model.ItemDescriptor{Suffix: "config/battery", DataType: model.DataTypeUint})
		pct := r.Value.Uint / 2
		if strings.HasPrefix(s.ModelID, "TRADFRI") {
			pct = r.Value.Uint // IKEA already reports whole percent
		}
		ip.writeSensor(s, "config/battery", model.UintValue(pct), now)

	case attrBatteryVoltage:
		if !isSmartThingsModel(s.ModelID) {
			return
		}
		s.AddItem(model.ItemDescriptor{Suffix: "config/battery", DataType: model.DataTypeUint})
		pct := classifier.SmartThingsBatteryVoltageToPercent(uint16(r.Value.Uint))
		ip.writeSensor(s, "config/battery", model.UintValue(uint64(pct)), now)

	case attrBatteryAlarmState:
		s.AddItem(model.ItemDescriptor{Suffix: "state/lowbattery", DataType: model.DataTypeBool})
		ip.writeSensor(s, "state/lowbattery", model.BoolValue(r.Value.Uint&0x01 != 0), now)
	}
}

func isSmartThingsModel(modelID string) bool {
	return strings.Contains(modelID, "SmartThings") || strings.Contains(modelID, "CentraLite")
}

// applyMetering implements spec §4.5's vendor-specific metering scaling.
func (ip *Interpreter) applyMetering(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	if r.AttrID != attrCurrentSummDelivered {
		return
	}
	s := ip.sensorByCluster(extAddr, endpoint, zcl.ClusterMetering)
	if s == nil {
		return
	}
	s.AddItem(model.ItemDescriptor{Suffix: "state/consumption", DataType: model.DataTypeUint})

	raw := r.Value.Uint
	switch {
	case strings.Contains(s.ModelID, "SmartPlug") && s.Manufacturer == "Heiman":
		raw *= 10 // tenths of a watt-hour unit
	case strings.Contains(s.ModelID, "SP 120"):
		raw *= 10 // innr SP120: hundredths of kWh, normalize to the same unit as above
	case strings.Contains(s.ModelID, "902010") || strings.Contains(s.ModelID, "902025"):
		// Bitron 902010/25 already reports tenths of a watt, no rescale.
	}
	ip.writeSensor(s, "state/consumption", model.UintValue(raw), now)
}
