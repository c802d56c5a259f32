package classifier

import (
	"strings"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// LightFingerprint is produced when an endpoint looks like an HA light,
// spec §4.4 step 2: "has on/off server cluster on an accepted device id".
type LightFingerprint struct {
	Endpoint    uint8
	InClusters  []uint16
	OutClusters []uint16
}

// SensorType enumerates the sensor fingerprint kinds spec §4.4 step 2
// names explicitly.
type SensorType string

const (
	SensorOccupancy      SensorType = "ZHAOccupancy"
	SensorIASZone        SensorType = "ZHAAlarm"
	SensorIlluminance    SensorType = "ZHALightLevel"
	SensorTemperature    SensorType = "ZHATemperature"
	SensorHumidity       SensorType = "ZHAHumidity"
	SensorPressure       SensorType = "ZHAPressure"
	SensorPower          SensorType = "ZHAPower"
	SensorConsumption    SensorType = "ZHAConsumption"
	SensorAnalogInput    SensorType = "CLIPGenericStatus"
	SensorMultistate     SensorType = "CLIPGenericFlag"
	SensorDoorLock       SensorType = "ZHADoorLock"
	SensorThermostat     SensorType = "ZHAThermostat"
	SensorSwitch         SensorType = "ZHASwitch"
)

// SensorFingerprint mirrors model.SensorFingerprint closely but is built
// purely from a simple descriptor scan, before any model.Sensor exists.
type SensorFingerprint struct {
	Type        SensorType
	Endpoint    uint8
	InClusters  []uint16
	OutClusters []uint16
	ZoneType    uint16 // only meaningful for SensorIASZone
}

func hasCluster(list []uint16, id uint16) bool {
	for _, c := range list {
		if c == id {
			return true
		}
	}
	return false
}

// ScanEndpoint inspects one simple descriptor and returns every
// fingerprint it yields: at most one light fingerprint, and zero or more
// sensor fingerprints (a single endpoint can be both, e.g. a combined
// switch+light).
func ScanEndpoint(ep aps.SimpleDescriptor) (*LightFingerprint, []SensorFingerprint) {
	var light *LightFingerprint
	if hasCluster(ep.InClusters, zcl.ClusterOnOff) && isAcceptedLightDeviceID(ep.DeviceID) {
		light = &LightFingerprint{Endpoint: ep.Endpoint, InClusters: ep.InClusters, OutClusters: ep.OutClusters}
	}

	var sensors []SensorFingerprint
	add := func(t SensorType) {
		sensors = append(sensors, SensorFingerprint{Type: t, Endpoint: ep.Endpoint, InClusters: ep.InClusters, OutClusters: ep.OutClusters})
	}

	if hasCluster(ep.InClusters, zcl.ClusterOccupancy) {
		add(SensorOccupancy)
	}
	if hasCluster(ep.InClusters, zcl.ClusterIASZone) {
		add(SensorIASZone)
	}
	if hasCluster(ep.InClusters, zcl.ClusterIlluminance) {
		add(SensorIlluminance)
	}
	if hasCluster(ep.InClusters, zcl.ClusterTemperature) {
		add(SensorTemperature)
	}
	if hasCluster(ep.InClusters, zcl.ClusterHumidity) {
		add(SensorHumidity)
	}
	if hasCluster(ep.InClusters, zcl.ClusterPressure) {
		add(SensorPressure)
	}
	if hasCluster(ep.InClusters, zcl.ClusterElectricalMeas) {
		add(SensorPower)
	}
	if hasCluster(ep.InClusters, zcl.ClusterMetering) {
		add(SensorConsumption)
	}
	if hasCluster(ep.InClusters, zcl.ClusterAnalogInput) {
		add(SensorAnalogInput)
	}
	if hasCluster(ep.InClusters, zcl.ClusterMultistateInput) {
		add(SensorMultistate)
	}
	if hasCluster(ep.InClusters, zcl.ClusterDoorLock) {
		add(SensorDoorLock)
	}
	if hasCluster(ep.InClusters, zcl.ClusterThermostat) {
		add(SensorThermostat)
	}

	return light, sensors
}

func isAcceptedLightDeviceID(id uint16) bool {
	switch id {
	case zcl.DeviceIDOnOffLight, zcl.DeviceIDDimmableLight, zcl.DeviceIDColorLight,
		zcl.DeviceIDExtendedColor, zcl.DeviceIDOnOffPlugUnit, zcl.DeviceIDSmartPlug:
		return true
	default:
		return false
	}
}

// ApplyVendorQuirks mutates the per-endpoint fingerprints for the
// non-exhaustive vendor list spec §4.4 step 3 calls out by name.
func ApplyVendorQuirks(modelID string, lights map[uint8]*LightFingerprint, sensors map[uint8][]SensorFingerprint) {
	switch {
	case strings.HasPrefix(modelID, "lumi.ctrl_neutral") || strings.HasPrefix(modelID, "lumi.ctrl_ln"):
		// Multiple light endpoints collapse onto a single ZHASwitch sensor
		// pinned to endpoint 1.
		for ep, ss := range sensors {
			if ep == 1 {
				continue
			}
			_ = ss
			delete(sensors, ep)
		}
		sensors[1] = append(sensors[1], SensorFingerprint{Type: SensorSwitch, Endpoint: 1})

	case modelID == "TRADFRI remote control":
		// IKEA TRADFRI remote: mode ColorTemperature, set on the sensor
		// when createOrUpdateSensor creates it.
		for _, ss := range sensors {
			for i := range ss {
				ss[i].Type = SensorSwitch
			}
		}

	case modelID == "TRADFRI wireless dimmer":
		for _, ss := range sensors {
			for i := range ss {
				ss[i].Type = SensorSwitch
			}
		}

	case strings.HasPrefix(modelID, "RWL02"):
		// Hue dimmer switch: sensor endpoint pinned to 0x02, vendor cluster
		// injected into the fingerprint.
		if ss, ok := sensors[0x01]; ok {
			delete(sensors, 0x01)
			for i := range ss {
				ss[i].Endpoint = 0x02
				ss[i].InClusters = append(ss[i].InClusters, 0xFC00) // Philips vendor cluster
			}
			sensors[0x02] = append(sensors[0x02], ss...)
		}
	}
}

// VendorOverrideName applies the OSRAM/Heiman model-id-prefix vendor-name
// override spec §4.4 step 3 names.
func VendorOverrideName(modelID, defaultVendor string) string {
	switch {
	case strings.HasPrefix(modelID, "AB3"), strings.HasPrefix(modelID, "Classic"):
		return "OSRAM"
	case strings.HasPrefix(modelID, "SMOK_") || strings.HasPrefix(modelID, "PIR_") || strings.HasPrefix(modelID, "GAS_"):
		return "Heiman"
	default:
		return defaultVendor
	}
}

// SmartThingsBatteryVoltageToPercent scales the SmartThings arrival
// sensor's battery voltage (units of 0.1V, range 20..30) to a 0..100
// percentage, spec §4.4 step 3.
func SmartThingsBatteryVoltageToPercent(tenthsVolt uint16) uint8 {
	const lo, hi = 20, 30
	v := int(tenthsVolt)
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 100
	}
	return uint8((v - lo) * 100 / (hi - lo))
}
