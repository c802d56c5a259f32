package zcl

// Cluster IDs used across classification, interpretation, and polling.
// Only the clusters spec §4.4/§4.5/§4.8 names are enumerated.
const (
	ClusterBasic            uint16 = 0x0000
	ClusterPowerConfig      uint16 = 0x0001
	ClusterIdentify         uint16 = 0x0003
	ClusterGroups           uint16 = 0x0004
	ClusterScenes           uint16 = 0x0005
	ClusterOnOff            uint16 = 0x0006
	ClusterLevelControl     uint16 = 0x0008
	ClusterDoorLock         uint16 = 0x0101
	ClusterColorControl     uint16 = 0x0300
	ClusterIlluminance      uint16 = 0x0400
	ClusterTemperature      uint16 = 0x0402
	ClusterPressure         uint16 = 0x0403
	ClusterHumidity         uint16 = 0x0405
	ClusterOccupancy        uint16 = 0x0406
	ClusterIASZone          uint16 = 0x0500
	ClusterMetering         uint16 = 0x0702
	ClusterElectricalMeas   uint16 = 0x0B04
	ClusterAnalogInput      uint16 = 0x000C
	ClusterMultistateInput  uint16 = 0x0012
	ClusterThermostat       uint16 = 0x0201

	// Vendor-specific / manufacturer clusters.
	ClusterXiaomiLumi uint16 = 0xFCC0
)

// HA profile id.
const ProfileHA uint16 = 0x0104

// Device ids (simple descriptor DeviceID field) relevant to light
// classification, spec §4.4 step 2 "accepted device id".
const (
	DeviceIDOnOffLight       uint16 = 0x0000
	DeviceIDDimmableLight    uint16 = 0x0100
	DeviceIDColorLight       uint16 = 0x0102
	DeviceIDExtendedColor    uint16 = 0x010D
	DeviceIDOnOffPlugUnit    uint16 = 0x0010
	DeviceIDSmartPlug        uint16 = 0x0051
)
