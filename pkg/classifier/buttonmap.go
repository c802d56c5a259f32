package classifier

// ButtonMapRow is one row of a sensor type's button-map table, spec §4.6:
// "(mode, endpoint, clusterId, commandId, zclParam0, buttonCode, name)".
// The table itself lives in the whitelist document as data, loaded by
// LoadWhitelist; pkg/interpreter walks it to resolve indications into
// button codes.
type ButtonMapRow struct {
	Mode      string `json:"mode"`
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"clusterId"`
	CommandID uint8  `json:"commandId"`
	ZCLParam0 uint8  `json:"zclParam0"`
	ButtonCode int   `json:"buttonCode"`
	Name      string `json:"name"`
}

// SensorMode is the "DE Lighting Switch" mode inferred for a sensor, spec
// §4.6 step 2.
type SensorMode string

const (
	ModeTwoGroups       SensorMode = "TwoGroups"
	ModeScenes          SensorMode = "Scenes"
	ModeColorTemperature SensorMode = "ColorTemperature"
	ModeDimmer          SensorMode = "Dimmer"
	ModeColorLoop       SensorMode = "ColorLoop"
)

// InferMode derives a sensor's lighting-switch mode from its endpoint and
// cluster, spec §4.6 step 2: "ep 2 ⇒ TwoGroups, scene cluster ⇒ Scenes,
// color cluster ⇒ ColorTemperature".
func InferMode(endpoint uint8, clusterID uint16) SensorMode {
	switch {
	case endpoint == 0x02:
		return ModeTwoGroups
	case clusterID == 0x0005: // Scenes
		return ModeScenes
	case clusterID == 0x0300: // Color Control
		return ModeColorTemperature
	default:
		return ModeDimmer
	}
}
