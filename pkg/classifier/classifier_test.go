package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

func testWhitelist() *Whitelist {
	return &Whitelist{
		Entries: []WhitelistEntry{
			{ModelIDPrefix: "TRADFRI", VendorName: "IKEA"},
			{ModelIDPrefix: "lumi.", VendorName: "Xiaomi"},
		},
	}
}

func TestEligibleByModelIDPrefix(t *testing.T) {
	wl := testWhitelist()
	_, ok := wl.Eligible("TRADFRI bulb E27", 0, "")
	assert.True(t, ok)

	_, ok = wl.Eligible("some-unknown-device", 0, "")
	assert.False(t, ok)
}

func TestClassifyRejectsNonWhitelisted(t *testing.T) {
	c := New(testWhitelist(), eventbus.New())
	n := aps.NodeDescriptor{IEEE: 1, ReceiverOnIdle: true}
	err := c.Classify(n, "unknown-model", 0, "", time.Now())
	assert.ErrorIs(t, err, ErrNotWhitelisted)
}

func TestClassifyCreatesLightOnOnOffEndpoint(t *testing.T) {
	c := New(testWhitelist(), eventbus.New())
	n := aps.NodeDescriptor{
		IEEE:           0x00124b0001a2b3c4,
		ReceiverOnIdle: true,
		ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{
			{Endpoint: 1, ProfileID: zcl.ProfileHA, DeviceID: zcl.DeviceIDOnOffLight, InClusters: []uint16{zcl.ClusterOnOff}},
		},
	}

	err := c.Classify(n, "TRADFRI bulb E27", 0, "", time.Now())
	assert.NoError(t, err)
	assert.Len(t, c.Lights(), 1)
	assert.True(t, c.Lights()[0].Reachable())
}

func TestSmartThingsBatteryVoltageScaling(t *testing.T) {
	assert.EqualValues(t, 0, SmartThingsBatteryVoltageToPercent(20))
	assert.EqualValues(t, 100, SmartThingsBatteryVoltageToPercent(30))
	assert.EqualValues(t, 50, SmartThingsBatteryVoltageToPercent(25))
}

func TestInferModeFromEndpointAndCluster(t *testing.T) {
	assert.Equal(t, ModeTwoGroups, InferMode(0x02, 0x0000))
	assert.Equal(t, ModeScenes, InferMode(0x01, 0x0005))
	assert.Equal(t, ModeColorTemperature, InferMode(0x01, 0x0300))
}
