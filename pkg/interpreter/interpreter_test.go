package interpreter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

func newTestClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	wl := &classifier.Whitelist{
		Entries: []classifier.WhitelistEntry{
			{ModelIDPrefix: "TRADFRI", VendorName: "IKEA"},
			{ModelIDPrefix: "lumi.", VendorName: "Xiaomi"},
		},
	}
	return classifier.New(wl, eventbus.New())
}

func lightIndication(extAddr uint64, endpoint uint8) aps.NodeDescriptor {
	return aps.NodeDescriptor{
		IEEE:            extAddr,
		ReceiverOnIdle:  true,
		ActiveEndpoints: []uint8{endpoint},
		Endpoints: []aps.SimpleDescriptor{
			{Endpoint: endpoint, ProfileID: zcl.ProfileHA, DeviceID: zcl.DeviceIDDimmableLight,
				InClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl, zcl.ClusterColorControl}},
		},
	}
}

func TestDispatchOnOffReportUpdatesLightState(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	require.NoError(t, c.Classify(lightIndication(1, 1), "TRADFRI bulb E27", 0, "", now))

	ip := New(c, eventbus.New(), DefaultConfig())

	report := []byte{0x00, 0x00, byte(zcl.TypeBool), 0x01} // attrID 0x0000, bool, true
	frame := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeGlobal, CommandID: zcl.CmdReportAttributes}, report)

	ip.Dispatch(aps.Indication{
		Src:       aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1},
		SrcEp:     1,
		ClusterID: zcl.ClusterOnOff,
		ASDU:      frame,
	}, now)

	l := c.LightByAddr(1, 1)
	require.NotNil(t, l)
	assert.True(t, l.Item("state/on").ToBool())
}

func TestApplyColorModeForcedToCTWhenCapabilitiesCTOnly(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	require.NoError(t, c.Classify(lightIndication(2, 1), "TRADFRI bulb GU10", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	l := c.LightByAddr(2, 1)
	require.NotNil(t, l)
	l.AddColorItems()

	ip.applyColor(2, 1, zcl.AttributeReport{AttrID: attrColorCapabilities, Value: zcl.Numeric{Uint: 0x0010}}, now)
	ip.applyColor(2, 1, zcl.AttributeReport{AttrID: attrColorMode, Value: zcl.Numeric{Uint: 1}}, now) // would map to "xy"

	assert.Equal(t, "ct", l.Item("state/colormode").ToString())
}

func TestApplyIlluminanceLogScaleAndThresholds(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 3, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, InClusters: []uint16{zcl.ClusterIlluminance}}},
	}
	require.NoError(t, c.Classify(n, "lumi.sensor_light", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	ip.applyIlluminance(3, 1, zcl.AttributeReport{AttrID: attrIlluminanceMeasured, Value: zcl.Numeric{Uint: 10001}}, now)

	s := c.SensorByAddrAndType(3, 1, string(classifier.SensorIlluminance))
	require.NotNil(t, s)
	assert.EqualValues(t, 10, s.Item("state/lux").ToUint())
	assert.True(t, s.Item("state/dark").ToBool(), "raw below config/tholddark default (12000) is dark")
}

func TestApplyIlluminanceInvalidReadingLeavesLuxUntouched(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 4, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, InClusters: []uint16{zcl.ClusterIlluminance}}},
	}
	require.NoError(t, c.Classify(n, "lumi.sensor_light", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	ip.applyIlluminance(4, 1, zcl.AttributeReport{AttrID: attrIlluminanceMeasured, Value: zcl.Numeric{Uint: 0xFFFF}}, now)

	s := c.SensorByAddrAndType(4, 1, string(classifier.SensorIlluminance))
	require.NotNil(t, s)
	lux := s.Item("state/lux")
	require.NotNil(t, lux)
	assert.True(t, lux.LastSet.IsZero(), "an invalid reading must not write state/lux")
}

func TestApplyHumidityClampsToRange(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 5, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, InClusters: []uint16{zcl.ClusterHumidity}}},
	}
	require.NoError(t, c.Classify(n, "lumi.weather", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	ip.applyHumidity(5, 1, zcl.AttributeReport{AttrID: attrHumidityMeasured, Value: zcl.Numeric{Uint: uint64(uint16(11000))}}, now)

	s := c.SensorByAddrAndType(5, 1, string(classifier.SensorHumidity))
	require.NotNil(t, s)
	assert.EqualValues(t, 10000, s.Item("state/humidity").ToInt())
}

func TestApplyXiaomiSpecialReportExtractsBatteryVoltage(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 6, ReceiverOnIdle: false, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{
			Endpoint: 1, ProfileID: zcl.ProfileHA,
			InClusters: []uint16{zcl.ClusterOccupancy, zcl.ClusterXiaomiLumi},
		}},
	}
	require.NoError(t, c.Classify(n, "lumi.sensor_motion", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	// tag 0x01, type uint16, value 3000 millivolts (100%)
	payload := []byte{0x01, byte(zcl.TypeUint16), 0xB8, 0x0B}
	ip.applyXiaomiSpecialReport(6, 1, zcl.AttributeReport{AttrID: xiaomiAttrSpecialReport, Value: zcl.Numeric{Bytes: payload}}, now)

	s := c.SensorByAddrAndType(6, 1, string(classifier.SensorOccupancy))
	require.NotNil(t, s)
	assert.EqualValues(t, 100, s.Item("config/battery").ToUint())
}

func TestApplyXiaomiSpecialReportScalesBatteryOverNarrowRange(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 8, ReceiverOnIdle: false, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{
			Endpoint: 1, ProfileID: zcl.ProfileHA,
			InClusters: []uint16{zcl.ClusterOccupancy, zcl.ClusterXiaomiLumi},
		}},
	}
	require.NoError(t, c.Classify(n, "lumi.sensor_motion", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	// tag 0x01, type uint16, value 2900 millivolts -> 66% over [2700..3000]
	payload := []byte{0x01, byte(zcl.TypeUint16), 0x54, 0x0B}
	ip.applyXiaomiSpecialReport(8, 1, zcl.AttributeReport{AttrID: xiaomiAttrSpecialReport, Value: zcl.Numeric{Bytes: payload}}, now)

	s := c.SensorByAddrAndType(8, 1, string(classifier.SensorOccupancy))
	require.NotNil(t, s)
	assert.EqualValues(t, 66, s.Item("config/battery").ToUint())
}

func TestApplyXiaomiSpecialReportDecodesTemperatureAndHumidity(t *testing.T) {
	c := newTestClassifier(t)
	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 9, ReceiverOnIdle: false, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{
			Endpoint: 1, ProfileID: zcl.ProfileHA,
			InClusters: []uint16{zcl.ClusterOccupancy, zcl.ClusterXiaomiLumi},
		}},
	}
	require.NoError(t, c.Classify(n, "lumi.weather", 0, "", now))
	ip := New(c, eventbus.New(), DefaultConfig())

	// tag 0x01 u16=2900 (battery mV), tag 0x03 i8=22 (°C), tag 0x65 u16=4800 (humidity centi-%)
	payload := []byte{
		0x01, byte(zcl.TypeUint16), 0x54, 0x0B,
		0x03, byte(zcl.TypeInt8), 22,
		0x65, byte(zcl.TypeUint16), 0xC0, 0x12,
	}
	ip.applyXiaomiSpecialReport(9, 1, zcl.AttributeReport{AttrID: xiaomiAttrSpecialReport, Value: zcl.Numeric{Bytes: payload}}, now)

	s := c.SensorByAddrAndType(9, 1, string(classifier.SensorOccupancy))
	require.NotNil(t, s)
	assert.EqualValues(t, 66, s.Item("config/battery").ToUint())
	assert.EqualValues(t, 2200, s.Item("state/temperature").ToInt())
	assert.EqualValues(t, 4800, s.Item("state/humidity").ToInt())
}

func TestButtonEventDebounce(t *testing.T) {
	c := newTestClassifier(t)
	bus := eventbus.New()
	be := NewButtonEngine(c, bus)

	now := time.Now()
	n := aps.NodeDescriptor{
		IEEE: 7, ReceiverOnIdle: false, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{
			Endpoint: 1, ProfileID: zcl.ProfileHA,
			InClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterOccupancy},
		}},
	}
	require.NoError(t, c.Classify(n, "TRADFRI remote control", 0, "", now))

	s := c.SensorByAddrAndType(7, 1, string(classifier.SensorSwitch))
	require.NotNil(t, s)

	be.fireButtonEvent(s, 1002, now)
	assert.EqualValues(t, 1002, s.Item("state/buttonevent").ToInt())

	before := s.Item("state/buttonevent").LastChanged
	be.fireButtonEvent(s, 1002, now.Add(100*time.Millisecond))
	assert.Equal(t, before, s.Item("state/buttonevent").LastChanged, "same code within 500ms must be discarded")

	be.fireButtonEvent(s, 1003, now.Add(600*time.Millisecond))
	assert.EqualValues(t, 1003, s.Item("state/buttonevent").ToInt())
}

func TestBatteryPercentFromMillivoltsClamps(t *testing.T) {
	assert.EqualValues(t, 0, batteryPercentFromMillivolts(1900))
	assert.EqualValues(t, 100, batteryPercentFromMillivolts(3100))
	assert.EqualValues(t, 0, batteryPercentFromMillivolts(2500))
}
