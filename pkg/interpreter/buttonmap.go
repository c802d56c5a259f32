package interpreter

import (
	"strings"
	"sync"
	"time"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// ubisysEndpointRemap implements spec §4.6 step 1's "model-specific
// endpoint remap" fallback, used when a sensor can't be found at the
// indication's own source endpoint.
var ubisysEndpointRemap = map[string]uint8{
	"D1": 0x02,
	"C4": 0x01,
	"S2": 0x03,
}

const (
	levelCmdMove     = 0x01
	levelCmdStep     = 0x02
	levelCmdStop     = 0x03
	levelCmdMoveOnOff = 0x05
	levelCmdStepOnOff = 0x06

	ikeaSceneCmdStep  = 0x07
	ikeaSceneCmdMove  = 0x08
	ikeaSceneCmdReuse = 0x09

	colorCmdMoveToColorTemp = 0x0A
)

type captureKey struct {
	extAddr   uint64
	endpoint  uint8
	clusterID uint16
}

// ButtonEngine implements spec §4.6: sensor selection, group adoption,
// mode inference, the ButtonMap table walk, and the 500ms debounce.
type ButtonEngine struct {
	classifier *classifier.Classifier
	bus        *eventbus.Bus

	mu       sync.Mutex
	captured map[captureKey]uint8 // last direction byte, for move/step → stop matching
}

func NewButtonEngine(c *classifier.Classifier, bus *eventbus.Bus) *ButtonEngine {
	return &ButtonEngine{classifier: c, bus: bus, captured: make(map[captureKey]uint8)}
}

// HandleClusterCommand is the entry point for any cluster-specific (i.e.
// non-global) ZCL command arriving on an indication, spec §4.6's "any
// indication that targets a sensor".
func (be *ButtonEngine) HandleClusterCommand(extAddr uint64, ind aps.Indication, hdr zcl.Header, payload []byte, now time.Time) {
	s := be.resolveSensor(extAddr, ind.SrcEp, ind.ClusterID)
	if s == nil {
		return
	}

	be.adoptGroup(s, ind, now)
	be.ensureMode(s, ind.SrcEp, ind.ClusterID)

	var zclParam0 uint8
	if len(payload) > 0 {
		zclParam0 = payload[0]
	}

	row, ok := be.matchRow(s, extAddr, ind.SrcEp, ind.ClusterID, hdr.CommandID, zclParam0, payload)
	if !ok {
		return
	}

	be.fireButtonEvent(s, row.ButtonCode, now)
}

// resolveSensor implements spec §4.6 step 1: select by (extAddr,
// srcEndpoint), falling back to (extAddr) with a model-specific endpoint
// remap when nothing is tracked at the reported endpoint.
func (be *ButtonEngine) resolveSensor(extAddr uint64, endpoint uint8, clusterID uint16) *model.Sensor {
	for _, s := range be.classifier.SensorsByAddr(extAddr, endpoint) {
		if s.Fingerprint.HasInCluster(clusterID) || s.Type == string(classifier.SensorSwitch) {
			return s
		}
	}

	candidates := be.classifier.SensorsAtAddr(extAddr)
	for _, s := range candidates {
		remapped, ok := ubisysEndpointRemap[ubisysModelKey(s.ModelID)]
		if ok && remapped == s.Endpoint {
			return s
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return nil
}

func ubisysModelKey(modelID string) string {
	for _, prefix := range []string{"D1", "C4", "S2"} {
		if strings.HasPrefix(modelID, prefix) {
			return prefix
		}
	}
	return ""
}

// adoptGroup implements spec §4.6 step 2's group adoption: "the first time
// seen for this endpoint".
func (be *ButtonEngine) adoptGroup(s *model.Sensor, ind aps.Indication, now time.Time) {
	if ind.Dst.Mode != aps.AddressModeGroup || s.HasAdoptedGroup {
		return
	}
	s.AdoptedGroup = ind.Dst.NWK
	s.HasAdoptedGroup = true
}

// ensureMode infers the DE "Lighting Switch" mode once, spec §4.6 step 2.
func (be *ButtonEngine) ensureMode(s *model.Sensor, endpoint uint8, clusterID uint16) classifier.SensorMode {
	if s.Mode != "" {
		return classifier.SensorMode(s.Mode)
	}
	mode := classifier.InferMode(endpoint, clusterID)
	s.Mode = string(mode)
	return mode
}

// matchRow walks the sensor type's ButtonMap table (spec §4.6 step 3)
// applying the cluster-specific payload verification rules.
func (be *ButtonEngine) matchRow(s *model.Sensor, extAddr uint64, endpoint uint8, clusterID uint16, commandID uint8, zclParam0 uint8, payload []byte) (classifier.ButtonMapRow, bool) {
	rows := be.classifier.ButtonMapFor(s.Type)

	key := captureKey{extAddr, endpoint, clusterID}

	// IKEA non-standard scene commands 0x07/0x08 capture direction for a
	// later 0x09 to reuse, spec §4.6 step 3.
	if clusterID == zcl.ClusterScenes && (commandID == ikeaSceneCmdStep || commandID == ikeaSceneCmdMove) {
		be.mu.Lock()
		be.captured[key] = zclParam0
		be.mu.Unlock()
	}
	if clusterID == zcl.ClusterScenes && commandID == ikeaSceneCmdReuse {
		be.mu.Lock()
		dir, ok := be.captured[key]
		be.mu.Unlock()
		if !ok {
			return classifier.ButtonMapRow{}, false
		}
		zclParam0 = dir
	}

	// Level move/step captures direction for a later Stop command.
	switch {
	case clusterID == zcl.ClusterLevelControl && isLevelMoveOrStep(commandID):
		be.mu.Lock()
		be.captured[key] = zclParam0
		be.mu.Unlock()
	case clusterID == zcl.ClusterLevelControl && commandID == levelCmdStop:
		be.mu.Lock()
		dir, ok := be.captured[key]
		be.mu.Unlock()
		if ok {
			zclParam0 = dir
		}
	}

	// Scene recall requires zclParam0 == sceneId; the scene id is the
	// third payload byte (2-byte group id precedes it) when present.
	sceneZclParam0 := zclParam0
	if clusterID == zcl.ClusterScenes && len(payload) >= 3 {
		sceneZclParam0 = payload[2]
	}

	for _, row := range rows {
		if row.Mode != s.Mode || row.Endpoint != endpoint || row.ClusterID != clusterID || row.CommandID != commandID {
			continue
		}
		switch clusterID {
		case zcl.ClusterScenes:
			if row.ZCLParam0 != sceneZclParam0 {
				continue
			}
		case zcl.ClusterOnOff:
			if row.ZCLParam0 != 0 && row.ZCLParam0 != zclParam0 {
				continue
			}
		case zcl.ClusterColorControl:
			if commandID == colorCmdMoveToColorTemp && len(payload) >= 3 {
				be.mu.Lock()
				dir := be.captured[key]
				be.mu.Unlock()
				packed := colorTempKeyFromCapture(dir, payload[2])
				if uint16(row.ZCLParam0) != packed&0x00FF {
					continue
				}
			}
		}
		return row, true
	}
	return classifier.ButtonMapRow{}, false
}

func isLevelMoveOrStep(commandID uint8) bool {
	switch commandID {
	case levelCmdMove, levelCmdStep, levelCmdMoveOnOff, levelCmdStepOnOff:
		return true
	default:
		return false
	}
}

// colorTempKeyFromCapture packs the 16-bit key spec §4.6 step 3 describes
// for color move-to-color-temperature: (mode<<8)|rate, mode coming from
// the direction captured by a prior level/scene command on this endpoint.
func colorTempKeyFromCapture(direction, rate uint8) uint16 {
	return uint16(direction)<<8 | uint16(rate)
}

// fireButtonEvent implements spec §4.6 step 4: write state/buttonevent
// with the 500ms debounce, and for presence-capable sensors set
// state/presence to true. No timeout is scheduled to reset state/presence.
func (be *ButtonEngine) fireButtonEvent(s *model.Sensor, code int, now time.Time) {
	if s.ShouldDiscardButtonEvent(code, now) {
		return
	}
	s.RecordButtonEvent(code, now)

	s.AddItem(model.ItemDescriptor{Suffix: "state/buttonevent", DataType: model.DataTypeInt})
	if changed, item := s.Touch("state/buttonevent", model.IntValue(int64(code)), now); changed {
		be.bus.Publish(eventbus.ClientInterpreter, eventbus.Event{
			Prefix: eventbus.Prefix(s.Prefix), ResourceID: s.ID, Suffix: "state/buttonevent",
			Value: item.Value().Any(), ETag: s.ETag(),
		})
	}

	if s.Item("state/presence") != nil {
		s.AddItem(model.ItemDescriptor{Suffix: "state/presence", DataType: model.DataTypeBool})
		if changed, item := s.Touch("state/presence", model.BoolValue(true), now); changed {
			be.bus.Publish(eventbus.ClientInterpreter, eventbus.Event{
				Prefix: eventbus.Prefix(s.Prefix), ResourceID: s.ID, Suffix: "state/presence",
				Value: item.Value().Any(), ETag: s.ETag(),
			})
		}
		// state/presence stays true: nothing here or in pkg/gateway resets
		// it after config/duration.
	}
}
