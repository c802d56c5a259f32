package classifier

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// ErrNotWhitelisted is returned by Classify when a node matches no
// whitelist entry, spec §4.4 step 1.
var ErrNotWhitelisted = errors.New("classifier: device not in whitelist")

// Classifier owns the light/sensor resource tables and applies spec §4.4
// on every ZDP update.
type Classifier struct {
	mu sync.RWMutex

	whitelist *Whitelist
	lightIDs  *model.IDAllocator
	sensorIDs *model.IDAllocator

	lights  map[string]*model.LightNode // keyed by unique id
	sensors map[string]*model.Sensor

	bus *eventbus.Bus

	// SearchActive mirrors the gateway-wide "discovery window open" flag
	// consulted by the resurrect rule, spec §4.4 step 4.
	SearchActive  bool
	JoinPermitted bool
}

// New constructs a Classifier against an already-loaded whitelist.
func New(wl *Whitelist, bus *eventbus.Bus) *Classifier {
	return &Classifier{
		whitelist: wl,
		lightIDs:  model.NewIDAllocator(),
		sensorIDs: model.NewIDAllocator(),
		lights:    make(map[string]*model.LightNode),
		sensors:   make(map[string]*model.Sensor),
		bus:       bus,
	}
}

// Lights returns a snapshot slice of tracked lights.
func (c *Classifier) Lights() []*model.LightNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.LightNode, 0, len(c.lights))
	for _, l := range c.lights {
		out = append(out, l)
	}
	return out
}

// Sensors returns a snapshot slice of tracked sensors.
func (c *Classifier) Sensors() []*model.Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Sensor, 0, len(c.sensors))
	for _, s := range c.sensors {
		out = append(out, s)
	}
	return out
}

// LightByAddr looks up a light by (extAddr, endpoint), the dispatch key
// the interpreter and poll engine use to route an incoming indication.
func (c *Classifier) LightByAddr(extAddr uint64, endpoint uint8) *model.LightNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lights[model.UniqueID(extAddr, endpoint, nil)]
}

// SensorsByAddr returns every sensor fingerprint rooted at (extAddr,
// endpoint) — a single endpoint can yield more than one sensor type.
func (c *Classifier) SensorsByAddr(extAddr uint64, endpoint uint8) []*model.Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prefix := model.UniqueID(extAddr, endpoint, nil) + "-"
	var out []*model.Sensor
	for id, s := range c.sensors {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, s)
		}
	}
	return out
}

// SensorByAddrAndType looks up one specific sensor type at (extAddr,
// endpoint), used by the button-map walk once a sensor type is known.
func (c *Classifier) SensorByAddrAndType(extAddr uint64, endpoint uint8, sensorType string) *model.Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sensors[model.UniqueID(extAddr, endpoint, nil)+"-"+sensorType]
}

// SensorsAtAddr returns every tracked sensor for an extended address,
// regardless of endpoint — used by the button-map fallback lookup
// (extAddr) with model-specific endpoint remap, spec §4.6 step 1.
func (c *Classifier) SensorsAtAddr(extAddr uint64) []*model.Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*model.Sensor
	for _, s := range c.sensors {
		if s.ExtAddr == extAddr {
			out = append(out, s)
		}
	}
	return out
}

// ButtonMapFor returns the button-map table rows for a sensor type, spec
// §4.6's "pointer-to-table of ButtonMap rows" per known sensor type.
func (c *Classifier) ButtonMapFor(sensorType string) []ButtonMapRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.whitelist == nil {
		return nil
	}
	return c.whitelist.ButtonMaps[sensorType]
}

// Classify runs spec §4.4's full pipeline against one node's current ZDP
// snapshot: whitelist gate, endpoint scan, vendor quirks, create/update,
// and an initial reachability stamp.
func (c *Classifier) Classify(n aps.NodeDescriptor, modelID string, vendorCode uint16, macPrefix string, now time.Time) error {
	entry, ok := c.whitelist.Eligible(modelID, vendorCode, macPrefix)
	if !ok {
		return fmt.Errorf("%w: model=%q vendor=0x%04X mac=%s", ErrNotWhitelisted, modelID, vendorCode, macPrefix)
	}

	lightsByEP := make(map[uint8]*LightFingerprint)
	sensorsByEP := make(map[uint8][]SensorFingerprint)

	for _, ep := range n.Endpoints {
		l, ss := ScanEndpoint(ep)
		if l != nil {
			lightsByEP[ep.Endpoint] = l
		}
		if len(ss) > 0 {
			sensorsByEP[ep.Endpoint] = ss
		}
	}

	ApplyVendorQuirks(modelID, lightsByEP, sensorsByEP)

	vendorName := VendorOverrideName(modelID, entry.VendorName)

	c.mu.Lock()
	defer c.mu.Unlock()

	for ep, lfp := range lightsByEP {
		c.createOrUpdateLight(n.IEEE, ep, lfp, modelID, vendorName, now)
	}
	for ep, sfps := range sensorsByEP {
		for _, sfp := range sfps {
			c.createOrUpdateSensor(n.IEEE, ep, sfp, modelID, vendorName, now)
		}
	}

	c.updateReachabilityLocked(n, now)
	return nil
}

func (c *Classifier) createOrUpdateLight(extAddr uint64, endpoint uint8, fp *LightFingerprint, modelID, vendor string, now time.Time) {
	id := model.UniqueID(extAddr, endpoint, nil)

	if existing, ok := c.lights[id]; ok {
		if existing.State == model.LightNodeStateDeleted {
			if !c.SearchActive && !c.JoinPermitted {
				return // not resurrecting outside a discovery window
			}
			existing.State = model.LightNodeStateNormal
			log.Info().Str("light", id).Msg("resurrected deleted light")
		}
		existing.ModelID = modelID
		existing.Manufacturer = vendor
		existing.HAEndpoint = model.HAEndpointDescriptor{
			Endpoint: endpoint, ProfileID: zcl.ProfileHA,
			InClusters: fp.InClusters, OutClusters: fp.OutClusters,
		}
		return
	}

	l := model.NewLightNode(extAddr, endpoint)
	l.ModelID = modelID
	l.Manufacturer = vendor
	l.HAEndpoint = model.HAEndpointDescriptor{
		Endpoint: endpoint, ProfileID: zcl.ProfileHA,
		InClusters: fp.InClusters, OutClusters: fp.OutClusters,
	}
	l.SetReachable(true, now)
	c.lightIDs.Next()
	c.lights[id] = l

	c.bus.Publish(eventbus.ClientClassifier, eventbus.Event{
		Prefix: eventbus.Prefix(model.PrefixLights), ResourceID: id, Suffix: "created", ETag: l.ETag(),
	})
}

func (c *Classifier) createOrUpdateSensor(extAddr uint64, endpoint uint8, fp SensorFingerprint, modelID, vendor string, now time.Time) {
	modelFp := model.SensorFingerprint{
		Endpoint: endpoint, ProfileID: zcl.ProfileHA,
		InClusters: fp.InClusters, OutClusters: fp.OutClusters,
	}
	id := model.UniqueID(extAddr, endpoint, nil) + "-" + string(fp.Type)

	if existing, ok := c.sensors[id]; ok {
		if existing.DeletedState == model.SensorStateDeleted {
			if !c.SearchActive && !c.JoinPermitted {
				return
			}
			existing.DeletedState = model.SensorStateNormal
			log.Info().Str("sensor", id).Msg("resurrected deleted sensor")
		}
		existing.ModelID = modelID
		existing.Manufacturer = vendor
		existing.Fingerprint = modelFp
		return
	}

	s := model.NewSensor(extAddr, endpoint, string(fp.Type), modelFp)
	s.ModelID = modelID
	s.Manufacturer = vendor
	if modelID == "TRADFRI remote control" {
		s.Mode = string(ModeColorTemperature)
	}
	s.SetReachable(true, now)
	c.sensorIDs.Next()
	c.sensors[id] = s

	c.bus.Publish(eventbus.ClientClassifier, eventbus.Event{
		Prefix: eventbus.Prefix(model.PrefixSensors), ResourceID: id, Suffix: "created", ETag: s.ETag(),
	})
}

// updateReachabilityLocked applies spec §4.4 step 5's reachability rule:
// "(a) end-device has received a message in the last 24 hours, or (b)
// router is not marked zombie and its active-endpoints include the sensor
// endpoint and all fingerprint clusters are present". Caller holds c.mu.
func (c *Classifier) updateReachabilityLocked(n aps.NodeDescriptor, now time.Time) {
	for id, l := range c.lights {
		if l.ExtAddr != n.IEEE {
			continue
		}
		reachable := c.computeReachable(n, l.Endpoint, l.HAEndpoint.InClusters, now)
		if l.SetReachable(reachable, now) {
			c.bus.Publish(eventbus.ClientClassifier, eventbus.Event{
				Prefix: eventbus.Prefix(model.PrefixLights), ResourceID: id, Suffix: model.SuffixStateReachable,
				Value: reachable, ETag: l.ETag(),
			})
		}
	}
	for id, s := range c.sensors {
		if s.ExtAddr != n.IEEE {
			continue
		}
		reachable := c.computeReachable(n, s.Endpoint, s.Fingerprint.InClusters, now)
		if s.SetReachable(reachable, now) {
			c.bus.Publish(eventbus.ClientClassifier, eventbus.Event{
				Prefix: eventbus.Prefix(model.PrefixSensors), ResourceID: id, Suffix: "config/reachable",
				Value: reachable, ETag: s.ETag(),
			})
		}
	}
}

func (c *Classifier) computeReachable(n aps.NodeDescriptor, endpoint uint8, fingerprintClusters []uint16, now time.Time) bool {
	if !n.ReceiverOnIdle {
		// End device: reachability tracked by last-message timestamp
		// elsewhere (pkg/gateway stamps it on every indication); here we
		// only downgrade on zombie.
		return !n.Zombie
	}

	if n.Zombie {
		return false
	}
	activeHas := false
	for _, ae := range n.ActiveEndpoints {
		if ae == endpoint {
			activeHas = true
			break
		}
	}
	if !activeHas {
		return false
	}

	var epClusters []uint16
	for _, ep := range n.Endpoints {
		if ep.Endpoint == endpoint {
			epClusters = ep.InClusters
			break
		}
	}
	for _, want := range fingerprintClusters {
		if !hasCluster(epClusters, want) {
			return false
		}
	}
	return true
}
