package model

import "time"

// LightNodeState is the lifecycle state of a LightNode.
type LightNodeState int

const (
	LightNodeStateNormal LightNodeState = iota
	LightNodeStateDeleted
)

// Item suffixes used by LightNode, per spec §3.
const (
	SuffixStateReachable       = "state/reachable"
	SuffixStateOn              = "state/on"
	SuffixStateBri             = "state/bri"
	SuffixStateX               = "state/x"
	SuffixStateY               = "state/y"
	SuffixStateHue             = "state/hue"
	SuffixStateSat             = "state/sat"
	SuffixStateCT              = "state/ct"
	SuffixStateColorMode       = "state/colormode"
	SuffixConfigColorCaps      = "config/colorcapabilities"
	SuffixConfigCTMin          = "config/ctmin"
	SuffixConfigCTMax          = "config/ctmax"
	SuffixStateLastUpdated     = "state/lastupdated"
	SuffixStateAlert           = "state/alert"
	SuffixStateColorLoopActive = "state/colorloopactive"
	SuffixStateColorLoopTime   = "state/colorlooptime"
)

// HAEndpointDescriptor mirrors a ZDP simple descriptor: the endpoint's
// profile, device id, and in/out cluster lists.
type HAEndpointDescriptor struct {
	Endpoint   uint8
	ProfileID  uint16
	DeviceID   uint16
	InClusters []uint16
	OutClusters []uint16
}

// HasInCluster reports whether clusterID is present in the endpoint's
// in-cluster list.
func (d HAEndpointDescriptor) HasInCluster(clusterID uint16) bool {
	for _, c := range d.InClusters {
		if c == clusterID {
			return true
		}
	}
	return false
}

// LightNode is a Resource keyed by (extAddr, endpoint): spec §3.
type LightNode struct {
	*Resource

	ExtAddr          uint64
	Endpoint         uint8
	ManufacturerCode uint16
	Manufacturer     string
	ModelID          string
	SWVersion        string
	HAEndpoint       HAEndpointDescriptor

	State LightNodeState

	// Group membership, keyed by group address.
	Groups map[uint16]*GroupInfo

	// Cached ZCL numeric values, keyed by (clusterID, attrID).
	values map[zclValueKey]*NodeValue
}

type zclValueKey struct {
	Cluster uint16
	Attr    uint16
}

// NewLightNode seeds the default item set for a light, per spec §3's
// "essential attributes" list.
func NewLightNode(extAddr uint64, endpoint uint8) *LightNode {
	id := UniqueID(extAddr, endpoint, nil)
	l := &LightNode{
		Resource: NewResource(PrefixLights, id),
		ExtAddr:  extAddr,
		Endpoint: endpoint,
		Groups:   make(map[uint16]*GroupInfo),
		values:   make(map[zclValueKey]*NodeValue),
	}
	l.seedItems()
	return l
}

func (l *LightNode) seedItems() {
	l.AddItem(ItemDescriptor{Suffix: SuffixStateReachable, DataType: DataTypeBool})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateOn, DataType: DataTypeBool})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateBri, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateLastUpdated, DataType: DataTypeTimestamp})
}

// AddColorItems lazily adds the optional color items; idempotent per the
// adder contract (spec §3 "Items are created lazily by adders that are
// idempotent").
func (l *LightNode) AddColorItems() {
	l.AddItem(ItemDescriptor{Suffix: SuffixStateX, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateY, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateHue, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateSat, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateCT, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixStateColorMode, DataType: DataTypeString})
	l.AddItem(ItemDescriptor{Suffix: SuffixConfigColorCaps, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixConfigCTMin, DataType: DataTypeUint})
	l.AddItem(ItemDescriptor{Suffix: SuffixConfigCTMax, DataType: DataTypeUint})
}

// GetZclValue returns the cached NodeValue for (clusterID, attrID),
// creating an empty one on first access — mirrors the teacher adapter's
// getZclValue convention (urmzd/homai pkg/zigbee) generalized to a map
// keyed by cluster+attribute rather than a single on/off+level pair.
func (l *LightNode) GetZclValue(clusterID, attrID uint16) *NodeValue {
	key := zclValueKey{clusterID, attrID}
	v, ok := l.values[key]
	if !ok {
		v = &NodeValue{Cluster: clusterID, Attribute: attrID}
		l.values[key] = v
	}
	return v
}

// SetReachable updates state/reachable and returns whether it changed.
func (l *LightNode) SetReachable(reachable bool, now time.Time) bool {
	changed, _ := l.Touch(SuffixStateReachable, BoolValue(reachable), now)
	return changed
}

// Reachable returns the current state/reachable value.
func (l *LightNode) Reachable() bool {
	item := l.Item(SuffixStateReachable)
	return item != nil && item.ToBool()
}

// ID returns the light's unique id (mac:ep-cluster format, no cluster
// suffix for a LightNode since it's keyed by extAddr+endpoint only).
func (l *LightNode) ID() string { return l.Resource.ID }
