package model

import "time"

// GroupState is the lifecycle state of a Group, spec §3.
type GroupState int

const (
	GroupStateNormal GroupState = iota
	GroupStateDeleted
	GroupStateDeleteFromDB
)

// AllGroupAddress is the synthetic group 0, always present.
const AllGroupAddress uint16 = 0x0000

// Group is the address/name/membership/scene resource described in spec
// §3. The scene list is ordered; device-membership tracks sensors that
// own the group (created it via switch behaviour), not lights.
type Group struct {
	*Resource

	Address uint16
	Name    string
	State   GroupState

	// DeviceMembers are sensor ids that own this group (created it by
	// acting as a switch), per spec §3/§4.10.
	DeviceMembers map[string]struct{}

	Scenes []*Scene
}

// NewGroup allocates a Group resource for the given address.
func NewGroup(address uint16, name string) *Group {
	id := formatGroupID(address)
	g := &Group{
		Resource:      NewResource(PrefixGroups, id),
		Address:       address,
		Name:          name,
		DeviceMembers: make(map[string]struct{}),
	}
	g.AddItem(ItemDescriptor{Suffix: SuffixStateOn, DataType: DataTypeBool})
	return g
}

func formatGroupID(address uint16) string {
	return uintToDecimalString(uint64(address))
}

func uintToDecimalString(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// SceneByID returns the scene with sceneID, or nil.
func (g *Group) SceneByID(sceneID uint8) *Scene {
	for _, s := range g.Scenes {
		if s.SceneID == sceneID {
			return s
		}
	}
	return nil
}

// AddScene appends a new scene if one with sceneID doesn't already exist,
// returning the (possibly pre-existing) scene — idempotent like the
// resource item adders.
func (g *Group) AddScene(sceneID uint8, name string) *Scene {
	if s := g.SceneByID(sceneID); s != nil {
		return s
	}
	s := &Scene{GroupAddress: g.Address, SceneID: sceneID, Name: name}
	g.Scenes = append(g.Scenes, s)
	return s
}

// RemoveScene deletes the scene with sceneID from the group's scene list.
func (g *Group) RemoveScene(sceneID uint8) {
	for i, s := range g.Scenes {
		if s.SceneID == sceneID {
			g.Scenes = append(g.Scenes[:i], g.Scenes[i+1:]...)
			return
		}
	}
}

// GroupMembership is the per-light-per-group membership state, spec §3
// "GroupInfo".
type GroupMembership int

const (
	GroupMembershipInGroup GroupMembership = iota
	GroupMembershipNotInGroup
)

// GroupAction is a pending-action bitmask for a GroupInfo.
type GroupAction uint8

const (
	ActionNone            GroupAction = 0
	ActionAddToGroup      GroupAction = 1 << 0
	ActionRemoveFromGroup GroupAction = 1 << 1
)

// GroupInfo is the per-light, per-group bookkeeping record from spec §3:
// membership state, pending actions, and the three scene work queues.
type GroupInfo struct {
	GroupAddress uint16
	State        GroupMembership
	Actions      GroupAction

	AddScenes    []uint8
	RemoveScenes []uint8
	ModifyScenes []uint8

	RetryCount int

	LastVerified time.Time
}

// NewGroupInfo constructs a fresh membership record, defaulting to
// NotInGroup until a membership response says otherwise.
func NewGroupInfo(groupAddress uint16) *GroupInfo {
	return &GroupInfo{GroupAddress: groupAddress, State: GroupMembershipNotInGroup}
}

// QueueAddScene enqueues sceneID for an AddScene follow-up, deduping.
func (gi *GroupInfo) QueueAddScene(sceneID uint8) {
	gi.AddScenes = appendUnique(gi.AddScenes, sceneID)
}

// QueueRemoveScene enqueues sceneID for a RemoveScene follow-up, deduping.
func (gi *GroupInfo) QueueRemoveScene(sceneID uint8) {
	gi.RemoveScenes = appendUnique(gi.RemoveScenes, sceneID)
}

// QueueModifyScene enqueues sceneID for a modify (store) follow-up.
func (gi *GroupInfo) QueueModifyScene(sceneID uint8) {
	gi.ModifyScenes = appendUnique(gi.ModifyScenes, sceneID)
}

func appendUnique(list []uint8, v uint8) []uint8 {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeFromList(list []uint8, v uint8) []uint8 {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// PopAddScene removes and returns the next queued add-scene id, if any.
func (gi *GroupInfo) PopAddScene() (uint8, bool) {
	if len(gi.AddScenes) == 0 {
		return 0, false
	}
	id := gi.AddScenes[0]
	gi.AddScenes = gi.AddScenes[1:]
	return id, true
}

// CompleteRemoveScene removes sceneID from the removeScenes queue once
// the removal has been confirmed.
func (gi *GroupInfo) CompleteRemoveScene(sceneID uint8) {
	gi.RemoveScenes = removeFromList(gi.RemoveScenes, sceneID)
}
