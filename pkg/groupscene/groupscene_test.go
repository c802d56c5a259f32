package groupscene

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/task"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

type fakeEnqueuer struct {
	items []*task.Item
}

func (f *fakeEnqueuer) Enqueue(it *task.Item, now time.Time) bool {
	f.items = append(f.items, it)
	return true
}

func newTestLight(t *testing.T, c *classifier.Classifier, ieee uint64, now time.Time) *model.LightNode {
	t.Helper()
	require.NoError(t, c.Classify(aps.NodeDescriptor{
		IEEE: ieee, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, DeviceID: 0x0100, InClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterGroups, zcl.ClusterScenes}}},
	}, "TestBulb", 0, "", now))
	l := c.LightByAddr(ieee, 1)
	require.NotNil(t, l)
	return l
}

func newTestClassifier() *classifier.Classifier {
	return classifier.New(&classifier.Whitelist{Entries: []classifier.WhitelistEntry{{ModelIDPrefix: "TestBulb"}}}, eventbus.New())
}

func TestReconcileMembershipMarksReportedGroupsInGroup(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 1, now)

	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), DefaultConfig())

	e.ReconcileMembership(l, []uint16{5}, now)

	gi, ok := l.Groups[5]
	require.True(t, ok)
	assert.Equal(t, model.GroupMembershipInGroup, gi.State)
	assert.Equal(t, model.ActionNone, gi.Actions)
}

func TestReconcileMembershipSchedulesAddForMissingGroup(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 2, now)
	l.Groups[9] = model.NewGroupInfo(9)
	l.Groups[9].State = model.GroupMembershipInGroup

	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), DefaultConfig())

	e.ReconcileMembership(l, nil, now)

	gi := l.Groups[9]
	assert.True(t, gi.Actions&model.ActionAddToGroup != 0, "group missing from the response should be scheduled for re-add")
}

func TestReconcileMembershipFlipsSwitchOwnedGroupToNotInGroup(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 3, now)
	l.Groups[11] = model.NewGroupInfo(11)
	l.Groups[11].State = model.GroupMembershipInGroup

	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), DefaultConfig())
	g := e.EnsureGroup(11, "switch-owned")
	g.DeviceMembers["some-switch"] = struct{}{}

	e.ReconcileMembership(l, nil, now)

	gi := l.Groups[11]
	assert.Equal(t, model.GroupMembershipNotInGroup, gi.State)
	assert.Equal(t, model.ActionNone, gi.Actions)
}

func TestTickStoresSceneFromAddScenesQueue(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 4, now)
	l.Groups[1] = model.NewGroupInfo(1)
	l.Groups[1].QueueAddScene(3)
	l.Touch(model.SuffixStateOn, model.BoolValue(true), now)

	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), DefaultConfig())

	e.Tick(now)

	require.Len(t, enq.items, 2)
	assert.Equal(t, zcl.ClusterScenes, enq.items[0].ClusterID)
	assert.Equal(t, zcl.ClusterScenes, enq.items[1].ClusterID)

	g := e.Group(1)
	require.NotNil(t, g)
	scene := g.SceneByID(3)
	require.NotNil(t, scene)
	ls := scene.LightStateFor(l.ID())
	require.NotNil(t, ls)
	assert.True(t, ls.On)
}

func TestDriveMembershipActionGivesUpAfterMaxRetries(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 6, now)
	l.Groups[2] = model.NewGroupInfo(2)
	l.Groups[2].Actions = model.ActionAddToGroup

	cfg := Config{MaxActionRetries: 2}
	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), cfg)

	e.Tick(now)
	e.Tick(now)
	require.Len(t, enq.items, 2)

	e.Tick(now)
	assert.Len(t, enq.items, 2, "no further attempt should be made once retries are exhausted")
	assert.Equal(t, model.ActionNone, l.Groups[2].Actions)
}

func TestRecallSceneMirrorsLightStateAndFlipsGroupOn(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 7, now)
	l.Groups[1] = model.NewGroupInfo(1)
	l.Groups[1].State = model.GroupMembershipInGroup

	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), DefaultConfig())

	g := e.EnsureGroup(1, "")
	scene := g.AddScene(1, "")
	scene.SetLightState(&model.LightState{LightID: l.ID(), On: true, Bri: 200})

	require.NoError(t, e.RecallScene(1, 1, now))

	onItem := l.Item(model.SuffixStateOn)
	require.NotNil(t, onItem)
	assert.True(t, onItem.ToBool())

	groupOn := g.Item(model.SuffixStateOn)
	require.NotNil(t, groupOn)
	assert.True(t, groupOn.ToBool())

	require.NotEmpty(t, enq.items)
	last := enq.items[len(enq.items)-1]
	assert.Equal(t, aps.AddressModeGroup, last.Dst.Mode)
	assert.Equal(t, zcl.ClusterScenes, last.ClusterID)
}

func TestHandleViewSceneResponseSchedulesAddSceneOnMismatch(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	l := newTestLight(t, c, 8, now)
	l.Groups[1] = model.NewGroupInfo(1)

	enq := &fakeEnqueuer{}
	e := New(enq, c, eventbus.New(), DefaultConfig())

	g := e.EnsureGroup(1, "")
	scene := g.AddScene(2, "")
	scene.SetLightState(&model.LightState{LightID: l.ID(), On: false, Bri: 10})

	e.HandleViewSceneResponse(l, zcl.ViewSceneFields{
		Status: zcl.StatusSuccess, GroupID: 1, SceneID: 2, On: true, Bri: 200,
	}, "TestBulb", false, now)

	assert.Contains(t, l.Groups[1].AddScenes, uint8(2), "mismatched on-device state should schedule a corrective add-scene")
}
