package poll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

type fakeAdapter struct {
	submitted []aps.Request
	nextID    uint32
}

func (f *fakeAdapter) Submit(ctx context.Context, req aps.Request) (aps.RequestID, aps.SubmitStatus, error) {
	f.submitted = append(f.submitted, req)
	f.nextID++
	return aps.RequestID(f.nextID), aps.Success, nil
}
func (f *fakeAdapter) NextIndication(ctx context.Context) (aps.Indication, error) {
	return aps.Indication{}, nil
}
func (f *fakeAdapter) NextConfirm(ctx context.Context) (aps.Confirm, error) { return aps.Confirm{}, nil }
func (f *fakeAdapter) Nodes() []aps.NodeDescriptor                         { return nil }
func (f *fakeAdapter) GetParameter(k aps.ParameterKind) (any, error)       { return nil, nil }
func (f *fakeAdapter) NetworkState() aps.NetworkState                      { return aps.InNetwork }
func (f *fakeAdapter) SetNetworkState(d aps.NetworkState) error            { return nil }

func newReachableLight(extAddr uint64, endpoint uint8, now time.Time) *model.LightNode {
	l := model.NewLightNode(extAddr, endpoint)
	l.HAEndpoint = model.HAEndpointDescriptor{
		Endpoint: endpoint, ProfileID: zcl.ProfileHA,
		InClusters: []uint16{zcl.ClusterOnOff, zcl.ClusterLevelControl},
	}
	l.SetReachable(true, now)
	return l
}

func TestTickSubmitsReadAttributesForStateOn(t *testing.T) {
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	now := time.Now()

	l := newReachableLight(1, 1, now)
	e.Queue(&Item{Light: l, Endpoint: 1, Addr: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}, Suffixes: []string{model.SuffixStateOn}}, now)

	e.Tick(context.Background(), now)

	require.Len(t, adapter.submitted, 1)
	assert.Equal(t, zcl.ClusterOnOff, adapter.submitted[0].ClusterID)
	assert.Equal(t, StateWait, e.state)
}

func TestTickSkipsBriWhenLightIsOff(t *testing.T) {
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	now := time.Now()

	l := newReachableLight(2, 1, now)
	// state/on defaults to false (zero value), so state/bri's precondition fails.
	e.Queue(&Item{Light: l, Endpoint: 1, Addr: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 2}, Suffixes: []string{model.SuffixStateBri}}, now)

	e.Tick(context.Background(), now)

	assert.Empty(t, adapter.submitted)
	assert.Equal(t, StateIdle, e.state)
}

func TestTickSkipsAlreadyFreshAttribute(t *testing.T) {
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	now := time.Now()

	l := newReachableLight(3, 1, now)
	l.GetZclValue(zcl.ClusterOnOff, 0x0000).SetFromReport(1, now)
	e.Queue(&Item{Light: l, Endpoint: 1, Addr: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 3}, Suffixes: []string{model.SuffixStateOn}}, now)

	e.Tick(context.Background(), now)

	assert.Empty(t, adapter.submitted, "freshly reported value should not be re-read")
}

func TestPermitJoinRestrictsToModelIDAndSWVersion(t *testing.T) {
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	e.PermitJoin = func() bool { return true }
	now := time.Now()

	l := newReachableLight(4, 1, now)
	l.HAEndpoint.InClusters = append(l.HAEndpoint.InClusters, zcl.ClusterBasic)
	e.Queue(&Item{Light: l, Endpoint: 1, Addr: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 4},
		Suffixes: []string{model.SuffixStateOn, "attr/modelid"}}, now)

	e.Tick(context.Background(), now)

	require.Len(t, adapter.submitted, 1)
	assert.Equal(t, zcl.ClusterBasic, adapter.submitted[0].ClusterID)
}

func TestHandleConfirmFailureDropsRemainingSuffixes(t *testing.T) {
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	now := time.Now()

	l := newReachableLight(5, 1, now)
	e.Queue(&Item{Light: l, Endpoint: 1, Addr: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 5},
		Suffixes: []string{model.SuffixStateOn, model.SuffixStateBri}}, now)

	e.Tick(context.Background(), now)
	require.Equal(t, StateWait, e.state)

	e.HandleConfirm(aps.Confirm{ID: 1, Status: aps.ErrorOther}, now)

	assert.Equal(t, StateIdle, e.state)
	require.True(t, e.HasItems())
	assert.Empty(t, e.queue[0].Suffixes)
}

func TestConfirmTimeoutClearsWaitState(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := DefaultConfig()
	e := New(adapter, cfg)
	now := time.Now()

	l := newReachableLight(6, 1, now)
	e.Queue(&Item{Light: l, Endpoint: 1, Addr: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 6},
		Suffixes: []string{model.SuffixStateOn}}, now)
	e.Tick(context.Background(), now)
	require.Equal(t, StateWait, e.state)

	e.Tick(context.Background(), now.Add(cfg.ConfirmTimeout+time.Second))

	assert.Equal(t, StateIdle, e.state)
}

func TestForcePollGroupMembersSkipsFreshLights(t *testing.T) {
	c := classifier.New(&classifier.Whitelist{Entries: []classifier.WhitelistEntry{{ModelIDPrefix: "TestBulb"}}}, eventbus.New())
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	p := NewPoller(e, c)
	now := time.Now()

	require.NoError(t, c.Classify(aps.NodeDescriptor{
		IEEE: 10, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, DeviceID: 0x0100, InClusters: []uint16{zcl.ClusterOnOff}}},
	}, "TestBulb", 0, "", now))

	l := c.LightByAddr(10, 1)
	require.NotNil(t, l)
	l.Groups[7] = &model.GroupInfo{}
	l.GetZclValue(zcl.ClusterOnOff, 0x0000).SetFromReport(1, now)

	p.ForcePollGroupMembers(7, 5*time.Minute)

	assert.False(t, e.HasItems(), "on/off value reported within staleSince should not be queued")
}

func TestForcePollQueuesUnreportedGroupMember(t *testing.T) {
	c := classifier.New(&classifier.Whitelist{Entries: []classifier.WhitelistEntry{{ModelIDPrefix: "TestBulb"}}}, eventbus.New())
	adapter := &fakeAdapter{}
	e := New(adapter, DefaultConfig())
	p := NewPoller(e, c)
	now := time.Now()

	require.NoError(t, c.Classify(aps.NodeDescriptor{
		IEEE: 11, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, DeviceID: 0x0100, InClusters: []uint16{zcl.ClusterOnOff}}},
	}, "TestBulb", 0, "", now))

	l := c.LightByAddr(11, 1)
	require.NotNil(t, l)
	l.Groups[8] = &model.GroupInfo{}

	p.ForcePollGroupMembers(8, 5*time.Minute)

	assert.True(t, e.HasItems())
}
