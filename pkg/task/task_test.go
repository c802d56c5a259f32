package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
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

type alwaysReachable struct{}

func (alwaysReachable) LightReachable(extAddr uint64, endpoint uint8) (bool, bool) { return true, true }

type fakePoller struct {
	polled      []uint64
	groupPolled []uint16
}

func (f *fakePoller) ForcePoll(extAddr uint64, endpoint uint8) { f.polled = append(f.polled, extAddr) }
func (f *fakePoller) ForcePollGroupMembers(groupID uint16, staleSince time.Duration) {
	f.groupPolled = append(f.groupPolled, groupID)
}

func TestEnqueueDedupReplacesExisting(t *testing.T) {
	s := New(&fakeAdapter{}, alwaysReachable{}, nil, DefaultConfig())
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}

	s.Enqueue(&Item{Kind: KindCommand, Dst: dst, ClusterID: 0x0006, Payload: []byte{1}}, now)
	s.Enqueue(&Item{Kind: KindCommand, Dst: dst, ClusterID: 0x0006, Payload: []byte{2}}, now)

	assert.Equal(t, 1, s.PendingCount())
}

func TestEnqueueExceptionSetAlwaysEnqueues(t *testing.T) {
	s := New(&fakeAdapter{}, alwaysReachable{}, nil, DefaultConfig())
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}

	s.Enqueue(&Item{Kind: KindReadAttributes, Dst: dst, ClusterID: 0x0000, Payload: []byte{1}}, now)
	s.Enqueue(&Item{Kind: KindReadAttributes, Dst: dst, ClusterID: 0x0000, Payload: []byte{1}}, now)

	assert.Equal(t, 2, s.PendingCount())
}

func TestEnqueueRefusesBeyondMaxPending(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := DefaultConfig()
	cfg.MaxPending = 2
	s := New(adapter, alwaysReachable{}, nil, cfg)
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}

	assert.True(t, s.Enqueue(&Item{Kind: KindReadAttributes, Dst: dst, ClusterID: 1, Payload: []byte{1}}, now))
	assert.True(t, s.Enqueue(&Item{Kind: KindReadAttributes, Dst: dst, ClusterID: 2, Payload: []byte{2}}, now))
	assert.False(t, s.Enqueue(&Item{Kind: KindReadAttributes, Dst: dst, ClusterID: 3, Payload: []byte{3}}, now), "a third distinct task should be refused once MaxPending is reached")
	assert.Equal(t, 2, s.PendingCount())
}

func TestEnqueueDedupReplaceStillSucceedsAtCapacity(t *testing.T) {
	adapter := &fakeAdapter{}
	cfg := DefaultConfig()
	cfg.MaxPending = 1
	s := New(adapter, alwaysReachable{}, nil, cfg)
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}

	assert.True(t, s.Enqueue(&Item{Kind: KindCommand, Dst: dst, ClusterID: 0x0006, Payload: []byte{1}}, now))
	assert.True(t, s.Enqueue(&Item{Kind: KindCommand, Dst: dst, ClusterID: 0x0006, Payload: []byte{2}}, now), "a dedup-replace of an already-pending task doesn't grow the queue, so it shouldn't be refused")
	assert.Equal(t, 1, s.PendingCount())
}

func TestTickSubmitsAndRespectsUnicastFanoutCap(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, alwaysReachable{}, nil, DefaultConfig())
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}

	for i := 0; i < 3; i++ {
		s.Enqueue(&Item{Kind: KindReadAttributes, Dst: dst, ClusterID: uint16(i), Payload: []byte{byte(i)}}, now)
	}
	s.Tick(context.Background(), now)

	assert.Len(t, adapter.submitted, 2, "fanout cap of 2 concurrent unicasts to the same address")
	assert.Equal(t, 1, s.PendingCount())
}

func TestHandleConfirmForcePollsUnicastStateChange(t *testing.T) {
	adapter := &fakeAdapter{}
	poller := &fakePoller{}
	s := New(adapter, alwaysReachable{}, poller, DefaultConfig())
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeIEEE, IEEE: 42}

	s.Enqueue(&Item{Kind: KindCommand, Dst: dst, DstEndpoint: 1, ClusterID: 0x0006, Payload: []byte{1}}, now)
	s.Tick(context.Background(), now)
	require.Equal(t, 1, s.RunningCount())

	s.HandleConfirm(aps.Confirm{ID: 1, Status: aps.Success}, now)
	assert.Equal(t, 0, s.RunningCount())
	assert.Contains(t, poller.polled, uint64(42))
}

func TestHandleConfirmForcePollsGroupOnCommandSuccess(t *testing.T) {
	adapter := &fakeAdapter{}
	poller := &fakePoller{}
	s := New(adapter, alwaysReachable{}, poller, DefaultConfig())
	now := time.Now()
	dst := aps.Address{Mode: aps.AddressModeGroup, NWK: 7}

	s.Enqueue(&Item{Kind: KindCommand, Dst: dst, ClusterID: 0x0006, Payload: []byte{1}}, now)
	s.Tick(context.Background(), now)
	require.Len(t, adapter.submitted, 1)

	s.HandleConfirm(aps.Confirm{ID: 1, Status: aps.Success}, now)
	assert.Contains(t, poller.groupPolled, uint16(7))
}

func TestOrderedTaskWaitsForLowerID(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, alwaysReachable{}, nil, DefaultConfig())
	now := time.Now()

	s.Enqueue(&Item{Kind: KindReadAttributes, Dst: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 1}, ClusterID: 1, Payload: []byte{1}}, now)
	second := &Item{Kind: KindReadAttributes, Dst: aps.Address{Mode: aps.AddressModeIEEE, IEEE: 2}, ClusterID: 2, Payload: []byte{2}, Ordered: true}
	s.Enqueue(second, now)

	// Tick submits the first unicast (id 1); the ordered second task must
	// wait because id 1 is still outstanding in the running list.
	s.Tick(context.Background(), now)
	assert.Len(t, adapter.submitted, 1)
	assert.Equal(t, 1, s.PendingCount())
}
