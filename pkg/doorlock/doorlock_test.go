package doorlock

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

func newTestLock(t *testing.T, c *classifier.Classifier, extAddr uint64, now time.Time) *model.Sensor {
	t.Helper()
	require.NoError(t, c.Classify(aps.NodeDescriptor{
		IEEE: extAddr, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, InClusters: []uint16{zcl.ClusterDoorLock}}},
	}, "TestLock", 0, "", now))
	for _, s := range c.SensorsByAddr(extAddr, 1) {
		if s.Type == string(classifier.SensorDoorLock) {
			return s
		}
	}
	t.Fatal("door-lock sensor not created")
	return nil
}

func newTestClassifier() *classifier.Classifier {
	return classifier.New(&classifier.Whitelist{Entries: []classifier.WhitelistEntry{{ModelIDPrefix: "TestLock"}}}, eventbus.New())
}

func ind(extAddr uint64, frame []byte) aps.Indication {
	return aps.Indication{
		Src:       aps.Address{Mode: aps.AddressModeIEEE, IEEE: extAddr},
		SrcEp:     1,
		ClusterID: zcl.ClusterDoorLock,
		ASDU:      frame,
	}
}

func TestDispatchLockStateReportSetsLockStateAndConfigLock(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 1, now)

	h := New(c, eventbus.New(), &fakeEnqueuer{})

	payload := []byte{0x00, 0x00, byte(zcl.TypeEnum8), 0x01} // attrId 0x0000, locked
	frame := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeGlobal, CommandID: zcl.CmdReportAttributes}, payload)

	h.Dispatch(ind(1, frame), now)

	s := c.SensorsByAddr(1, 1)[0]
	require.NotNil(t, s.Item("state/lockstate"))
	assert.Equal(t, "locked", s.Item("state/lockstate").ToString())
	assert.True(t, s.Item("config/lock").ToBool())
}

func TestDispatchDoorStateReportDecodesEnum(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 2, now)

	h := New(c, eventbus.New(), &fakeEnqueuer{})

	payload := []byte{0x03, 0x00, byte(zcl.TypeEnum8), 0x02} // attrId 0x0003, "error jammed"
	frame := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeGlobal, CommandID: zcl.CmdReportAttributes}, payload)

	h.Dispatch(ind(2, frame), now)

	s := c.SensorsByAddr(2, 1)[0]
	require.NotNil(t, s.Item("state/doorstate"))
	assert.Equal(t, "error jammed", s.Item("state/doorstate").ToString())
}

func TestDispatchReadPinUpsertsStatePin(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 3, now)

	h := New(c, eventbus.New(), &fakeEnqueuer{})

	payload := []byte{0x07, 0x00, 0x00, 0x00, 0x04, '1', '2', '3', '4'}
	frame := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeClusterSpecific, CommandID: zcl.CmdDoorLockReadPin}, payload)

	h.Dispatch(ind(3, frame), now)

	s := c.SensorsByAddr(3, 1)[0]
	item := s.Item("state/pin")
	require.NotNil(t, item)
	assert.Contains(t, item.ToString(), `"id":7`)
	assert.Contains(t, item.ToString(), `"code":"1234"`)
}

func TestDispatchReadPinUpdatesExistingEntry(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 4, now)

	h := New(c, eventbus.New(), &fakeEnqueuer{})

	first := []byte{0x07, 0x00, 0x00, 0x00, 0x04, 'a', 'b', 'c', 'd'}
	frame1 := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeClusterSpecific, CommandID: zcl.CmdDoorLockReadPin}, first)
	h.Dispatch(ind(4, frame1), now)

	second := []byte{0x07, 0x00, 0x00, 0x00, 0x04, 'w', 'x', 'y', 'z'}
	frame2 := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeClusterSpecific, CommandID: zcl.CmdDoorLockReadPin}, second)
	h.Dispatch(ind(4, frame2), now)

	s := c.SensorsByAddr(4, 1)[0]
	entries := h.readPinEntries(s)
	require.Len(t, entries, 1, "re-reading the same userId should update in place, not append")
	assert.Equal(t, "wxyz", entries[0].Code)
}

func TestRemovePinDropsEntry(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 5, now)

	h := New(c, eventbus.New(), &fakeEnqueuer{})
	s := c.SensorsByAddr(5, 1)[0]
	h.upsertPin(s, zcl.ReadPinFields{UserID: 1, Status: 1, Type: 0, Code: "1111"}, now)
	h.upsertPin(s, zcl.ReadPinFields{UserID: 2, Status: 1, Type: 0, Code: "2222"}, now)

	h.RemovePin(s, 1, now)

	entries := h.readPinEntries(s)
	require.Len(t, entries, 1)
	assert.Equal(t, uint16(2), entries[0].ID)
}

func TestDispatchOperationEventNotificationFormatsNotification(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 6, now)

	h := New(c, eventbus.New(), &fakeEnqueuer{})

	payload := []byte{0x00, 0x01, 0x05, 0x00, 0x00, 0x00} // keypad, Lock, userId 5, pin 0, localtime 0
	frame := zcl.EncodeFrame(zcl.Header{FrameType: zcl.FrameTypeClusterSpecific, CommandID: zcl.CmdDoorLockOperationEventNotification}, payload)

	h.Dispatch(ind(6, frame), now)

	s := c.SensorsByAddr(6, 1)[0]
	item := s.Item("state/notification")
	require.NotNil(t, item)
	assert.Equal(t, "source:keypad, code:Lock, pin:0000", item.ToString())
}

func TestSetPinEnqueuesClusterCommand(t *testing.T) {
	c := newTestClassifier()
	now := time.Now()
	newTestLock(t, c, 7, now)

	enq := &fakeEnqueuer{}
	h := New(c, eventbus.New(), enq)
	s := c.SensorsByAddr(7, 1)[0]

	h.SetPin(s, 1, 1, 0, "1234", now)

	require.Len(t, enq.items, 1)
	assert.Equal(t, zcl.ClusterDoorLock, enq.items[0].ClusterID)
	assert.Equal(t, aps.AddressModeIEEE, enq.items[0].Dst.Mode)
}
