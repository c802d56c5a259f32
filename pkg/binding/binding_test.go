package binding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
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

func newTestLight(t *testing.T, c *classifier.Classifier, ieee uint64, modelID string, inClusters []uint16, now time.Time) {
	t.Helper()
	require.NoError(t, c.Classify(aps.NodeDescriptor{
		IEEE: ieee, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, DeviceID: 0x0100, InClusters: inClusters}},
	}, modelID, 0, "", now))
}

func newTestClassifier(modelIDPrefix string) *classifier.Classifier {
	return classifier.New(&classifier.Whitelist{Entries: []classifier.WhitelistEntry{{ModelIDPrefix: modelIDPrefix}}}, eventbus.New())
}

func TestTickIssuesBindAndMgmtBindForSinkClusters(t *testing.T) {
	c := newTestClassifier("TestBulb")
	now := time.Now()
	newTestLight(t, c, 1, "TestBulb", []uint16{zcl.ClusterOnOff}, now)

	enq := &fakeEnqueuer{}
	m := New(enq, c, 0xAAAA, 1, DefaultConfig())

	m.Tick(now)

	require.Len(t, enq.items, 2)
	kinds := []task.Kind{enq.items[0].Kind, enq.items[1].Kind}
	assert.Contains(t, kinds, task.KindMgmtBindRequest)
	assert.Contains(t, kinds, task.KindBindRequest)
	for _, it := range enq.items {
		assert.True(t, it.FireAndForget)
		assert.Equal(t, aps.AddressModeIEEE, it.Dst.Mode)
		assert.Equal(t, uint64(1), it.Dst.IEEE)
	}
}

func TestTickSkipsResourceBeforeWindowElapses(t *testing.T) {
	c := newTestClassifier("TestBulb")
	now := time.Now()
	newTestLight(t, c, 2, "TestBulb", []uint16{zcl.ClusterOnOff}, now)

	enq := &fakeEnqueuer{}
	m := New(enq, c, 0xAAAA, 1, DefaultConfig())

	m.Tick(now)
	first := len(enq.items)
	require.Greater(t, first, 0)

	m.Tick(now.Add(time.Minute))
	assert.Len(t, enq.items, first, "resource should not be re-verified before its window elapses")
}

func TestTickReVerifiesAfterWindowElapses(t *testing.T) {
	c := newTestClassifier("TestBulb")
	now := time.Now()
	newTestLight(t, c, 3, "TestBulb", []uint16{zcl.ClusterOnOff}, now)

	cfg := DefaultConfig()
	enq := &fakeEnqueuer{}
	m := New(enq, c, 0xAAAA, 1, cfg)

	m.Tick(now)
	first := len(enq.items)

	m.Tick(now.Add(cfg.VerifyWindow + time.Second))
	assert.Greater(t, len(enq.items), first, "resource should be re-verified once its window elapses")
}

func TestTickUnbindsFLSLightDuringOTA(t *testing.T) {
	c := newTestClassifier("FLS")
	now := time.Now()
	newTestLight(t, c, 4, "FLS-PP", []uint16{zcl.ClusterOnOff}, now)

	enq := &fakeEnqueuer{}
	m := New(enq, c, 0xAAAA, 1, DefaultConfig())
	m.OTAActive = func(extAddr uint64) bool { return extAddr == 4 }

	m.Tick(now)

	require.Len(t, enq.items, 1)
	assert.Equal(t, task.KindUnbindRequest, enq.items[0].Kind)
}

func TestTickSkipsClustersNotPresentOnEndpoint(t *testing.T) {
	// A humidity sensor carries none of the sink clusters (on/off, level,
	// occupancy, temperature, electrical measurement), so it should never
	// be bound.
	c := newTestClassifier("TestHygro")
	now := time.Now()
	require.NoError(t, c.Classify(aps.NodeDescriptor{
		IEEE: 5, ReceiverOnIdle: true, ActiveEndpoints: []uint8{1},
		Endpoints: []aps.SimpleDescriptor{{Endpoint: 1, ProfileID: zcl.ProfileHA, InClusters: []uint16{zcl.ClusterHumidity}}},
	}, "TestHygro", 0, "", now))

	enq := &fakeEnqueuer{}
	m := New(enq, c, 0xAAAA, 1, DefaultConfig())

	m.Tick(now)
	assert.Empty(t, enq.items)
}
