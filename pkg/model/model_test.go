package model

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddItemIsIdempotent(t *testing.T) {
	r := NewResource(PrefixLights, "test-1")

	item1, created1 := r.AddItem(ItemDescriptor{Suffix: "state/on", DataType: DataTypeBool})
	assert.True(t, created1)

	item2, created2 := r.AddItem(ItemDescriptor{Suffix: "state/on", DataType: DataTypeBool})
	assert.False(t, created2)
	assert.Same(t, item1, item2)
}

func TestSetValueTwoStepMutation(t *testing.T) {
	item := NewResourceItem(ItemDescriptor{Suffix: "state/on", DataType: DataTypeBool})

	t0 := time.Now()
	changed := item.SetValue(BoolValue(true), t0)
	assert.True(t, changed)
	assert.Equal(t, t0, item.LastSet)
	assert.Equal(t, t0, item.LastChanged)

	t1 := t0.Add(time.Second)
	changed = item.SetValue(BoolValue(true), t1)
	assert.False(t, changed)
	assert.Equal(t, t1, item.LastSet, "lastSet always advances")
	assert.Equal(t, t0, item.LastChanged, "lastChanged only advances on a real change")

	t2 := t1.Add(time.Second)
	changed = item.SetValue(BoolValue(false), t2)
	assert.True(t, changed)
	assert.Equal(t, t2, item.LastChanged)
}

var uniqueIDPattern = regexp.MustCompile(`^([0-9a-f]{2}:){7}[0-9a-f]{2}-[0-9a-f]{2}(-[0-9a-f]{4})?$`)

func TestUniqueIDFormat(t *testing.T) {
	id := UniqueID(0x00124b0001a2b3c4, 0x01, nil)
	assert.Regexp(t, uniqueIDPattern, id)

	cluster := uint16(0x0006)
	idWithCluster := UniqueID(0x00124b0001a2b3c4, 0x01, &cluster)
	assert.Regexp(t, uniqueIDPattern, idWithCluster)
}

func TestNodeValueFreshness(t *testing.T) {
	v := &NodeValue{}
	now := time.Now()

	assert.False(t, v.IsFresh(now, 360*time.Second), "never reported is never fresh")

	v.SetFromReport(42, now)
	assert.True(t, v.IsFresh(now.Add(30*time.Second), 360*time.Second))
	assert.False(t, v.IsFresh(now.Add(400*time.Second), 360*time.Second))
}

func TestGroupInfoSceneQueueDedup(t *testing.T) {
	gi := NewGroupInfo(1)
	gi.QueueAddScene(5)
	gi.QueueAddScene(5)
	assert.Len(t, gi.AddScenes, 1)

	id, ok := gi.PopAddScene()
	assert.True(t, ok)
	assert.EqualValues(t, 5, id)
	assert.Empty(t, gi.AddScenes)
}

func TestRegenerateETagPropagatesToCategory(t *testing.T) {
	now := time.Now()

	r1 := NewResource(PrefixSensors, "cat-test-1")
	r1.AddItem(ItemDescriptor{Suffix: "state/on", DataType: DataTypeBool})
	r1.Touch("state/on", BoolValue(true), now)
	afterOne := CategoryETag(PrefixSensors)
	assert.NotEmpty(t, afterOne)

	r2 := NewResource(PrefixSensors, "cat-test-2")
	r2.AddItem(ItemDescriptor{Suffix: "state/on", DataType: DataTypeBool})
	r2.Touch("state/on", BoolValue(true), now)
	afterTwo := CategoryETag(PrefixSensors)
	assert.NotEmpty(t, afterTwo)
	assert.NotEqual(t, afterOne, afterTwo, "a new category member changes the aggregate etag")

	r1.Touch("state/on", BoolValue(false), now.Add(time.Second))
	afterChange := CategoryETag(PrefixSensors)
	assert.NotEqual(t, afterTwo, afterChange, "a member's own etag change propagates to its category")

	assert.Empty(t, CategoryETag(PrefixGroups), "a category with no touched members has no aggregate yet")
}

func TestIDAllocatorSmallestFree(t *testing.T) {
	a := NewIDAllocator()
	assert.Equal(t, 1, a.Next())
	assert.Equal(t, 2, a.Next())
	a.Release(1)
	assert.Equal(t, 1, a.Next())
	assert.Equal(t, 3, a.Next())
}
