package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAccumulatesAndClearsDirtyBits(t *testing.T) {
	tr := NewTracker()
	tr.MarkDirty(BucketLights)
	tr.MarkDirty(BucketGroups)

	dirty := tr.TakeDirty()
	assert.True(t, dirty.Has(BucketLights))
	assert.True(t, dirty.Has(BucketGroups))
	assert.False(t, dirty.Has(BucketSensors))

	assert.Equal(t, Bucket(0), tr.TakeDirty(), "a second take before any new mark should be empty")
}

func TestNumericCacheSetGetSnapshotRestore(t *testing.T) {
	c := NewNumericCache()
	key := NumericKey{Ext: 1, Endpoint: 1, Cluster: 0x0402, Attr: 0x0000}
	c.Set(key, 2500)

	v, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(2500), v)

	snap := c.Snapshot()
	entries := make([]NumericEntry, 0, len(snap))
	for k, val := range snap {
		entries = append(entries, NumericEntry{Key: k, Value: val})
	}

	restored := NewNumericCache()
	restored.Restore(entries)
	rv, ok := restored.Get(key)
	require.True(t, ok)
	assert.Equal(t, uint64(2500), rv)
}

func TestFileSinkLoadOnMissingFileReturnsEmptyDocument(t *testing.T) {
	sink, err := OpenFileSink(filepath.Join(t.TempDir(), "nested", "state.json"))
	require.NoError(t, err)

	doc, err := sink.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Buckets)
}

func TestFileSinkSaveThenLoadRoundTrips(t *testing.T) {
	sink, err := OpenFileSink(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	records := map[Bucket][]Record{
		BucketLights: {{ID: "1", ETag: "abc", Items: map[string]any{"state/on": true}}},
	}
	numeric := map[NumericKey]uint64{
		{Ext: 1, Endpoint: 1, Cluster: 6, Attr: 0}: 1,
	}
	require.NoError(t, sink.Save(records, numeric))

	doc, err := sink.Load()
	require.NoError(t, err)
	require.Len(t, doc.Buckets[BucketLights], 1)
	assert.Equal(t, "1", doc.Buckets[BucketLights][0].ID)
	assert.Equal(t, true, doc.Buckets[BucketLights][0].Items["state/on"])
	require.Len(t, doc.Numeric, 1)
	assert.Equal(t, uint64(1), doc.Numeric[0].Value)
}

func TestFileSinkSavePreservesUntouchedBuckets(t *testing.T) {
	sink, err := OpenFileSink(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	require.NoError(t, sink.Save(map[Bucket][]Record{
		BucketLights: {{ID: "1", Items: map[string]any{}}},
	}, nil))
	require.NoError(t, sink.Save(map[Bucket][]Record{
		BucketGroups: {{ID: "1", Items: map[string]any{}}},
	}, nil))

	doc, err := sink.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Buckets[BucketLights], 1, "saving groups shouldn't drop the previously saved lights bucket")
	assert.Len(t, doc.Buckets[BucketGroups], 1)
}
