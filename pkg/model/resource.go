package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Prefix is one of the four resource categories spec §3 names.
type Prefix string

const (
	PrefixLights  Prefix = "lights"
	PrefixSensors Prefix = "sensors"
	PrefixGroups  Prefix = "groups"
	PrefixConfig  Prefix = "config"
)

// Resource is an ordered collection of items under one prefix, keyed by a
// stable resource id. Adders are idempotent: adding an item that already
// exists returns the existing one without emitting an event.
type Resource struct {
	mu     sync.RWMutex
	Prefix Prefix
	ID     string
	order  []string
	items  map[string]*ResourceItem
	etag   string
}

// NewResource allocates an empty resource under the given prefix and id.
func NewResource(prefix Prefix, id string) *Resource {
	return &Resource{
		Prefix: prefix,
		ID:     id,
		items:  make(map[string]*ResourceItem),
	}
}

// AddItem returns the existing item for suffix if present (idempotent),
// otherwise lazily creates one from desc.
func (r *Resource) AddItem(desc ItemDescriptor) (*ResourceItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[desc.Suffix]; ok {
		return existing, false
	}

	item := NewResourceItem(desc)
	r.items[desc.Suffix] = item
	r.order = append(r.order, desc.Suffix)
	return item, true
}

// Item returns the item for suffix, or nil if it was never added.
func (r *Resource) Item(suffix string) *ResourceItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items[suffix]
}

// Items returns a stable-ordered snapshot of all items on this resource.
func (r *Resource) Items() []*ResourceItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ResourceItem, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, r.items[s])
	}
	return out
}

// ETag returns the currently cached etag string.
func (r *Resource) ETag() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.etag
}

// RegenerateETag recomputes the etag from every item's current value and
// change timestamp, then folds the new etag into the parent category's
// aggregate (spec §4.2: "regenerated on any change ... propagated to the
// parent category"). Deterministic and order-independent so concurrent
// item iteration doesn't matter.
func (r *Resource) RegenerateETag() string {
	r.mu.Lock()

	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha1.New()
	for _, k := range keys {
		item := r.items[k]
		fmt.Fprintf(h, "%s=%v@%d;", k, item.value, item.LastChanged.UnixNano())
	}
	r.etag = hex.EncodeToString(h.Sum(nil))
	etag, prefix, id := r.etag, r.Prefix, r.ID
	r.mu.Unlock()

	categoryETags.touch(prefix, id, etag)
	return etag
}

// Touch marks an item dirty: sets its value (two-step mutation) and
// regenerates the resource etag if the value changed. Returns whether an
// event should be raised.
func (r *Resource) Touch(suffix string, v Value, now time.Time) (changed bool, item *ResourceItem) {
	item = r.Item(suffix)
	if item == nil {
		return false, nil
	}
	changed = item.SetValue(v, now)
	if changed {
		r.RegenerateETag()
	}
	return changed, item
}
