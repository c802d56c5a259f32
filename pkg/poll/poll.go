// Package poll implements the node polling engine described in spec §4.8:
// a small state machine that walks a queue of resources, one suffix at a
// time, issuing ZCL attribute reads for data that reporting hasn't kept
// fresh, grounded on dresden-elektronik's PollManager
// (original_source/poll_manager.cpp's pollTimerFired).
package poll

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// State is the engine's single outstanding-request state machine, spec
// §4.8's Idle/Wait/Done.
type State int

const (
	StateIdle State = iota
	StateWait
	StateDone
)

// Known manufacturer codes referenced by the swversion attribute-selection
// rule below, spec §4.8's attr/swversion row.
const (
	vendorIKEA    uint16 = 0x117C
	vendorXiaomi  uint16 = 0x115F
	vendorUbisys  uint16 = 0x10F2
	vendorHeiman  uint16 = 0x120B
	vendorDevelco uint16 = 0x1015
	vendorXAL     uint16 = 0x1017
	vendorEmber   uint16 = 0x1321
)

// Item is one resource's entry in the poll queue, spec §4.8's PollItem.
// Exactly one of Light/Sensor is set.
type Item struct {
	Light    *model.LightNode
	Sensor   *model.Sensor
	Endpoint uint8
	Addr     aps.Address
	TStart   time.Time
	Suffixes []string
}

func (i *Item) resourceID() string {
	if i.Light != nil {
		return i.Light.ID()
	}
	return i.Sensor.ID
}

func (i *Item) reachable() bool {
	if i.Light != nil {
		return i.Light.Reachable()
	}
	return i.Sensor.Reachable()
}

func (i *Item) hasInCluster(clusterID uint16) bool {
	if i.Light != nil {
		return i.Light.HAEndpoint.HasInCluster(clusterID)
	}
	return i.Sensor.Fingerprint.HasInCluster(clusterID)
}

func (i *Item) getZclValue(clusterID, attrID uint16) *model.NodeValue {
	if i.Light != nil {
		return i.Light.GetZclValue(clusterID, attrID)
	}
	return i.Sensor.GetZclValue(clusterID, attrID)
}

func (i *Item) isOn() bool {
	if i.Light == nil {
		return false
	}
	item := i.Light.Item(model.SuffixStateOn)
	return item != nil && item.ToBool()
}

func (i *Item) manufacturerCode() uint16 {
	if i.Light != nil {
		return i.Light.ManufacturerCode
	}
	return i.Sensor.ManufacturerCode
}

func (i *Item) modelID() string {
	if i.Light != nil {
		return i.Light.ModelID
	}
	return i.Sensor.ModelID
}

// Config carries the freshness windows spec §4.8 names.
type Config struct {
	FreshWindow    time.Duration // default 360s
	FreshWindowXAL time.Duration // default 30m, vendor carve-out
	ConfirmTimeout time.Duration // default 60s
}

func DefaultConfig() Config {
	return Config{
		FreshWindow:    360 * time.Second,
		FreshWindowXAL: 30 * time.Minute,
		ConfirmTimeout: 60 * time.Second,
	}
}

// Engine owns the poll queue and the single outstanding request, mirroring
// PollManager's one-apsReqId-at-a-time design.
type Engine struct {
	adapter aps.Adapter
	cfg     Config

	queue []*Item
	state State

	waitReqID aps.RequestID
	waitDst   aps.Address
	waitSince time.Time

	// PermitJoin restricts polling to attr/modelid and attr/swversion while
	// the network is open for joining, spec §4.8's "limit queries during
	// joining" rule.
	PermitJoin func() bool
}

func New(adapter aps.Adapter, cfg Config) *Engine {
	return &Engine{adapter: adapter, cfg: cfg, PermitJoin: func() bool { return false }}
}

// Queue enqueues or refreshes a resource's poll entry, spec §4.8: re-queuing
// an already-queued id updates its suffix list and tStart instead of adding
// a duplicate.
func (e *Engine) Queue(it *Item, now time.Time) {
	if !it.reachable() {
		return
	}
	for _, existing := range e.queue {
		if existing.resourceID() == it.resourceID() {
			existing.Suffixes = it.Suffixes
			if !it.TStart.IsZero() {
				existing.TStart = it.TStart
			}
			return
		}
	}
	e.queue = append(e.queue, it)
}

// HasItems reports whether anything is queued.
func (e *Engine) HasItems() bool { return len(e.queue) > 0 }

// HandleConfirm matches an APS confirm against the single outstanding poll
// request, spec §4.8's confirm handling. A non-success confirm drops the
// rest of that item's suffixes for this round rather than retrying them.
func (e *Engine) HandleConfirm(c aps.Confirm, now time.Time) {
	if e.state != StateWait || c.ID != e.waitReqID {
		return
	}
	e.state = StateIdle

	if c.Status != aps.Success && len(e.queue) > 0 {
		front := e.queue[0]
		log.Debug().Str("id", front.resourceID()).Msg("poll: confirm failure, dropping remaining suffixes")
		front.Suffixes = nil
	}
}

// Tick advances the state machine by at most one action, spec §4.8's
// pollTimerFired loop generalized to a periodic Tick call.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if e.state == StateWait {
		if now.Sub(e.waitSince) > e.cfg.ConfirmTimeout {
			log.Debug().Msg("poll: confirm timeout")
			e.state = StateIdle
			if len(e.queue) > 0 {
				e.queue[0].Suffixes = nil
			}
		} else {
			return
		}
	}

	if len(e.queue) == 0 {
		e.state = StateDone
		return
	}
	e.state = StateIdle

	front := e.queue[0]

	if !front.reachable() {
		e.dequeueFront()
		return
	}

	if !front.TStart.IsZero() && front.TStart.After(now) {
		e.rotateFrontToBack()
		return
	}

	permitJoin := e.PermitJoin != nil && e.PermitJoin()
	front.Suffixes = filterSuffixesForJoin(front.Suffixes, permitJoin)

	if len(front.Suffixes) == 0 {
		e.dequeueFront()
		return
	}

	suffix := front.Suffixes[0]
	front.Suffixes = front.Suffixes[1:]

	clusterID, attrs := suffixToClusterAttrs(suffix, front, now)
	if clusterID == 0xFFFF || len(attrs) == 0 {
		return
	}
	if !front.hasInCluster(clusterID) {
		log.Debug().Str("id", front.resourceID()).Uint16("cluster", clusterID).Msg("poll: cluster not present, skipped")
		return
	}

	attrs = e.dropFreshAttrs(front, clusterID, attrs, now)
	if len(attrs) == 0 {
		return // everything requested is already fresh
	}

	hdr := zcl.Header{FrameType: zcl.FrameTypeGlobal, SeqNumber: zcl.NextSeq(), CommandID: zcl.CmdReadAttributes}
	frame := zcl.EncodeFrame(hdr, zcl.EncodeReadAttributes(attrs...))
	req := aps.Request{
		Dst: front.Addr, DstEp: front.Endpoint,
		ProfileID: zcl.ProfileHA, ClusterID: clusterID, Payload: frame,
	}
	reqID, status, err := e.adapter.Submit(ctx, req)
	if err != nil || status != aps.Success {
		log.Debug().Err(err).Msg("poll: submit failed")
		return
	}

	e.state = StateWait
	e.waitReqID = reqID
	e.waitDst = front.Addr
	e.waitSince = now
}

func (e *Engine) dequeueFront() {
	if len(e.queue) == 0 {
		return
	}
	e.queue = e.queue[1:]
}

func (e *Engine) rotateFrontToBack() {
	if len(e.queue) < 2 {
		return
	}
	front := e.queue[0]
	e.queue = append(e.queue[1:], front)
}

// dropFreshAttrs filters out attributes whose cached NodeValue is already
// fresh enough, spec §4.8's freshness-gated skip.
func (e *Engine) dropFreshAttrs(it *Item, clusterID uint16, attrs []uint16, now time.Time) []uint16 {
	window := e.cfg.FreshWindow
	if it.manufacturerCode() == vendorXAL {
		window = e.cfg.FreshWindowXAL
	}

	out := attrs[:0:0]
	for _, attrID := range attrs {
		nv := it.getZclValue(clusterID, attrID)
		if it.manufacturerCode() == vendorIKEA && !nv.Timestamp.IsZero() {
			continue // rely on reporting for IKEA lights
		}
		if nv.IsFresh(now, window) {
			continue
		}
		out = append(out, attrID)
	}
	return out
}

func filterSuffixesForJoin(suffixes []string, permitJoin bool) []string {
	if !permitJoin {
		return suffixes
	}
	out := suffixes[:0:0]
	for _, s := range suffixes {
		if s == "attr/modelid" || s == "attr/swversion" {
			out = append(out, s)
		}
	}
	return out
}

// suffixToClusterAttrs is the suffix to (cluster, attributes) table spec
// §4.8 names. Returns clusterID 0xFFFF when the suffix is unrecognized or
// its precondition (e.g. state/bri requires the light to be on) isn't met.
func suffixToClusterAttrs(suffix string, it *Item, now time.Time) (uint16, []uint16) {
	switch suffix {
	case model.SuffixStateOn:
		return zcl.ClusterOnOff, []uint16{0x0000}
	case model.SuffixStateBri:
		if !it.isOn() {
			return 0xFFFF, nil
		}
		return zcl.ClusterLevelControl, []uint16{0x0000}
	case model.SuffixStateColorMode:
		return zcl.ClusterColorControl, []uint16{0x0008, 0x4001, 0x400A, 0x400B, 0x400C}
	case "state/presence":
		return zcl.ClusterOccupancy, []uint16{0x0000, 0x0010}
	case "state/lightlevel":
		return zcl.ClusterIlluminance, []uint16{0x0000}
	case "state/consumption":
		return zcl.ClusterMetering, []uint16{0x0000, 0x0400}
	case "state/power":
		return zcl.ClusterElectricalMeas, []uint16{0x050B, 0x0505, 0x0508}
	case "attr/modelid":
		return zcl.ClusterBasic, []uint16{0x0005}
	case "attr/swversion":
		return zcl.ClusterBasic, swVersionAttrs(it)
	default:
		return 0xFFFF, nil
	}
}

// swVersionAttrs picks the vendor-specific basic-cluster attribute that
// carries a usable firmware version string, spec §4.8's attr/swversion row.
func swVersionAttrs(it *Item) []uint16 {
	mc := it.manufacturerCode()
	switch {
	case mc == vendorEmber && it.modelID() == "TS011F":
		return []uint16{0x0001} // application version, LIDL plugs
	case mc == vendorUbisys || mc == vendorHeiman || mc == vendorXiaomi || mc == vendorDevelco:
		return []uint16{0x0006} // date code
	default:
		return []uint16{0x4000} // sw build id
	}
}
