// Package gateway is the top-level wiring spec §5 describes: one
// executor driving the task scheduler, poll engine, binding manager,
// group/scene engine, and door-lock handler off three cooperative
// timers, plus one reader goroutine each pumping APS indications,
// confirms and node events onto internal channels.
//
// Grounded on urmzd/homai/pkg/zigbee/controller.go's single
// handleCallback reader goroutine and cmd/api/main.go's
// construct-then-run shape, generalized from "one controller, one HTTP
// router" to "one gateway, N internal engines driven by one tick loop".
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/binding"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/config"
	"github.com/zigbee-gateway/gwcore/pkg/doorlock"
	"github.com/zigbee-gateway/gwcore/pkg/eventbus"
	"github.com/zigbee-gateway/gwcore/pkg/groupscene"
	"github.com/zigbee-gateway/gwcore/pkg/interpreter"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/persistence"
	"github.com/zigbee-gateway/gwcore/pkg/poll"
	"github.com/zigbee-gateway/gwcore/pkg/task"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

const (
	taskTickInterval  = 100 * time.Millisecond
	groupTickInterval = 250 * time.Millisecond
	idleTickInterval  = 1 * time.Second

	attrManufacturerName uint16 = 0x0004
	attrModelIdentifier  uint16 = 0x0005

	cmdOnOffOff    uint8 = 0x00
	cmdOnOffOn     uint8 = 0x01
	cmdOnOffToggle uint8 = 0x02
)

// identity is what the gateway learned about a node the one time it read
// its Basic cluster, cached so later re-announces (endpoint changes,
// zombie flips) can re-run classification without another round trip.
type identity struct {
	modelID string
	vendor  string
}

// Gateway owns every mutable collection spec §5 names as single-owner
// state: nodes (via the classifier), tasks/runningTasks (task.Scheduler),
// pollQueue (poll.Engine), and the group/binding/door-lock tables.
type Gateway struct {
	adapter aps.Adapter
	bus     *eventbus.Bus

	classifier  *classifier.Classifier
	interpreter *interpreter.Interpreter
	scheduler   *task.Scheduler
	pollEngine  *poll.Engine
	poller      *poll.Poller
	bindingMgr  *binding.Manager
	groupScene  *groupscene.Engine
	doorLock    *doorlock.Handler

	numericCache *persistence.NumericCache
	tracker      *persistence.Tracker
	sink         persistence.Sink
	persistSub   *eventbus.Subscriber

	gatewayIEEE uint64
	gatewayEP   uint8

	identities map[uint64]identity
	pending    map[uint64]aps.NodeDescriptor
	nwkToIEEE  map[uint16]uint64
}

// New constructs a Gateway from loaded configuration and an open APS
// adapter. gatewayIEEE/gatewayEP identify the coordinator's own address,
// spec §4.9's bind-to-coordinator destination.
func New(cfg *config.Config, adapter aps.Adapter, sink persistence.Sink, gatewayIEEE uint64, gatewayEP uint8) (*Gateway, error) {
	wl, err := classifier.LoadWhitelist(cfg.WhitelistPath)
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}

	bus := eventbus.New()
	c := classifier.New(wl, bus)
	ip := interpreter.New(c, bus, cfg.InterpreterConfig())

	pollEngine := poll.New(adapter, cfg.PollConfig())
	poller := poll.NewPoller(pollEngine, c)

	sched := task.New(adapter, reachabilityAdapter{c: c}, poller, cfg.TaskConfig())

	bindingMgr := binding.New(sched, c, gatewayIEEE, gatewayEP, cfg.BindingConfig())
	gsEngine := groupscene.New(sched, c, bus, cfg.GroupSceneConfig())
	dl := doorlock.New(c, bus, sched)

	persistSub, err := bus.Subscribe(eventbus.ClientPersistence)
	if err != nil {
		return nil, fmt.Errorf("subscribe persistence worker: %w", err)
	}

	g := &Gateway{
		adapter:      adapter,
		bus:          bus,
		classifier:   c,
		interpreter:  ip,
		scheduler:    sched,
		pollEngine:   pollEngine,
		poller:       poller,
		bindingMgr:   bindingMgr,
		groupScene:   gsEngine,
		doorLock:     dl,
		numericCache: persistence.NewNumericCache(),
		tracker:      persistence.NewTracker(),
		sink:         sink,
		persistSub:   persistSub,
		gatewayIEEE:  gatewayIEEE,
		gatewayEP:    gatewayEP,
		identities:   make(map[uint64]identity),
		pending:      make(map[uint64]aps.NodeDescriptor),
		nwkToIEEE:    make(map[uint16]uint64),
	}

	if err := g.restore(); err != nil {
		log.Warn().Err(err).Msg("gateway: failed to restore persisted state")
	}

	return g, nil
}

// reachabilityAdapter satisfies task.ReachabilityChecker against the
// classifier's light table.
type reachabilityAdapter struct{ c *classifier.Classifier }

func (r reachabilityAdapter) LightReachable(extAddr uint64, endpoint uint8) (bool, bool) {
	l := r.c.LightByAddr(extAddr, endpoint)
	if l == nil {
		return false, false
	}
	return l.Reachable(), true
}

// restore loads the persisted document and seeds the numeric cache. The
// document's per-bucket item records are not read back onto any light,
// sensor or group.
func (g *Gateway) restore() error {
	doc, err := g.sink.Load()
	if err != nil {
		return err
	}
	g.numericCache.Restore(doc.Numeric)
	return nil
}

// Run drives the gateway until ctx is cancelled: reader goroutines pumping
// adapter events onto channels, and one select loop applying them plus
// the three cooperative timers spec §5 names.
func (g *Gateway) Run(ctx context.Context) error {
	indCh := make(chan aps.Indication)
	confirmCh := make(chan aps.Confirm)
	nodeCh := make(chan aps.NodeEvent)
	errCh := make(chan error, 3)

	go g.pumpIndications(ctx, indCh, errCh)
	go g.pumpConfirms(ctx, confirmCh, errCh)
	if src, ok := g.adapter.(aps.NodeEventSource); ok {
		go g.pumpNodeEvents(ctx, src, nodeCh, errCh)
	}

	taskTicker := time.NewTicker(taskTickInterval)
	groupTicker := time.NewTicker(groupTickInterval)
	idleTicker := time.NewTicker(idleTickInterval)
	defer taskTicker.Stop()
	defer groupTicker.Stop()
	defer idleTicker.Stop()

	for _, n := range g.adapter.Nodes() {
		g.noteNode(n)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case ind := <-indCh:
			g.handleIndication(ind, time.Now())
		case c := <-confirmCh:
			now := time.Now()
			g.scheduler.HandleConfirm(c, now)
			g.pollEngine.HandleConfirm(c, now)
		case ev := <-nodeCh:
			g.handleNodeEvent(ev, time.Now())
		case evt := <-g.persistSub.Events():
			g.markDirty(evt)
		case now := <-taskTicker.C:
			g.scheduler.Tick(ctx, now)
			g.pollEngine.Tick(ctx, now)
			g.drainPendingWrites(now)
		case now := <-groupTicker.C:
			g.groupScene.Tick(now)
			g.bindingMgr.Tick(now)
		case now := <-idleTicker.C:
			g.idleTick(ctx, now)
		}
	}
}

func (g *Gateway) pumpIndications(ctx context.Context, out chan<- aps.Indication, errCh chan<- error) {
	for {
		ind, err := g.adapter.NextIndication(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- fmt.Errorf("gateway: indication pump: %w", err)
			return
		}
		select {
		case out <- ind:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) pumpConfirms(ctx context.Context, out chan<- aps.Confirm, errCh chan<- error) {
	for {
		c, err := g.adapter.NextConfirm(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- fmt.Errorf("gateway: confirm pump: %w", err)
			return
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) pumpNodeEvents(ctx context.Context, src aps.NodeEventSource, out chan<- aps.NodeEvent, errCh chan<- error) {
	for {
		ev, err := src.NextNodeEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- fmt.Errorf("gateway: node event pump: %w", err)
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// resolveSrc turns an NWK-tagged indication source into its IEEE address
// using the node table snapshot cached from the last Nodes()/NodeEvent,
// spec §4.5's Dispatch precondition that the gateway resolve IEEE before
// calling into the interpreter.
func (g *Gateway) resolveSrc(addr aps.Address) (uint64, bool) {
	if ieee, ok := addr.IEEEOrZero(); ok {
		return ieee, true
	}
	if addr.Mode == aps.AddressModeNWK {
		ieee, ok := g.nwkToIEEE[addr.NWK]
		return ieee, ok
	}
	return 0, false
}

func (g *Gateway) handleIndication(ind aps.Indication, now time.Time) {
	if ind.ClusterID == zcl.ClusterBasic {
		if g.tryHandleIdentifyResponse(ind, now) {
			return
		}
	}

	if ind.Dst.Mode == aps.AddressModeGroup && ind.ClusterID == zcl.ClusterOnOff {
		g.applyGroupOnOff(ind, now)
	}

	resolved := ind
	if srcIEEE, ok := g.resolveSrc(ind.Src); ok {
		resolved.Src = aps.Address{Mode: aps.AddressModeIEEE, IEEE: srcIEEE}
	}

	g.interpreter.Dispatch(resolved, now)
	g.doorLock.Dispatch(resolved, now)
}

// applyGroupOnOff implements the seed scenario "on-command from group
// switch flips light": an inbound group-addressed on/off command updates
// the group's own state and every member light's cached state optimistically,
// then force-polls each member to confirm, spec §8 scenario 1.
func (g *Gateway) applyGroupOnOff(ind aps.Indication, now time.Time) {
	hdr, _, err := zcl.ParseHeader(ind.ASDU)
	if err != nil || hdr.FrameType != zcl.FrameTypeClusterSpecific {
		return
	}

	var on bool
	switch hdr.CommandID {
	case cmdOnOffOn:
		on = true
	case cmdOnOffOff:
		on = false
	case cmdOnOffToggle:
		g.toggleGroupOnOff(ind.Dst.NWK, now)
		return
	default:
		return
	}

	if grp := g.groupScene.Group(ind.Dst.NWK); grp != nil {
		if changed, item := grp.Touch(model.SuffixStateOn, model.BoolValue(on), now); changed {
			g.bus.Publish(eventbus.ClientGroupScene, eventbus.Event{
				Prefix: eventbus.Prefix(model.PrefixGroups), ResourceID: grp.ID, Suffix: model.SuffixStateOn,
				Value: item.Value().Any(), ETag: grp.ETag(),
			})
		}
	}

	for _, l := range g.classifier.Lights() {
		if _, member := l.Groups[ind.Dst.NWK]; !member {
			continue
		}
		if changed, item := l.Touch(model.SuffixStateOn, model.BoolValue(on), now); changed {
			g.bus.Publish(eventbus.ClientInterpreter, eventbus.Event{
				Prefix: eventbus.Prefix(model.PrefixLights), ResourceID: l.ID(), Suffix: model.SuffixStateOn,
				Value: item.Value().Any(), ETag: l.ETag(),
			})
		}
		g.poller.ForcePoll(l.ExtAddr, l.Endpoint)
	}
}

func (g *Gateway) toggleGroupOnOff(groupID uint16, now time.Time) {
	grp := g.groupScene.Group(groupID)
	cur := false
	if grp != nil {
		if item := grp.Item(model.SuffixStateOn); item != nil {
			cur = item.ToBool()
		}
	}
	on := !cur
	if grp != nil {
		if changed, item := grp.Touch(model.SuffixStateOn, model.BoolValue(on), now); changed {
			g.bus.Publish(eventbus.ClientGroupScene, eventbus.Event{
				Prefix: eventbus.Prefix(model.PrefixGroups), ResourceID: grp.ID, Suffix: model.SuffixStateOn,
				Value: item.Value().Any(), ETag: grp.ETag(),
			})
		}
	}
	for _, l := range g.classifier.Lights() {
		if _, member := l.Groups[groupID]; !member {
			continue
		}
		if changed, item := l.Touch(model.SuffixStateOn, model.BoolValue(on), now); changed {
			g.bus.Publish(eventbus.ClientInterpreter, eventbus.Event{
				Prefix: eventbus.Prefix(model.PrefixLights), ResourceID: l.ID(), Suffix: model.SuffixStateOn,
				Value: item.Value().Any(), ETag: l.ETag(),
			})
		}
		g.poller.ForcePoll(l.ExtAddr, l.Endpoint)
	}
}

func (g *Gateway) handleNodeEvent(ev aps.NodeEvent, now time.Time) {
	g.noteNode(ev.Node)

	switch ev.Kind {
	case aps.NodeAdded, aps.NodeZombieChanged, aps.NodeClusterDataUpdated:
		g.identifyOrReclassify(ev.Node, now)
	case aps.NodeRemoved:
		delete(g.nwkToIEEE, ev.Node.NWK)
	}
}

func (g *Gateway) noteNode(n aps.NodeDescriptor) {
	g.nwkToIEEE[n.NWK] = n.IEEE
}

// identifyOrReclassify runs spec §4.4's classification pipeline. A
// previously identified node is reclassified directly from its cached
// model id/vendor; an unseen node needs its Basic cluster read first.
func (g *Gateway) identifyOrReclassify(n aps.NodeDescriptor, now time.Time) {
	if id, ok := g.identities[n.IEEE]; ok {
		if err := g.classifier.Classify(n, id.modelID, 0, macPrefixOf(n.IEEE), now); err != nil {
			log.Debug().Err(err).Uint64("ieee", n.IEEE).Msg("gateway: reclassify rejected")
		}
		return
	}

	endpoint := uint8(1)
	if len(n.ActiveEndpoints) > 0 {
		endpoint = n.ActiveEndpoints[0]
	}

	g.pending[n.IEEE] = n

	hdr := zcl.Header{FrameType: zcl.FrameTypeGlobal, SeqNumber: zcl.NextSeq(), CommandID: zcl.CmdReadAttributes}
	frame := zcl.EncodeFrame(hdr, zcl.EncodeReadAttributes(attrManufacturerName, attrModelIdentifier))
	req := aps.Request{
		Dst:       aps.Address{Mode: aps.AddressModeIEEE, IEEE: n.IEEE},
		DstEp:     endpoint,
		ProfileID: zcl.ProfileHA,
		ClusterID: zcl.ClusterBasic,
		Payload:   frame,
	}
	if _, status, err := g.adapter.Submit(context.Background(), req); err != nil || status != aps.Success {
		log.Debug().Err(err).Uint64("ieee", n.IEEE).Msg("gateway: identify read failed")
	}
}

// tryHandleIdentifyResponse decodes a Basic cluster Read Attributes
// Response/Report for a node awaiting identification and completes
// classification. Reports true if the indication was consumed as an
// identify response (whether or not it actually resolved one).
func (g *Gateway) tryHandleIdentifyResponse(ind aps.Indication, now time.Time) bool {
	srcIEEE, ok := g.resolveSrc(ind.Src)
	if !ok {
		return false
	}
	pending, awaiting := g.pending[srcIEEE]
	if !awaiting {
		return false
	}

	hdr, payload, err := zcl.ParseHeader(ind.ASDU)
	if err != nil || hdr.FrameType != zcl.FrameTypeGlobal {
		return false
	}

	var reports []zcl.AttributeReport
	switch hdr.CommandID {
	case zcl.CmdReadAttributesResponse:
		reports, err = zcl.DecodeReadAttributesResponse(payload)
	case zcl.CmdReportAttributes:
		reports, err = zcl.DecodeReportAttributes(payload)
	default:
		return false
	}
	if err != nil {
		log.Debug().Err(err).Msg("gateway: malformed identify response")
		return true
	}

	var modelID, vendor string
	for _, r := range reports {
		switch r.AttrID {
		case attrModelIdentifier:
			modelID = r.Value.String
		case attrManufacturerName:
			vendor = r.Value.String
		}
	}
	if modelID == "" {
		return true
	}

	delete(g.pending, srcIEEE)
	if err := g.classifier.Classify(pending, modelID, 0, macPrefixOf(srcIEEE), now); err != nil {
		log.Debug().Err(err).Uint64("ieee", srcIEEE).Msg("gateway: classify rejected")
		return true
	}
	g.identities[srcIEEE] = identity{modelID: modelID, vendor: vendor}
	return true
}

func macPrefixOf(ieee uint64) string {
	return fmt.Sprintf("%02x:%02x:%02x", byte(ieee>>56), byte(ieee>>48), byte(ieee>>40))
}

// drainPendingWrites turns the interpreter's queued occupancy-duration
// write-backs into scheduler tasks, spec §4.5's occupancy rule.
func (g *Gateway) drainPendingWrites(now time.Time) {
	for _, w := range g.interpreter.DrainPendingWrites() {
		payload, err := zcl.EncodeWriteAttributes([]zcl.WriteAttributeRecord{
			{AttrID: 0x0010, DataType: zcl.TypeUint16, Value: zcl.Numeric{Type: zcl.TypeUint16, Uint: uint64(w.DurationSeconds)}},
		})
		if err != nil {
			continue
		}
		hdr := zcl.Header{FrameType: zcl.FrameTypeGlobal, SeqNumber: zcl.NextSeq(), CommandID: zcl.CmdWriteAttributes}
		g.scheduler.Enqueue(&task.Item{
			Kind:        task.KindWriteAttributes,
			Dst:         aps.Address{Mode: aps.AddressModeIEEE, IEEE: w.ExtAddr},
			DstEndpoint: w.Endpoint,
			ProfileID:   zcl.ProfileHA,
			ClusterID:   0x0406,
			Payload:     zcl.EncodeFrame(hdr, payload),
		}, now)
	}
}

// markDirty marks the needs-save bucket matching evt's resource prefix,
// spec §6's "needs save" bitset.
func (g *Gateway) markDirty(evt eventbus.Event) {
	switch model.Prefix(evt.Prefix) {
	case model.PrefixLights:
		g.tracker.MarkDirty(persistence.BucketLights)
	case model.PrefixSensors:
		g.tracker.MarkDirty(persistence.BucketSensors)
	case model.PrefixGroups:
		g.tracker.MarkDirty(persistence.BucketGroups)
	case model.PrefixConfig:
		g.tracker.MarkDirty(persistence.BucketConfig)
	}
}

// idleTick runs the 1 s housekeeping timer: flush any dirty persistence
// buckets and refill the poll queue for resources whose freshness window
// has lapsed.
func (g *Gateway) idleTick(ctx context.Context, now time.Time) {
	g.flushDirty(now)
	g.refillPollQueue(now)
}

func (g *Gateway) flushDirty(now time.Time) {
	dirty := g.tracker.TakeDirty()
	if dirty == 0 {
		return
	}

	buckets := make(map[persistence.Bucket][]persistence.Record)
	if dirty.Has(persistence.BucketLights) {
		buckets[persistence.BucketLights] = recordsFromResources(lightResources(g.classifier.Lights()))
	}
	if dirty.Has(persistence.BucketSensors) {
		buckets[persistence.BucketSensors] = recordsFromResources(sensorResources(g.classifier.Sensors()))
	}
	if dirty.Has(persistence.BucketGroups) {
		buckets[persistence.BucketGroups] = recordsFromResources(groupResources(g.groupScene.Groups()))
	}

	if err := g.sink.Save(buckets, g.numericCache.Snapshot()); err != nil {
		log.Warn().Err(err).Msg("gateway: persistence flush failed")
	}
}

func lightResources(lights []*model.LightNode) []*model.Resource {
	out := make([]*model.Resource, 0, len(lights))
	for _, l := range lights {
		out = append(out, l.Resource)
	}
	return out
}

func sensorResources(sensors []*model.Sensor) []*model.Resource {
	out := make([]*model.Resource, 0, len(sensors))
	for _, s := range sensors {
		out = append(out, s.Resource)
	}
	return out
}

func groupResources(groups []*model.Group) []*model.Resource {
	out := make([]*model.Resource, 0, len(groups))
	for _, gr := range groups {
		out = append(out, gr.Resource)
	}
	return out
}

func recordsFromResources(resources []*model.Resource) []persistence.Record {
	out := make([]persistence.Record, 0, len(resources))
	for _, r := range resources {
		items := make(map[string]any)
		for _, it := range r.Items() {
			items[it.Suffix()] = it.Value().Any()
		}
		out = append(out, persistence.Record{ID: r.ID, ETag: r.ETag(), Items: items})
	}
	return out
}

// refillPollQueue queues state/on for every reachable light, spec §4.8;
// the poll engine itself skips attributes still fresh within its window.
// Sensors are not queued.
func (g *Gateway) refillPollQueue(now time.Time) {
	for _, l := range g.classifier.Lights() {
		if !l.Reachable() {
			continue
		}
		g.pollEngine.Queue(&poll.Item{
			Light:    l,
			Endpoint: l.Endpoint,
			Addr:     aps.Address{Mode: aps.AddressModeIEEE, IEEE: l.ExtAddr},
			Suffixes: []string{model.SuffixStateOn},
		}, now)
	}
}
