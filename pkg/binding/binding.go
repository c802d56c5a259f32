// Package binding implements the binding manager described in spec §4.9:
// it binds the gateway endpoint as the reporting sink for the clusters
// that must report, re-verifies those bindings on each resource's
// periodic window, and unbinds FLS-family lights during OTA activity to
// cut bus load. There is no original_source/ file covering
// deconz-rest-plugin's binding table manager, so this package is built
// directly from the spec's prose.
package binding

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/task"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// ZDP profile/cluster ids for the handful of requests this package issues.
// This package is the only caller, so they live here rather than in a
// shared protocol package.
const (
	profileZDP         uint16 = 0x0000
	clusterBindReq     uint16 = 0x0021
	clusterUnbindReq   uint16 = 0x0022
	clusterMgmtBindReq uint16 = 0x0033
)

// sinkClusters are the clusters the gateway binds itself as reporting
// destination for, spec §4.9: "power, temperature, presence, on/off,
// level".
var sinkClusters = []uint16{
	zcl.ClusterOnOff,
	zcl.ClusterLevelControl,
	zcl.ClusterOccupancy,
	zcl.ClusterTemperature,
	zcl.ClusterElectricalMeas,
}

type rowKey struct {
	extAddr   uint64
	endpoint  uint8
	clusterID uint16
}

type row struct {
	endpoint  uint8
	clusterID uint16
	lastTry   time.Time
}

// Config carries spec §4.9's per-resource re-verify window.
type Config struct {
	VerifyWindow time.Duration // default 30m, IDLE_ATTR_REPORT_BIND_LIMIT
}

func DefaultConfig() Config {
	return Config{VerifyWindow: 30 * time.Minute}
}

// TaskEnqueuer is the subset of *task.Scheduler the manager drives its ZDP
// requests through, spec §2's "binding manager → task scheduler" data flow.
type TaskEnqueuer interface {
	Enqueue(it *task.Item, now time.Time) bool
}

// Manager issues and re-verifies reporting bindings, and unbinds
// FLS-family lights while OTA activity is in progress for them.
type Manager struct {
	sched      TaskEnqueuer
	classifier *classifier.Classifier
	cfg        Config

	gatewayIEEE uint64
	gatewayEP   uint8

	rows map[rowKey]*row

	// nextVerify is each resource's next due window, keyed by extAddr so a
	// resource with zero sink clusters still advances rather than being
	// re-checked on every tick.
	nextVerify map[uint64]time.Time

	// OTAActive reports whether an OTA transfer is in progress for the
	// given extended address; the unbind-during-OTA rule only fires then.
	OTAActive func(extAddr uint64) bool
}

func New(sched TaskEnqueuer, c *classifier.Classifier, gatewayIEEE uint64, gatewayEP uint8, cfg Config) *Manager {
	return &Manager{
		sched:       sched,
		classifier:  c,
		cfg:         cfg,
		gatewayIEEE: gatewayIEEE,
		gatewayEP:   gatewayEP,
		rows:        make(map[rowKey]*row),
		nextVerify:  make(map[uint64]time.Time),
		OTAActive:   func(uint64) bool { return false },
	}
}

// Tick walks every light and sensor due for its periodic re-verify window.
func (m *Manager) Tick(now time.Time) {
	for _, l := range m.classifier.Lights() {
		m.visit(l.ExtAddr, l.Endpoint, l.HAEndpoint.InClusters, l.ModelID, now)
	}
	for _, s := range m.classifier.Sensors() {
		m.visit(s.ExtAddr, s.Endpoint, s.Fingerprint.InClusters, s.ModelID, now)
	}
}

func (m *Manager) visit(extAddr uint64, endpoint uint8, inClusters []uint16, modelID string, now time.Time) {
	due, known := m.nextVerify[extAddr]
	if known && now.Before(due) {
		return
	}
	m.nextVerify[extAddr] = now.Add(m.cfg.VerifyWindow)

	isFLS := strings.HasPrefix(modelID, "FLS")
	otaActive := m.OTAActive != nil && m.OTAActive(extAddr)

	for _, clusterID := range sinkClusters {
		if !hasCluster(inClusters, clusterID) {
			continue
		}
		key := rowKey{extAddr, endpoint, clusterID}

		if isFLS && otaActive {
			m.unbind(extAddr, endpoint, clusterID, now)
			delete(m.rows, key)
			continue
		}

		r, ok := m.rows[key]
		if !ok {
			r = &row{endpoint: endpoint, clusterID: clusterID}
			m.rows[key] = r
		}
		m.verify(extAddr, r, now)
	}
}

func hasCluster(clusters []uint16, id uint16) bool {
	for _, c := range clusters {
		if c == id {
			return true
		}
	}
	return false
}

// verify sends Mgmt_Bind_req to refresh the live binding table view and
// Bind_req for the row, spec §4.9: "sends ZDP Mgmt_Bind_req and issues
// Bind_req for any missing row". Both requests are fire-and-forget; a
// binding that's already present is a no-op at the stack, and a failure
// is simply retried on the next window per spec.
func (m *Manager) verify(extAddr uint64, r *row, now time.Time) {
	m.sendMgmtBindReq(extAddr, now)
	m.sendBindReq(extAddr, r.endpoint, r.clusterID, now)
	r.lastTry = now
}

func (m *Manager) unbind(extAddr uint64, endpoint uint8, clusterID uint16, now time.Time) {
	log.Debug().Uint64("ieee", extAddr).Uint16("cluster", clusterID).Msg("binding: unbinding FLS light for OTA")
	payload := encodeBindPayload(extAddr, endpoint, clusterID, m.gatewayIEEE, m.gatewayEP)
	m.enqueue(extAddr, task.KindUnbindRequest, clusterUnbindReq, payload, now)
}

func (m *Manager) sendBindReq(extAddr uint64, endpoint uint8, clusterID uint16, now time.Time) {
	payload := encodeBindPayload(extAddr, endpoint, clusterID, m.gatewayIEEE, m.gatewayEP)
	m.enqueue(extAddr, task.KindBindRequest, clusterBindReq, payload, now)
}

func (m *Manager) sendMgmtBindReq(extAddr uint64, now time.Time) {
	m.enqueue(extAddr, task.KindMgmtBindRequest, clusterMgmtBindReq, []byte{0x00}, now)
}

func (m *Manager) enqueue(extAddr uint64, kind task.Kind, clusterID uint16, payload []byte, now time.Time) {
	m.sched.Enqueue(&task.Item{
		Kind:          kind,
		Dst:           aps.Address{Mode: aps.AddressModeIEEE, IEEE: extAddr},
		ProfileID:     profileZDP,
		ClusterID:     clusterID,
		Payload:       payload,
		FireAndForget: true,
	}, now)
}

// encodeBindPayload builds a Bind_req/Unbind_req ASDU: source IEEE,
// source endpoint, cluster id, destination addressing mode (0x03, 64-bit
// extended address plus endpoint), destination IEEE, destination
// endpoint — the gateway itself as the reporting sink.
func encodeBindPayload(srcIEEE uint64, srcEP uint8, clusterID uint16, dstIEEE uint64, dstEP uint8) []byte {
	buf := make([]byte, 8+1+2+1+8+1)
	binary.LittleEndian.PutUint64(buf[0:8], srcIEEE)
	buf[8] = srcEP
	binary.LittleEndian.PutUint16(buf[9:11], clusterID)
	buf[11] = 0x03
	binary.LittleEndian.PutUint64(buf[12:20], dstIEEE)
	buf[20] = dstEP
	return buf
}
