package poll

import (
	"time"

	"github.com/zigbee-gateway/gwcore/pkg/aps"
	"github.com/zigbee-gateway/gwcore/pkg/classifier"
	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// Poller adapts an Engine and a Classifier into pkg/task's ForcePoller
// interface, so the task scheduler's confirm-handling poll trigger (spec
// §4.7) has a concrete implementation without pkg/task depending on either.
type Poller struct {
	engine     *Engine
	classifier *classifier.Classifier
}

func NewPoller(engine *Engine, c *classifier.Classifier) *Poller {
	return &Poller{engine: engine, classifier: c}
}

// ForcePoll queues an immediate poll of a single light, spec §4.7's
// "unicast state-changing success forces a poll of the target".
func (p *Poller) ForcePoll(extAddr uint64, endpoint uint8) {
	l := p.classifier.LightByAddr(extAddr, endpoint)
	if l == nil {
		return
	}
	p.engine.Queue(&Item{
		Light:    l,
		Endpoint: l.Endpoint,
		Addr:     aps.Address{Mode: aps.AddressModeIEEE, IEEE: extAddr},
		Suffixes: lightPollSuffixes(l),
	}, time.Now())
}

// ForcePollGroupMembers queues a poll of every light in a group whose
// on/off value hasn't been refreshed within staleSince, spec §4.7's group
// command success rule.
func (p *Poller) ForcePollGroupMembers(groupID uint16, staleSince time.Duration) {
	now := time.Now()
	for _, l := range p.classifier.Lights() {
		if _, member := l.Groups[groupID]; !member {
			continue
		}
		nv := l.GetZclValue(zcl.ClusterOnOff, 0x0000)
		if nv.IsFresh(now, staleSince) {
			continue
		}
		p.engine.Queue(&Item{
			Light:    l,
			Endpoint: l.Endpoint,
			Addr:     aps.Address{Mode: aps.AddressModeIEEE, IEEE: l.ExtAddr},
			Suffixes: lightPollSuffixes(l),
		}, now)
	}
}

func lightPollSuffixes(l *model.LightNode) []string {
	suffixes := []string{model.SuffixStateOn}
	if l.Item(model.SuffixStateBri) != nil {
		suffixes = append(suffixes, model.SuffixStateBri)
	}
	if l.Item(model.SuffixStateColorMode) != nil {
		suffixes = append(suffixes, model.SuffixStateColorMode)
	}
	return suffixes
}
