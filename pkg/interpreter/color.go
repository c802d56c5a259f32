package interpreter

import (
	"time"

	"github.com/zigbee-gateway/gwcore/pkg/model"
	"github.com/zigbee-gateway/gwcore/pkg/zcl"
)

// colorModeNames implements spec §4.5 point 3: "color mode (0x0008) and
// enhanced color mode (0x4001) map to strings hs|xy|ct|hs by index". Index
// 3 duplicating index 0 is intentional — see DESIGN.md's Open Questions,
// preserved as specified rather than "fixed".
var colorModeNames = [...]string{"hs", "xy", "ct", "hs"}

const (
	attrColorHue           = 0x0000
	attrColorSat           = 0x0001
	attrColorCurrentX      = 0x0003
	attrColorCurrentY      = 0x0004
	attrColorTemperatureMireds = 0x0007
	attrColorMode          = 0x0008
	attrColorCapabilities  = 0x400A
	attrColorTempPhysMin   = 0x400B
	attrColorTempPhysMax   = 0x400C
	attrEnhancedHue        = 0x4000
	attrEnhancedColorMode  = 0x4001
)

func (ip *Interpreter) applyColor(extAddr uint64, endpoint uint8, r zcl.AttributeReport, now time.Time) {
	l := ip.classifier.LightByAddr(extAddr, endpoint)
	if l == nil {
		return
	}
	l.AddColorItems()

	switch r.AttrID {
	case attrEnhancedHue:
		// Enhanced hue supersedes the basic 8-bit hue attribute whenever
		// both are present, spec §4.5.
		ip.writeLight(l, model.SuffixStateHue, model.UintValue(r.Value.Uint), now)

	case attrColorHue:
		if nv := l.GetZclValue(zcl.ClusterColorControl, attrEnhancedHue); nv.Timestamp.IsZero() {
			ip.writeLight(l, model.SuffixStateHue, model.UintValue(r.Value.Uint), now)
		}

	case attrColorSat:
		ip.writeLight(l, model.SuffixStateSat, model.UintValue(r.Value.Uint), now)

	case attrColorCurrentX:
		ip.writeLight(l, model.SuffixStateX, model.UintValue(r.Value.Uint), now)

	case attrColorCurrentY:
		ip.writeLight(l, model.SuffixStateY, model.UintValue(r.Value.Uint), now)

	case attrColorTemperatureMireds:
		ip.writeLight(l, model.SuffixStateCT, model.UintValue(r.Value.Uint), now)

	case attrColorCapabilities:
		ip.writeLight(l, model.SuffixConfigColorCaps, model.UintValue(r.Value.Uint), now)
		ip.resolveColorMode(l, now)

	case attrColorTempPhysMin:
		ip.writeLight(l, model.SuffixConfigCTMin, model.UintValue(r.Value.Uint), now)

	case attrColorTempPhysMax:
		ip.writeLight(l, model.SuffixConfigCTMax, model.UintValue(r.Value.Uint), now)

	case attrColorMode, attrEnhancedColorMode:
		ip.setRawColorModeIndex(l, uint8(r.Value.Uint))
		ip.resolveColorMode(l, now)
	}
}

// rawColorModeIndex is kept out of the NodeValue cache (which is keyed by
// cluster+attribute and already holds the raw value); it exists only to
// let resolveColorMode re-derive the mode string after a later
// config/colorcapabilities update without needing the original report.
func (ip *Interpreter) setRawColorModeIndex(l *model.LightNode, idx uint8) {
	nv := l.GetZclValue(zcl.ClusterColorControl, attrColorMode)
	nv.Raw = uint64(idx)
}

func (ip *Interpreter) resolveColorMode(l *model.LightNode, now time.Time) {
	idx := l.GetZclValue(zcl.ClusterColorControl, attrColorMode).Raw
	if int(idx) >= len(colorModeNames) {
		return
	}
	mode := colorModeNames[idx]

	caps := l.Item(model.SuffixConfigColorCaps)
	if caps != nil && caps.ToUint() == 0x0010 {
		mode = "ct" // ct-only capability forces ct regardless of reported mode
	}
	ip.writeLight(l, model.SuffixStateColorMode, model.StringValue(mode), now)
}

func (ip *Interpreter) writeLight(l *model.LightNode, suffix string, v model.Value, now time.Time) {
	if changed, item := l.Touch(suffix, v, now); changed {
		ip.emit(l.Prefix, l.ID(), suffix, item.Value(), l.ETag())
	}
}
