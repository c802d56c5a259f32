package model

// LightState is the per-light snapshot captured by a scene, spec §3:
// on, bri, colormode, x, y, hue, sat, ct, colorloop active/time.
type LightState struct {
	LightID string

	On        bool
	Bri       uint8
	ColorMode string
	X         uint16
	Y         uint16
	Hue       uint16
	Sat       uint8
	CT        uint16

	ColorLoopActive bool
	ColorLoopTime   uint16
}

// Scene is the (groupAddress, sceneId) snapshot described in spec §3.
type Scene struct {
	GroupAddress uint16
	SceneID      uint8
	Name         string

	TransitionTime uint16

	LightStates map[string]*LightState

	// ExternalMaster is set when the scene was created by observing a
	// switch rather than via an API call (spec §3/§4.10).
	ExternalMaster bool
}

// SetLightState stores (or replaces) the captured state for a light,
// spec §3 invariant: "Scene light-state captures the light's cached
// state at the moment store/add completed successfully."
func (s *Scene) SetLightState(ls *LightState) {
	if s.LightStates == nil {
		s.LightStates = make(map[string]*LightState)
	}
	s.LightStates[ls.LightID] = ls
}

// LightStateFor returns the captured state for lightID, or nil.
func (s *Scene) LightStateFor(lightID string) *LightState {
	return s.LightStates[lightID]
}
