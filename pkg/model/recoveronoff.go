package model

import "time"

// RecoverOnOff is a per-address snapshot of the last known on/bri used to
// re-apply state after a power cycle detected via device-announce, spec §3.
type RecoverOnOff struct {
	ExtAddr uint64

	On  bool
	Bri uint8

	// Age counts ticks since the snapshot was captured; callers increment
	// it and treat a too-old snapshot as stale.
	Age int

	CapturedAt time.Time
}

// NewRecoverOnOff captures the current on/bri as a recovery point.
func NewRecoverOnOff(extAddr uint64, on bool, bri uint8, now time.Time) *RecoverOnOff {
	return &RecoverOnOff{ExtAddr: extAddr, On: on, Bri: bri, CapturedAt: now}
}

// Tick advances the age counter by one, mirroring how the gateway's idle
// tick ages out recovery snapshots.
func (r *RecoverOnOff) Tick() {
	r.Age++
}

// Stale reports whether the snapshot has aged past maxAge ticks.
func (r *RecoverOnOff) Stale(maxAge int) bool {
	return r.Age > maxAge
}
