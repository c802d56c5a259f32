package model

import "time"

// UpdateType distinguishes how a NodeValue was last refreshed.
type UpdateType int

const (
	UpdateByRead UpdateType = iota
	UpdateByReport
)

// NodeValue is the per-(cluster,attr) cached numeric value described in
// spec §3: raw value, how it was last updated, and the timestamps used to
// judge freshness for the polling engine.
type NodeValue struct {
	Cluster   uint16
	Attribute uint16

	Raw        uint64
	UpdateType UpdateType

	// Timestamp of the last successful read or report of any kind.
	Timestamp time.Time
	// TimestampLastReport is only set by attribute reports, not reads;
	// "freshness" (spec §3 invariant) is judged against this field.
	TimestampLastReport time.Time

	ReportMinInterval uint16
	ReportMaxInterval uint16
}

// SetFromRead records a value obtained via ZCL Read-Attributes.
func (v *NodeValue) SetFromRead(raw uint64, now time.Time) {
	v.Raw = raw
	v.UpdateType = UpdateByRead
	v.Timestamp = now
}

// SetFromReport records a value obtained via an unsolicited ZCL report.
func (v *NodeValue) SetFromReport(raw uint64, now time.Time) {
	v.Raw = raw
	v.UpdateType = UpdateByReport
	v.Timestamp = now
	v.TimestampLastReport = now
}

// IsFresh implements the spec §3 invariant: "a value is fresh if it has a
// valid last-report timestamp within the report interval window."
func (v *NodeValue) IsFresh(now time.Time, window time.Duration) bool {
	if v.TimestampLastReport.IsZero() {
		return false
	}
	return now.Sub(v.TimestampLastReport) < window
}
