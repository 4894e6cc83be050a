package store

import "time"

// ScanSnapshot is the point-in-time result of one completed scan of a
// project, kept for trend views.
type ScanSnapshot struct {
	SnapshotID string           `json:"snapshot_id"` // task id of the scan
	ProjectID  string           `json:"project_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Counts     FindingCounts    `json:"counts"`
	Diff       DiffCounts       `json:"diff"`
	Metadata   SnapshotMetadata `json:"metadata"`
}

// FindingCounts represents the total counts of open findings by severity
type FindingCounts struct {
	Total         int `json:"total"`
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Informational int `json:"informational"`
}

// DiffCounts compares the scan with the previous completed scan.
type DiffCounts struct {
	PreviousTaskID string  `json:"previous_task_id,omitempty"`
	New            int     `json:"new"`
	Fixed          int     `json:"fixed"`
	Recurring      int     `json:"recurring"`
	NetRiskScore   float64 `json:"net_risk_score"`
}

// SnapshotMetadata contains metadata about the snapshot
type SnapshotMetadata struct {
	SyntheticFindings  int   `json:"synthetic_findings"`
	FalsePositives     int   `json:"false_positives"`
	SnapshotDurationMs int64 `json:"snapshot_duration_ms"`
}
