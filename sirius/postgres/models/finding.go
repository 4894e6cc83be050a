package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/SiriusScan/code-audit/sirius"
)

// Diff statuses assigned against the previous completed scan.
const (
	DiffNew       = "new"
	DiffRecurring = "recurring"
)

// Finding is one reported issue, direct or synthetic, attached to a Task.
type Finding struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	TaskID      string          `gorm:"not null;size:36;index:idx_findings_task" json:"task_id"`
	RuleID      string          `gorm:"not null;size:255" json:"rule_id"`
	RuleName    string          `gorm:"size:255" json:"rule_name"`
	Severity    sirius.Severity `gorm:"not null;size:20" json:"severity"`
	FilePath    string          `gorm:"type:text" json:"file_path"`
	Line        int             `json:"line"`
	EndLine     int             `json:"end_line"`
	CWE         string          `gorm:"size:100" json:"cwe,omitempty"`
	CVE         string          `gorm:"size:100" json:"cve,omitempty"`
	CodeSnippet string          `gorm:"type:text" json:"code_snippet,omitempty"`
	Message     string          `gorm:"type:text" json:"message,omitempty"`
	Role        sirius.Role     `gorm:"size:20" json:"role,omitempty"`
	Synthetic   bool            `gorm:"not null;default:false" json:"synthetic"`
	Locations   datatypes.JSON  `json:"locations,omitempty"`
	Fingerprint string          `gorm:"size:64;index:idx_findings_fingerprint" json:"fingerprint"`
	DiffStatus  string          `gorm:"size:20" json:"diff_status,omitempty"`
	Analysis    datatypes.JSON  `json:"analysis,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (Finding) TableName() string {
	return "findings"
}

// DoubleCheck is a re-triage of a finding with a costlier model tier.
type DoubleCheck struct {
	Model          string    `json:"model"`
	Tier           string    `json:"tier"`
	Triage         string    `json:"triage"`
	Reasoning      string    `json:"reasoning"`
	Recommendation string    `json:"recommendation"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Analysis is the AI triage attached to a finding.
type Analysis struct {
	Triage         string       `json:"triage"`
	Reasoning      string       `json:"reasoning,omitempty"`
	Recommendation string       `json:"recommendation,omitempty"`
	Model          string       `json:"model,omitempty"`
	Degraded       bool         `json:"degraded,omitempty"`
	Error          string       `json:"error,omitempty"`
	DoubleCheck    *DoubleCheck `json:"doubleCheck,omitempty"`
}

// DecodeAnalysis returns the finding's analysis; a finding never triaged
// reads as unknown.
func (f *Finding) DecodeAnalysis() (Analysis, error) {
	a := Analysis{Triage: sirius.TriageUnknown}
	if len(f.Analysis) == 0 {
		return a, nil
	}
	err := json.Unmarshal(f.Analysis, &a)
	return a, err
}

func (f *Finding) EncodeAnalysis(a Analysis) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	f.Analysis = datatypes.JSON(b)
	return nil
}

func (f *Finding) DecodeLocations() ([]sirius.Location, error) {
	var locs []sirius.Location
	if len(f.Locations) == 0 {
		return nil, nil
	}
	err := json.Unmarshal(f.Locations, &locs)
	return locs, err
}

func (f *Finding) EncodeLocations(locs []sirius.Location) error {
	b, err := json.Marshal(locs)
	if err != nil {
		return err
	}
	f.Locations = datatypes.JSON(b)
	return nil
}

// FixedFinding records a previous finding that is absent from a later scan.
type FixedFinding struct {
	ID                uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID            string          `gorm:"not null;size:36;index:idx_fixed_findings_task" json:"task_id"`
	PreviousTaskID    string          `gorm:"size:36" json:"previous_task_id"`
	PreviousFindingID string          `gorm:"size:36" json:"previous_finding_id"`
	Fingerprint       string          `gorm:"size:64" json:"fingerprint"`
	RuleID            string          `gorm:"size:255" json:"rule_id"`
	FilePath          string          `gorm:"type:text" json:"file_path"`
	Line              int             `json:"line"`
	Severity          sirius.Severity `gorm:"size:20" json:"severity"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (FixedFinding) TableName() string {
	return "fixed_findings"
}
