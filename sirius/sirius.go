// Package sirius holds the domain vocabulary shared by every code-audit
// package: severities, taint roles, task lifecycle states and tenant plans.
package sirius

import "strings"

// ========================= Severity =========================

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityOrder is ascending; index is the rank.
var severityOrder = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity normalizes scanner output ("ERROR", "WARNING", "INFO" included)
// into a Severity. Unknown values map to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "warning", "warn", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Rank returns 0 (info) through 4 (critical).
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return 0
}

// Escalate raises the severity by one level, saturating at critical.
func (s Severity) Escalate() Severity {
	r := s.Rank()
	if r+1 >= len(severityOrder) {
		return SeverityCritical
	}
	return severityOrder[r+1]
}

// Weight is the contribution of one open finding to the net risk score.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ========================= Taint roles =========================

// Role is the semantic role a rule assigns to a match for cross-file linking.
type Role string

const (
	RoleNone   Role = ""
	RoleSource Role = "source"
	RoleCall   Role = "call"
	RoleSink   Role = "sink"
)

func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source":
		return RoleSource
	case "call":
		return RoleCall
	case "sink":
		return RoleSink
	default:
		return RoleNone
	}
}

// ========================= Tasks =========================

type TaskType string

const (
	TaskTypeCodeAudit TaskType = "codeaudit"
	TaskTypeWeb       TaskType = "web"
	TaskTypeResearch  TaskType = "research"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition encodes the task state machine. running -> queued is the
// explicit requeue edge for retryable failures.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusQueued:
		return to == TaskStatusRunning
	case TaskStatusRunning:
		return to == TaskStatusCompleted || to == TaskStatusFailed || to == TaskStatusQueued
	default:
		return false
	}
}

// ========================= Tenants =========================

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// ========================= Identities =========================

// IdentityType is the kind of principal a ban or strike applies to.
type IdentityType string

const (
	IdentityIP     IdentityType = "ip"
	IdentityAPIKey IdentityType = "api_key"
	IdentityTenant IdentityType = "tenant"
	IdentityUser   IdentityType = "user"
)

// ========================= Locations =========================

// Location is one point of a finding; synthetic findings carry several.
type Location struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Role     Role   `json:"role,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

// ========================= Triage verdicts =========================

const (
	TriageTruePositive  = "true_positive"
	TriageFalsePositive = "false_positive"
	TriageNeedsReview   = "needs_review"
	TriageUnknown       = "unknown"
)
