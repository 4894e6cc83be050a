package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/SiriusScan/code-audit/sirius"
)

// Task is one queued unit of scan work.
type Task struct {
	ID              string            `gorm:"primaryKey;size:36" json:"id"`
	TenantID        string            `gorm:"not null;size:64;index:idx_tasks_tenant;uniqueIndex:idx_tasks_idempotency,priority:1" json:"tenant_id"`
	Type            sirius.TaskType   `gorm:"not null;size:20" json:"type"`
	Status          sirius.TaskStatus `gorm:"not null;size:20;index:idx_tasks_dequeue,priority:1" json:"status"`
	Payload         datatypes.JSON    `json:"payload"`
	Retries         int               `gorm:"not null;default:0" json:"retries"`
	MaxRetries      int               `gorm:"not null;default:3" json:"max_retries"`
	Priority        int               `gorm:"not null;default:0;index:idx_tasks_dequeue,priority:2" json:"priority"`
	ProjectID       *string           `gorm:"size:36;index:idx_tasks_project" json:"project_id,omitempty"`
	PreviousTaskID  *string           `gorm:"size:36" json:"previous_task_id,omitempty"`
	IsRetest        bool              `gorm:"not null;default:false" json:"is_retest"`
	ProgressPercent int               `gorm:"not null;default:0" json:"progress_percent"`
	ETASeconds      int               `gorm:"not null;default:0" json:"eta_seconds"`
	IdempotencyKey  *string           `gorm:"size:255;uniqueIndex:idx_tasks_idempotency,priority:2" json:"idempotency_key,omitempty"`
	ReservationID   string            `gorm:"size:36" json:"reservation_id,omitempty"`
	FailureReason   string            `gorm:"type:text" json:"failure_reason,omitempty"`
	Summary         datatypes.JSON    `json:"summary,omitempty"`
	WorkerID        string            `gorm:"size:100" json:"worker_id,omitempty"`
	CreatedAt       time.Time         `gorm:"index:idx_tasks_dequeue,priority:3" json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// DoubleCheckRequest asks for an automatic costlier re-triage of the top
// findings once the scan completes.
type DoubleCheckRequest struct {
	Tier        string `json:"tier"`
	MaxFindings int    `json:"max_findings"`
}

// CostBreakdown is the worst-case hold computed at upload time. CustomRules
// and DoubleCheck are unit counts; RuleFee and TierRate their unit prices.
type CostBreakdown struct {
	Base        int64 `json:"base"`
	CustomRules int64 `json:"custom_rules"`
	RuleFee     int64 `json:"rule_fee"`
	DoubleCheck int64 `json:"double_check"`
	TierRate    int64 `json:"tier_rate"`
	Total       int64 `json:"total"`
}

// NewCostBreakdown fills Total from the unit counts and prices.
func NewCostBreakdown(base, rules, ruleFee, findings, tierRate int64) CostBreakdown {
	return CostBreakdown{
		Base:        base,
		CustomRules: rules,
		RuleFee:     ruleFee,
		DoubleCheck: findings,
		TierRate:    tierRate,
		Total:       base + rules*ruleFee + findings*tierRate,
	}
}

// Charge is the cost of what was actually delivered, never above Total.
func (c CostBreakdown) Charge(rulesGenerated, findingsChecked int) int64 {
	rules := min(int64(rulesGenerated), c.CustomRules)
	checked := min(int64(findingsChecked), c.DoubleCheck)
	return c.Base + rules*c.RuleFee + checked*c.TierRate
}

// TaskPayload is the typed form of Task.Payload.
type TaskPayload struct {
	ArchivePath    string              `json:"archive_path"`
	FileName       string              `json:"file_name"`
	Profile        string              `json:"profile,omitempty"`
	ModelTier      string              `json:"model_tier,omitempty"`
	CustomRules    []string            `json:"custom_rules,omitempty"`
	DoubleCheck    *DoubleCheckRequest `json:"double_check,omitempty"`
	DeepCodeVision bool                `json:"deep_code_vision"`
	Cost           CostBreakdown       `json:"cost"`
}

// DecodePayload unmarshals the task payload. An empty payload yields the
// zero value.
func (t *Task) DecodePayload() (TaskPayload, error) {
	var p TaskPayload
	if len(t.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.Payload, &p)
	return p, err
}

// EncodePayload stores p on the task.
func (t *Task) EncodePayload(p TaskPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	t.Payload = datatypes.JSON(b)
	return nil
}

// TaskSummary is written on completion and read by reporting.
type TaskSummary struct {
	TotalFindings     int                     `json:"total_findings"`
	SyntheticFindings int                     `json:"synthetic_findings"`
	BySeverity        map[sirius.Severity]int `json:"by_severity"`
	New               int                     `json:"new"`
	Fixed             int                     `json:"fixed"`
	Recurring         int                     `json:"recurring"`
	NetRiskScore      float64                 `json:"net_risk_score"`
	TriageDegraded    int                     `json:"triage_degraded"`
	FailedCustomRules []string                `json:"failed_custom_rules,omitempty"`
	ReservedCredits   int64                   `json:"reserved_credits"`
	ActualCredits     int64                   `json:"actual_credits"`
	RefundedCredits   int64                   `json:"refunded_credits"`
}

// Project groups the tasks of one codebase so re-scans can be diffed.
// Alias is immutable and case-sensitive within a tenant.
type Project struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID    string    `gorm:"not null;size:64;uniqueIndex:idx_projects_tenant_alias,priority:1" json:"tenant_id"`
	Alias       string    `gorm:"not null;size:255;uniqueIndex:idx_projects_tenant_alias,priority:2" json:"alias"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// UploadArtifact records a stored archive for quota accounting and audit.
type UploadArtifact struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID    string    `gorm:"not null;size:64;index:idx_artifacts_tenant" json:"tenant_id"`
	ProjectID   *string   `gorm:"size:36" json:"project_id,omitempty"`
	TaskID      string    `gorm:"size:36;index" json:"task_id"`
	FileName    string    `gorm:"size:255" json:"file_name"`
	StoragePath string    `gorm:"type:text" json:"storage_path"`
	SizeBytes   int64     `gorm:"not null" json:"size_bytes"`
	SHA256      string    `gorm:"size:64" json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

func (UploadArtifact) TableName() string {
	return "upload_artifacts"
}
