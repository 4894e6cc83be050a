package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/executor"
	"github.com/SiriusScan/code-audit/sirius/ingest"
	"github.com/SiriusScan/code-audit/sirius/ledger"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/snapshot"
	"github.com/SiriusScan/code-audit/sirius/store"
)

// Uploader accepts uploads; *ingest.Gateway implements it.
type Uploader interface {
	AcceptUpload(ctx context.Context, req ingest.UploadRequest) (*ingest.Upload, error)
}

// DoubleChecker re-triages findings; *executor.Executor implements it.
type DoubleChecker interface {
	DoubleCheck(ctx context.Context, req executor.DoubleCheckRequest) (executor.DoubleCheckResult, error)
}

type Handler struct {
	db        *gorm.DB
	kv        store.KVStore
	uploads   Uploader
	checks    DoubleChecker
	snapshots *snapshot.SnapshotManager
}

func NewHandler(db *gorm.DB, kv store.KVStore, uploads Uploader, checks DoubleChecker, snapshots *snapshot.SnapshotManager) *Handler {
	return &Handler{db: db, kv: kv, uploads: uploads, checks: checks, snapshots: snapshots}
}

type uploadResponse struct {
	TaskID         string               `json:"task_id"`
	Status         sirius.TaskStatus    `json:"status"`
	ProjectID      *string              `json:"project_id,omitempty"`
	PreviousTaskID *string              `json:"previous_task_id,omitempty"`
	IsRetest       bool                 `json:"is_retest"`
	Cost           models.CostBreakdown `json:"cost"`
	Replayed       bool                 `json:"replayed"`
}

// Upload handles POST /api/v1/scans.
func (h *Handler) Upload(c *gin.Context) {
	id := identity(c)
	up, err := h.uploads.AcceptUpload(c.Request.Context(), ingest.UploadRequest{
		TenantID:       id.TenantID,
		Body:           c.Request.Body,
		ContentType:    c.GetHeader("Content-Type"),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Origin:         id,
	})
	if err != nil {
		var rej *ingest.Rejection
		if errors.As(err, &rej) {
			abortJSON(c, rej.Status, rej.Code, rej.Message, rej.Details)
			return
		}
		slog.Error("Upload failed", "tenant_id", id.TenantID, "error", err)
		abortJSON(c, http.StatusInternalServerError, "internal_error", "upload could not be accepted", nil)
		return
	}

	payload, _ := up.Task.DecodePayload()
	status := http.StatusAccepted
	if up.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, uploadResponse{
		TaskID:         up.Task.ID,
		Status:         up.Task.Status,
		ProjectID:      up.Task.ProjectID,
		PreviousTaskID: up.Task.PreviousTaskID,
		IsRetest:       up.Task.IsRetest,
		Cost:           payload.Cost,
		Replayed:       up.Replayed,
	})
}

type progressView struct {
	Stage      string `json:"stage,omitempty"`
	Percent    int    `json:"percent"`
	ETASeconds int    `json:"eta_seconds"`
}

type taskResponse struct {
	ID             string            `json:"id"`
	Type           sirius.TaskType   `json:"type"`
	Status         sirius.TaskStatus `json:"status"`
	ProjectID      *string           `json:"project_id,omitempty"`
	PreviousTaskID *string           `json:"previous_task_id,omitempty"`
	IsRetest       bool              `json:"is_retest"`
	Retries        int               `json:"retries"`
	Progress       progressView      `json:"progress"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Summary        json.RawMessage   `json:"summary,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// GetTask handles GET /api/v1/scans/:id. Progress of a live task comes from
// the KV mirror when it is available.
func (h *Handler) GetTask(c *gin.Context) {
	task, ok := h.tenantTask(c)
	if !ok {
		return
	}

	resp := taskResponse{
		ID:             task.ID,
		Type:           task.Type,
		Status:         task.Status,
		ProjectID:      task.ProjectID,
		PreviousTaskID: task.PreviousTaskID,
		IsRetest:       task.IsRetest,
		Retries:        task.Retries,
		Progress:       progressView{Percent: task.ProgressPercent, ETASeconds: task.ETASeconds},
		FailureReason:  task.FailureReason,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		FinishedAt:     task.FinishedAt,
	}
	if len(task.Summary) > 0 {
		resp.Summary = json.RawMessage(task.Summary)
	}
	if task.Status == sirius.TaskStatusRunning && h.kv != nil {
		if p, err := store.GetProgress(c.Request.Context(), h.kv, task.ID); err == nil && p.Percent >= resp.Progress.Percent {
			resp.Progress = progressView{Stage: p.Stage, Percent: p.Percent, ETASeconds: p.ETASeconds}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListFindings handles GET /api/v1/scans/:id/findings with optional
// severity and diff_status filters.
func (h *Handler) ListFindings(c *gin.Context) {
	task, ok := h.tenantTask(c)
	if !ok {
		return
	}
	db := h.db.WithContext(c.Request.Context())
	findings, err := postgres.ListFindings(db, task.ID)
	if err != nil {
		h.internal(c, "list findings", err)
		return
	}
	fixed, err := postgres.ListFixedFindings(db, task.ID)
	if err != nil {
		h.internal(c, "list fixed findings", err)
		return
	}

	severity := c.Query("severity")
	diffStatus := c.Query("diff_status")
	filtered := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		if severity != "" && string(f.Severity) != severity {
			continue
		}
		if diffStatus != "" && f.DiffStatus != diffStatus {
			continue
		}
		filtered = append(filtered, f)
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":  task.ID,
		"status":   task.Status,
		"total":    len(filtered),
		"findings": filtered,
		"fixed":    fixed,
	})
}

type doubleCheckBody struct {
	Tier       string   `json:"tier" binding:"required"`
	FindingIDs []string `json:"finding_ids" binding:"required,min=1"`
}

// DoubleCheck handles POST /api/v1/scans/:id/double-check. The same
// Idempotency-Key always maps to the same request id, so retries are not
// billed twice.
func (h *Handler) DoubleCheck(c *gin.Context) {
	id := identity(c)
	var body doubleCheckBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abortJSON(c, http.StatusBadRequest, "malformed_request", err.Error(), nil)
		return
	}

	taskID := c.Param("id")
	requestID := uuid.NewString()
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		requestID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(id.TenantID+"/"+taskID+"/"+key)).String()
	}

	res, err := h.checks.DoubleCheck(c.Request.Context(), executor.DoubleCheckRequest{
		TenantID:   id.TenantID,
		TaskID:     taskID,
		RequestID:  requestID,
		Tier:       body.Tier,
		FindingIDs: body.FindingIDs,
	})
	var insufficient *ledger.InsufficientError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, postgres.ErrNotFound):
		abortJSON(c, http.StatusNotFound, "task_not_found", "task not found", nil)
	case errors.Is(err, executor.ErrNoFindings):
		abortJSON(c, http.StatusNotFound, "findings_not_found", err.Error(), nil)
	case errors.Is(err, executor.ErrTaskNotCompleted):
		abortJSON(c, http.StatusConflict, "task_not_completed", err.Error(), nil)
	case errors.Is(err, executor.ErrTierNotAllowed):
		abortJSON(c, http.StatusForbidden, ingest.CodeFeatureNotInPlan, err.Error(), gin.H{"tier": body.Tier})
	case errors.Is(err, executor.ErrUnknownTier):
		abortJSON(c, http.StatusBadRequest, ingest.CodeUnknownModelTier, err.Error(), gin.H{"tier": body.Tier})
	case errors.As(err, &insufficient):
		abortJSON(c, http.StatusPaymentRequired, ingest.CodeInsufficientCredit, "insufficient credits",
			gin.H{"required": insufficient.Required, "available": insufficient.Available})
	default:
		h.internal(c, "double-check", err)
	}
}

// ProjectSnapshots handles GET /api/v1/projects/:alias/snapshots.
func (h *Handler) ProjectSnapshots(c *gin.Context) {
	id := identity(c)
	project, err := postgres.GetProjectByAlias(h.db.WithContext(c.Request.Context()), id.TenantID, c.Param("alias"))
	if errors.Is(err, postgres.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, "project_not_found", "project not found", nil)
		return
	}
	if err != nil {
		h.internal(c, "load project", err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	snaps, err := h.snapshots.GetTrendData(c.Request.Context(), project.ID, limit)
	if err != nil {
		h.internal(c, "load snapshots", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "snapshots": snaps})
}

// TaskEvents handles GET /api/v1/scans/:id/events.
func (h *Handler) TaskEvents(c *gin.Context) {
	task, ok := h.tenantTask(c)
	if !ok {
		return
	}
	timeline, err := events.TaskTimeline(c.Request.Context(), h.db, task.ID)
	if err != nil {
		h.internal(c, "load task events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "events": timeline})
}

// Credits handles GET /api/v1/credits.
func (h *Handler) Credits(c *gin.Context) {
	id := identity(c)
	tenant, err := postgres.GetTenant(h.db.WithContext(c.Request.Context()), id.TenantID)
	if err != nil {
		abortJSON(c, http.StatusNotFound, "tenant_not_found", "unknown tenant", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant.TenantID, "plan": tenant.Plan, "balance": tenant.CreditsBalance})
}

func (h *Handler) tenantTask(c *gin.Context) (models.Task, bool) {
	id := identity(c)
	task, err := postgres.GetTenantTask(h.db.WithContext(c.Request.Context()), id.TenantID, c.Param("id"))
	if errors.Is(err, postgres.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, "task_not_found", "task not found", nil)
		return task, false
	}
	if err != nil {
		h.internal(c, "load task", err)
		return task, false
	}
	return task, true
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	slog.Error("Request failed", "op", op, "path", c.FullPath(), "error", err)
	abortJSON(c, http.StatusInternalServerError, "internal_error", op+" failed", nil)
}
