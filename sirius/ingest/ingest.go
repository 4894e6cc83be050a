// Package ingest accepts source archive uploads. Every upload passes the
// hard gates (form, file type, tenant, quota, plan features, credits,
// malware) before anything is stored, billed or queued.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/config"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/ledger"
	"github.com/SiriusScan/code-audit/sirius/malware"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/queue"
	"github.com/SiriusScan/code-audit/sirius/store"
	"github.com/SiriusScan/code-audit/sirius/telemetry"
	"github.com/SiriusScan/code-audit/sirius/trust"
)

// Rejection codes.
const (
	CodeMalformedUpload    = "malformed_upload"
	CodeUploadTooLarge     = "upload_too_large"
	CodeInvalidFileType    = "invalid_file_type"
	CodeTenantNotFound     = "tenant_not_found"
	CodeQuotaExceeded      = "storage_quota_exceeded"
	CodeFeatureNotInPlan   = "feature_not_in_plan"
	CodeUnknownModelTier   = "unknown_model_tier"
	CodeInsufficientCredit = "insufficient_credits"
	CodeMalwareDetected    = "malware_detected"
	CodeMalwareUnavailable = "malware_scan_unavailable"
	CodeIdempotencyBusy    = "idempotency_key_in_use"
)

// archiveTypes are the accepted archive MIME types, matched against the
// detected type and its parents so zip-based formats pass as zip.
var archiveTypes = []string{"application/zip", "application/gzip", "application/x-tar"}

// Rejection is a refused upload. Status is the HTTP status to answer with.
type Rejection struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("upload rejected (%s): %s", r.Code, r.Message)
}

func reject(status int, code, msg string, details map[string]interface{}) *Rejection {
	return &Rejection{Status: status, Code: code, Message: msg, Details: details}
}

// Banner bans identities; *trust.Gate implements it.
type Banner interface {
	Ban(ctx context.Context, typ sirius.IdentityType, value, reason string, until *time.Time) error
}

// UploadRequest is one upload as received by the HTTP layer.
type UploadRequest struct {
	TenantID       string
	Body           io.Reader
	ContentType    string
	IdempotencyKey string
	Origin         trust.Identity
}

// Upload is an accepted upload. Replayed is set when the idempotency key
// matched an earlier submission and nothing new was billed.
type Upload struct {
	Task     *models.Task
	Cost     models.CostBreakdown
	Replayed bool
}

type Deps struct {
	DB       *gorm.DB
	Queue    *queue.JobQueue
	Ledger   *ledger.Ledger
	KV       store.KVStore
	Plans    *config.PlanCatalog
	Malware  malware.Scanner
	Trust    Banner
	Recorder *events.Recorder
}

type Options struct {
	ArtifactDir    string
	MaxUploadBytes int64
	IdempotencyTTL time.Duration
	MaxRetries     int
}

// Gateway runs the upload gates.
type Gateway struct {
	Deps
	opts Options
}

func NewGateway(deps Deps, opts Options) *Gateway {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Gateway{Deps: deps, opts: opts}
}

// AcceptUpload runs the gates in order and, when all pass, stores the
// archive, reserves the worst-case cost and queues a task. A refusal is
// returned as a *Rejection.
func (g *Gateway) AcceptUpload(ctx context.Context, req UploadRequest) (*Upload, error) {
	ctx, span := telemetry.StartSpan(ctx, "ingest.accept_upload", attribute.String("tenant.id", req.TenantID))
	defer span.End()
	log := slog.With("tenant_id", req.TenantID, "ip", req.Origin.IP)

	// 1. Form
	f, err := parseForm(req.Body, req.ContentType, filepath.Join(g.opts.ArtifactDir, "tmp"), g.opts.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, reject(http.StatusRequestEntityTooLarge, CodeUploadTooLarge, err.Error(),
				map[string]interface{}{"limit_bytes": g.opts.MaxUploadBytes})
		}
		return nil, reject(http.StatusBadRequest, CodeMalformedUpload, err.Error(), nil)
	}
	defer f.cleanup()
	span.SetAttributes(attribute.Int64("upload.size", f.Size))

	if existing, ok := g.replay(ctx, req); ok {
		log.Info("Returning task for repeated idempotency key", "task_id", existing.ID)
		return &Upload{Task: existing, Replayed: true}, nil
	}

	// 2. File type
	mt, err := mimetype.DetectFile(f.TempPath)
	if err != nil {
		return nil, fmt.Errorf("detect upload type: %w", err)
	}
	if !isArchive(mt) {
		return nil, reject(http.StatusBadRequest, CodeInvalidFileType, "upload is not a zip, tar or tar.gz archive",
			map[string]interface{}{"detected": mt.String()})
	}

	// 3. Tenant
	db := g.DB.WithContext(ctx)
	tenant, err := postgres.GetTenant(db, req.TenantID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, reject(http.StatusNotFound, CodeTenantNotFound, "unknown tenant", nil)
	}
	if err != nil {
		return nil, err
	}
	llm, err := tenant.DecodeLLMConfig()
	if err != nil {
		log.Warn("Ignoring unreadable tenant LLM config", "error", err)
	}
	limits := g.Plans.Limits(tenant.Plan).WithFlags(llm.DeepCodeVision, llm.CustomRules, llm.ModelTiers)
	pricing := g.Plans.Pricing()

	// 4. Quota
	used, err := postgres.StorageUsage(db, req.TenantID)
	if err != nil {
		return nil, err
	}
	if used+f.Size > limits.StorageLimitBytes {
		return nil, reject(http.StatusForbidden, CodeQuotaExceeded, "storage quota exceeded", map[string]interface{}{
			"limit_bytes":    limits.StorageLimitBytes,
			"used_bytes":     used,
			"incoming_bytes": f.Size,
		})
	}

	// 5. Plan features
	if rej := checkFeatures(f, limits); rej != nil {
		return nil, rej
	}

	// 6. Credits
	cost, rej := computeCost(f, pricing)
	if rej != nil {
		return nil, rej
	}
	if tenant.CreditsBalance < cost.Total {
		return nil, insufficient(cost.Total, tenant.CreditsBalance)
	}

	// 7. Malware
	if rej := g.scanMalware(ctx, req, f); rej != nil {
		return nil, rej
	}

	// 8. Persist, reserve, queue
	return g.persist(ctx, req, f, cost, log)
}

func isArchive(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		for _, t := range archiveTypes {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}

func checkFeatures(f *form, limits config.PlanLimits) *Rejection {
	notInPlan := func(feature string, details map[string]interface{}) *Rejection {
		if details == nil {
			details = map[string]interface{}{}
		}
		details["feature"] = feature
		return reject(http.StatusForbidden, CodeFeatureNotInPlan, feature+" is not included in the plan", details)
	}

	if len(f.CustomRules) > 0 {
		if !limits.CustomRules {
			return notInPlan("custom_rules", nil)
		}
		if len(f.CustomRules) > limits.MaxCustomRules {
			return notInPlan("custom_rules", map[string]interface{}{
				"requested": len(f.CustomRules),
				"max":       limits.MaxCustomRules,
			})
		}
	}
	if f.DeepCodeVision && !limits.DeepCodeVision {
		return notInPlan("deep_code_vision", nil)
	}
	if f.ModelTier != "" && !limits.AllowsTier(f.ModelTier) {
		return notInPlan("model_tier", map[string]interface{}{"tier": f.ModelTier})
	}
	if f.DoubleCheck != nil {
		if !limits.AllowsTier(f.DoubleCheck.Tier) {
			return notInPlan("double_check", map[string]interface{}{"tier": f.DoubleCheck.Tier})
		}
		if f.DoubleCheck.MaxFindings > limits.DoubleCheckLimit() {
			return notInPlan("double_check", map[string]interface{}{
				"requested": f.DoubleCheck.MaxFindings,
				"max":       limits.DoubleCheckLimit(),
			})
		}
	}
	return nil
}

// computeCost is the worst case: base, every custom rule, and a
// double-check of max_findings findings.
func computeCost(f *form, pricing config.Pricing) (models.CostBreakdown, *Rejection) {
	var findings, rate int64
	if f.DoubleCheck != nil {
		r, ok := pricing.TierRate(f.DoubleCheck.Tier)
		if !ok {
			return models.CostBreakdown{}, reject(http.StatusBadRequest, CodeUnknownModelTier,
				"no price for model tier", map[string]interface{}{"tier": f.DoubleCheck.Tier})
		}
		findings, rate = int64(f.DoubleCheck.MaxFindings), r
	}
	rules := int64(len(f.CustomRules))
	if !fitsCost(pricing.BaseCost, rules, pricing.CustomRuleFee, findings, rate) {
		return models.CostBreakdown{}, reject(http.StatusBadRequest, CodeMalformedUpload,
			"requested work exceeds the billable range", map[string]interface{}{"max_findings": findings})
	}
	return models.NewCostBreakdown(pricing.BaseCost, rules, pricing.CustomRuleFee, findings, rate), nil
}

// fitsCost reports whether base + rules*fee + findings*rate stays within
// int64. All inputs are non-negative.
func fitsCost(base, rules, fee, findings, rate int64) bool {
	if base < 0 || rules < 0 || fee < 0 || findings < 0 || rate < 0 {
		return false
	}
	room := int64(math.MaxInt64) - base
	if fee > 0 && rules > room/fee {
		return false
	}
	room -= rules * fee
	return rate == 0 || findings <= room/rate
}

func insufficient(required, available int64) *Rejection {
	return reject(http.StatusPaymentRequired, CodeInsufficientCredit, "insufficient credits", map[string]interface{}{
		"required":  required,
		"available": available,
	})
}

// scanMalware vets the spooled archive. A malicious upload is recorded and
// bans its IP, API key and tenant before the rejection is returned.
func (g *Gateway) scanMalware(ctx context.Context, req UploadRequest, f *form) *Rejection {
	ctx, span := telemetry.StartSpan(ctx, "ingest.malware_scan")
	defer span.End()

	file, err := os.Open(f.TempPath)
	if err != nil {
		slog.Error("Failed to reopen spooled upload", "error", err)
		return reject(http.StatusServiceUnavailable, CodeMalwareUnavailable, "malware scan could not run", nil)
	}
	defer file.Close()

	verdict, err := g.Malware.Scan(ctx, file, f.Size, f.FileName)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		slog.Warn("Malware scan unavailable, rejecting upload", "tenant_id", req.TenantID, "error", err)
		return reject(http.StatusServiceUnavailable, CodeMalwareUnavailable, "malware scan service unavailable", nil)
	}
	if verdict.Safe {
		return nil
	}

	reason := "malware detected"
	if verdict.Reason != "" {
		reason += ": " + verdict.Reason
	}
	slog.Warn("Malicious upload blocked", "tenant_id", req.TenantID, "ip", req.Origin.IP, "sha256", f.SHA256, "reason", verdict.Reason)

	if g.Recorder != nil {
		err := g.Recorder.Record(ctx, events.Entry{
			Type:         models.EventTypeFileBlocked,
			Severity:     models.SeverityCritical,
			Title:        "Malicious upload blocked",
			Description:  reason,
			Subcomponent: "ingest",
			EntityType:   models.EntityTypeUpload,
			EntityID:     f.SHA256,
			Metadata: map[string]interface{}{
				"tenant_id":  req.TenantID,
				"ip":         req.Origin.IP,
				"file_name":  f.FileName,
				"size_bytes": f.Size,
				"reason":     verdict.Reason,
			},
		})
		if err != nil {
			slog.Error("Failed to record blocked upload", "error", err)
		}
	}

	// Malware bans are permanent.
	bans := []struct {
		typ   sirius.IdentityType
		value string
	}{
		{sirius.IdentityIP, req.Origin.IP},
		{sirius.IdentityAPIKey, req.Origin.APIKeyHash},
		{sirius.IdentityTenant, req.TenantID},
	}
	for _, b := range bans {
		if b.value == "" || g.Trust == nil {
			continue
		}
		if err := g.Trust.Ban(ctx, b.typ, b.value, reason, nil); err != nil {
			slog.Error("Failed to ban identity after malware upload", "identity_type", b.typ, "error", err)
		}
	}
	return reject(http.StatusBadRequest, CodeMalwareDetected, "upload was flagged as malicious", nil)
}

// replay returns the live task already submitted under the request's
// idempotency key, if any.
func (g *Gateway) replay(ctx context.Context, req UploadRequest) (*models.Task, bool) {
	if req.IdempotencyKey == "" {
		return nil, false
	}
	if g.KV != nil {
		if id, err := store.LookupIdempotencyKey(ctx, g.KV, req.TenantID, req.IdempotencyKey); err == nil && id != "" {
			if task, err := postgres.GetTenantTask(g.DB.WithContext(ctx), req.TenantID, id); err == nil && task.Status != sirius.TaskStatusFailed {
				return &task, true
			}
		}
	}
	task, err := postgres.FindTaskByIdempotencyKey(g.DB.WithContext(ctx), req.TenantID, req.IdempotencyKey)
	if err != nil || task.Status == sirius.TaskStatusFailed {
		return nil, false
	}
	return &task, true
}

func (g *Gateway) persist(ctx context.Context, req UploadRequest, f *form, cost models.CostBreakdown, log *slog.Logger) (*Upload, error) {
	taskID := uuid.NewString()
	log = log.With("task_id", taskID)

	claimed := false
	if req.IdempotencyKey != "" && g.KV != nil {
		owner, ok, err := store.ClaimIdempotencyKey(ctx, g.KV, req.TenantID, req.IdempotencyKey, taskID, g.opts.IdempotencyTTL)
		switch {
		case err != nil:
			log.Warn("Idempotency store unavailable, relying on the database", "error", err)
		case ok:
			claimed = true
		default:
			if task, err := postgres.GetTenantTask(g.DB.WithContext(ctx), req.TenantID, owner); err == nil {
				if task.Status != sirius.TaskStatusFailed {
					return &Upload{Task: &task, Replayed: true}, nil
				}
				// The earlier attempt failed; take the key over.
				if err := store.ReplaceIdempotencyKey(ctx, g.KV, req.TenantID, req.IdempotencyKey, taskID, g.opts.IdempotencyTTL); err == nil {
					claimed = true
				}
			} else {
				return nil, reject(http.StatusConflict, CodeIdempotencyBusy, "a request with this idempotency key is in progress", nil)
			}
		}
	}
	accepted := false
	defer func() {
		if claimed && !accepted {
			if err := store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), g.KV, req.TenantID, req.IdempotencyKey); err != nil {
				log.Warn("Failed to release idempotency key", "error", err)
			}
		}
	}()

	// Artifact
	dir := filepath.Join(g.opts.ArtifactDir, req.TenantID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	storagePath := filepath.Join(dir, f.FileName)
	if err := os.Rename(f.TempPath, storagePath); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	f.TempPath = ""
	stored := false
	defer func() {
		if !stored {
			os.RemoveAll(dir)
		}
	}()

	task := models.Task{
		ID:         taskID,
		TenantID:   req.TenantID,
		Type:       sirius.TaskTypeCodeAudit,
		Status:     sirius.TaskStatusQueued,
		MaxRetries: g.opts.MaxRetries,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		task.IdempotencyKey = &key
	}
	err := task.EncodePayload(models.TaskPayload{
		ArchivePath:    storagePath,
		FileName:       f.FileName,
		Profile:        f.Profile,
		ModelTier:      f.ModelTier,
		CustomRules:    f.CustomRules,
		DoubleCheck:    f.DoubleCheck,
		DeepCodeVision: f.DeepCodeVision,
		Cost:           cost,
	})
	if err != nil {
		return nil, err
	}

	err = g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if f.Project != "" {
			project, err := postgres.UpsertProject(tx, req.TenantID, f.Project, f.ProjectName)
			if err != nil {
				return err
			}
			task.ProjectID = &project.ID
			previous, err := postgres.LatestCompletedTask(tx, project.ID)
			switch {
			case err == nil:
				task.PreviousTaskID = &previous.ID
				task.IsRetest = true
			case !errors.Is(err, postgres.ErrNotFound):
				return err
			}
		}

		if task.IdempotencyKey != nil {
			// A failed submission gives its key up to the retry.
			if err := tx.Model(&models.Task{}).
				Where("tenant_id = ? AND idempotency_key = ? AND status = ?", req.TenantID, *task.IdempotencyKey, sirius.TaskStatusFailed).
				Update("idempotency_key", nil).Error; err != nil {
				return err
			}
		}

		res, err := g.Ledger.ReserveTx(tx, req.TenantID, taskID, taskID+":reserve", cost.Total)
		if err != nil {
			return err
		}
		task.ReservationID = res.ID
		if err := tx.Create(&task).Error; err != nil {
			return err
		}
		return postgres.AddUploadArtifact(tx, &models.UploadArtifact{
			TenantID:    req.TenantID,
			ProjectID:   task.ProjectID,
			TaskID:      taskID,
			FileName:    f.FileName,
			StoragePath: storagePath,
			SizeBytes:   f.Size,
			SHA256:      f.SHA256,
		})
	})
	if err != nil {
		var ie *ledger.InsufficientError
		if errors.As(err, &ie) {
			return nil, insufficient(ie.Required, ie.Available)
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) && task.IdempotencyKey != nil {
			if existing, ok := g.replay(ctx, req); ok {
				return &Upload{Task: existing, Replayed: true}, nil
			}
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	stored, accepted = true, true

	if err := g.Queue.Enqueue(ctx, taskID); err != nil {
		// The row is durable; polling workers still pick it up.
		log.Warn("Failed to notify workers", "error", err)
	}
	log.Info("Upload accepted", "size_bytes", f.Size, "reserved", cost.Total, "project_id", task.ProjectID, "retest", task.IsRetest)
	return &Upload{Task: &task, Cost: cost}, nil
}
