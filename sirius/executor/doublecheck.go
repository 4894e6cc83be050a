package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

var (
	ErrTaskNotCompleted = errors.New("task is not completed")
	ErrTierNotAllowed   = errors.New("model tier not included in plan")
	ErrUnknownTier      = errors.New("unknown model tier")
	ErrNoFindings       = errors.New("no matching findings")
)

// DoubleCheckRequest re-triages existing findings of a completed task with
// a costlier model tier. RequestID makes the request idempotent.
type DoubleCheckRequest struct {
	TenantID   string
	TaskID     string
	RequestID  string
	Tier       string
	FindingIDs []string
}

// DoubleCheckResult reports what was charged. Findings carry the updated
// analyses when the request ran in this call.
type DoubleCheckResult struct {
	RequestID string           `json:"request_id"`
	Requested int              `json:"requested"`
	Checked   int              `json:"checked"`
	Charged   int64            `json:"charged"`
	Refunded  int64            `json:"refunded"`
	Findings  []models.Finding `json:"findings,omitempty"`
}

func doubleCheckKey(requestID string) string {
	return "doublecheck:" + requestID
}

// DoubleCheck holds n x tierRate credits, re-triages the findings without
// re-running the analyzer, then charges only for findings that got a
// verdict.
func (e *Executor) DoubleCheck(ctx context.Context, req DoubleCheckRequest) (DoubleCheckResult, error) {
	result := DoubleCheckResult{RequestID: req.RequestID}
	db := e.DB.WithContext(ctx)

	task, err := postgres.GetTenantTask(db, req.TenantID, req.TaskID)
	if err != nil {
		return result, err
	}
	if task.Status != sirius.TaskStatusCompleted {
		return result, fmt.Errorf("%w: %s", ErrTaskNotCompleted, task.Status)
	}

	tenant, err := postgres.GetTenant(db, req.TenantID)
	if err != nil {
		return result, err
	}
	llm, _ := tenant.DecodeLLMConfig()
	limits := e.Plans.Limits(tenant.Plan).WithFlags(llm.DeepCodeVision, llm.CustomRules, llm.ModelTiers)
	if !limits.AllowsTier(req.Tier) {
		return result, fmt.Errorf("%w: %s", ErrTierNotAllowed, req.Tier)
	}
	pricing := e.Plans.Pricing()
	rate, ok := pricing.TierRate(req.Tier)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrUnknownTier, req.Tier)
	}

	var findings []models.Finding
	if len(req.FindingIDs) > 0 {
		if err := db.Where("task_id = ? AND id IN ?", task.ID, req.FindingIDs).
			Order("created_at ASC").Order("id ASC").Find(&findings).Error; err != nil {
			return result, fmt.Errorf("load findings: %w", err)
		}
	}
	if len(findings) == 0 {
		return result, ErrNoFindings
	}
	result.Requested = len(findings)

	key := doubleCheckKey(req.RequestID)
	res, err := e.Ledger.Reserve(ctx, req.TenantID, task.ID, key, int64(len(findings))*rate)
	if err != nil {
		return result, err
	}
	if res.Status != models.ReservationHeld {
		// Replay of a finished request.
		result.Charged = res.Settled
		result.Refunded = res.Refunded
		if rate > 0 {
			result.Checked = int(res.Settled / rate)
		}
		return result, nil
	}

	payload, _ := task.DecodePayload()
	srcDir, cleanup := e.contextTree(ctx, task.ID, req.RequestID, payload.ArchivePath)
	defer cleanup()

	ptrs := make([]*models.Finding, len(findings))
	for i := range findings {
		ptrs[i] = &findings[i]
	}
	deep := payload.DeepCodeVision || limits.DeepCodeVision
	checked := e.doubleCheckFindings(ctx, ptrs, srcDir, deep, req.Tier, pricing.Model(req.Tier))

	err = db.Transaction(func(tx *gorm.DB) error {
		for i := range findings {
			if err := tx.Model(&models.Finding{}).Where("id = ?", findings[i].ID).
				Update("analysis", findings[i].Analysis).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, rerr := e.Ledger.Release(ctx, res.ID, "double-check not saved", key+":release"); rerr != nil {
			slog.Error("Failed to release double-check hold", "request_id", req.RequestID, "error", rerr)
		}
		return result, fmt.Errorf("save double-check results: %w", err)
	}

	s, err := e.Ledger.Settle(ctx, res.ID, int64(checked)*rate, key+":settle")
	if err != nil {
		return result, err
	}
	result.Checked = checked
	result.Charged = s.Charged
	result.Refunded = s.Refunded
	result.Findings = findings

	e.emit(&task, models.EventTypeCreditsSettle, models.SeverityInfo, "Double-check settled", map[string]interface{}{
		"request_id": req.RequestID,
		"tier":       req.Tier,
		"requested":  result.Requested,
		"checked":    checked,
		"charged":    s.Charged,
		"refunded":   s.Refunded,
	})
	return result, nil
}

// contextTree unpacks the stored archive again so triage sees source
// context. Without it the findings' own snippets are all the model gets.
func (e *Executor) contextTree(ctx context.Context, taskID, requestID, archivePath string) (string, func()) {
	dir := filepath.Join(e.opts.WorkDir, taskID+"-dc-"+sanitizeID(requestID))
	cleanup := func() { os.RemoveAll(dir) }
	if archivePath == "" {
		return dir, cleanup
	}
	if _, err := e.unpack(ctx, archivePath, dir); err != nil {
		slog.Warn("Double-check running without source context", "task_id", taskID, "error", err)
	}
	return dir, cleanup
}

func sanitizeID(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
