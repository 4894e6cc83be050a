// Package executor runs one scan task end to end: unpack, custom rules,
// analyzer, cross-file linking, AI triage, diffing, persistence and credit
// settlement.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/archive"
	"github.com/SiriusScan/code-audit/sirius/config"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/ledger"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/queue"
	"github.com/SiriusScan/code-audit/sirius/snapshot"
	"github.com/SiriusScan/code-audit/sirius/store"
	"github.com/SiriusScan/code-audit/sirius/taint"
	"github.com/SiriusScan/code-audit/sirius/telemetry"
	"github.com/SiriusScan/code-audit/sirius/triage"
)

// Failure reasons recorded on tasks.
const (
	ReasonUnsupportedType = "unsupported_task_type"
	ReasonInvalidPayload  = "invalid_payload"
	ReasonTenantNotFound  = "tenant_not_found"
	ReasonUnpackFailed    = "unpack_failed"
	ReasonAnalyzerFailed  = "analyzer_failed"
	ReasonInternal        = "internal_error"
)

var errLostOwnership = errors.New("task no longer owned by this worker")

// Scanner runs the static-analysis tool over an unpacked tree.
type Scanner interface {
	Run(ctx context.Context, dir string, extraConfigs ...string) ([]taint.Candidate, error)
}

// EventSink receives lifecycle events; events.Buffer implements it.
type EventSink interface {
	Add(e events.Entry)
}

// Outcome is how a task left the executor.
type Outcome struct {
	Status    sirius.TaskStatus
	Reason    string
	Retryable bool
}

// Deps are the collaborators of an Executor. Events and Snapshots are
// optional.
type Deps struct {
	DB        *gorm.DB
	Queue     *queue.JobQueue
	Ledger    *ledger.Ledger
	KV        store.KVStore
	Plans     *config.PlanCatalog
	Scanner   Scanner
	Triage    triage.Analyzer
	Rules     triage.RuleGenerator
	Matcher   taint.Matcher
	Snapshots *snapshot.SnapshotManager
	Events    EventSink
}

// Options tune the pipeline.
type Options struct {
	WorkDir       string
	Limits        archive.Limits
	TriageWorkers int
	TriageTimeout time.Duration
	LineBucket    int
	LineTolerance int
}

type Executor struct {
	Deps
	opts   Options
	linker *taint.Linker
	diff   *snapshot.DiffCalculator
	now    func() time.Time
}

func New(deps Deps, opts Options) *Executor {
	if opts.TriageWorkers <= 0 {
		opts.TriageWorkers = 4
	}
	return &Executor{
		Deps:   deps,
		opts:   opts,
		linker: taint.NewLinker(deps.Matcher),
		diff:   snapshot.NewDiffCalculator(opts.LineBucket, opts.LineTolerance),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// pipelineError carries the recorded reason and whether a retry may help.
type pipelineError struct {
	reason    string
	err       error
	retryable bool
}

func (e *pipelineError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *pipelineError) Unwrap() error { return e.err }

func terminal(reason string, err error) error {
	return &pipelineError{reason: reason, err: err}
}

func transient(reason string, err error) error {
	return &pipelineError{reason: reason, err: err, retryable: true}
}

// Execute runs a task the caller has dequeued. It never panics on pipeline
// errors; they are turned into a requeue or a terminal failure.
func (e *Executor) Execute(ctx context.Context, task *models.Task) Outcome {
	ctx, span := telemetry.StartSpan(ctx, "executor.execute",
		attribute.String("task.id", task.ID),
		attribute.String("tenant.id", task.TenantID),
		attribute.Int("task.retries", task.Retries),
	)
	defer span.End()

	log := slog.With("task_id", task.ID, "tenant_id", task.TenantID)
	log.Info("Executing task", "type", task.Type, "retries", task.Retries)
	e.emit(task, models.EventTypeScanStarted, models.SeverityInfo, "Scan started", nil)

	summary, err := e.run(ctx, task, log)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return e.handleFailure(ctx, task, err, log)
	}

	log.Info("Task completed", "findings", summary.TotalFindings, "new", summary.New,
		"fixed", summary.Fixed, "net_risk_score", summary.NetRiskScore)
	return Outcome{Status: sirius.TaskStatusCompleted}
}

func (e *Executor) run(ctx context.Context, task *models.Task, log *slog.Logger) (*models.TaskSummary, error) {
	if task.Type != sirius.TaskTypeCodeAudit {
		return nil, terminal(ReasonUnsupportedType, fmt.Errorf("task type %q", task.Type))
	}
	payload, err := task.DecodePayload()
	if err != nil {
		return nil, terminal(ReasonInvalidPayload, err)
	}
	tenant, err := postgres.GetTenant(e.DB.WithContext(ctx), task.TenantID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, terminal(ReasonTenantNotFound, err)
		}
		return nil, transient(ReasonInternal, err)
	}
	llm, err := tenant.DecodeLLMConfig()
	if err != nil {
		log.Warn("Ignoring unreadable tenant LLM config", "error", err)
	}
	limits := e.Plans.Limits(tenant.Plan).WithFlags(llm.DeepCodeVision, llm.CustomRules, llm.ModelTiers)
	deep := payload.DeepCodeVision || limits.DeepCodeVision
	pricing := e.Plans.Pricing()

	workDir := filepath.Join(e.opts.WorkDir, task.ID)
	if err := os.RemoveAll(workDir); err != nil {
		return nil, transient(ReasonInternal, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("Failed to remove work dir", "dir", workDir, "error", err)
		}
	}()
	p := e.newProgress(task)

	// 1. Unpack
	srcDir := filepath.Join(workDir, "src")
	stats, err := e.unpack(ctx, payload.ArchivePath, srcDir)
	if err != nil {
		return nil, terminal(ReasonUnpackFailed, err)
	}
	log.Debug("Archive unpacked", "files", stats.Files, "bytes", stats.Bytes)
	p.report(ctx, stageUnpack)

	// 2. Custom rules
	var ruleConfigs []string
	generated, failedRules := 0, []string(nil)
	if len(payload.CustomRules) > 0 {
		ruleDir := filepath.Join(workDir, "rules")
		generated, failedRules, err = e.generateRules(ctx, ruleDir, payload.CustomRules)
		if err != nil {
			return nil, transient(ReasonInternal, err)
		}
		if generated > 0 {
			ruleConfigs = append(ruleConfigs, ruleDir)
		}
	}
	p.report(ctx, stageRules)

	// 3. Analyzer
	scanCtx, scanSpan := telemetry.StartSpan(ctx, "executor.analyze")
	cands, err := e.Scanner.Run(scanCtx, srcDir, ruleConfigs...)
	if err != nil {
		telemetry.AddSpanError(scanCtx, err)
		scanSpan.End()
		return nil, transient(ReasonAnalyzerFailed, err)
	}
	scanSpan.End()
	p.report(ctx, stageScan)

	// 4. Cross-file linking
	synthetic := e.linker.Link(cands)
	findings, err := buildFindings(task.ID, cands, synthetic)
	if err != nil {
		return nil, transient(ReasonInternal, err)
	}
	telemetry.AddSpanEvent(ctx, "linked", attribute.Int("candidates", len(cands)), attribute.Int("synthetic", len(synthetic)))
	p.report(ctx, stageLink)

	// 5. Triage, then the optional automatic double-check
	tier := payload.ModelTier
	if tier == "" {
		tier = defaultTier
	}
	degraded := e.triageFindings(ctx, findings, srcDir, deep, pricing.Model(tier))
	checked := 0
	if dc := payload.DoubleCheck; dc != nil && dc.MaxFindings > 0 {
		checked = e.doubleCheckFindings(ctx, topBySeverity(findings, dc.MaxFindings), srcDir, deep, dc.Tier, pricing.Model(dc.Tier))
	}
	p.report(ctx, stageTriage)

	// 6. Diff
	var previous []models.Finding
	previousID := ""
	if task.PreviousTaskID != nil {
		previousID = *task.PreviousTaskID
		if previous, err = postgres.ListFindings(e.DB.WithContext(ctx), previousID); err != nil {
			return nil, transient(ReasonInternal, err)
		}
	}
	started := e.now()
	diff := e.diff.Diff(findings, previous)
	p.report(ctx, stageDiff)

	// 7. Persist and complete
	actual := payload.Cost.Charge(generated, checked)
	summary := buildSummary(findings, diff, degraded, failedRules, payload.Cost.Total, actual)
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, transient(ReasonInternal, err)
	}
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(findings) > 0 {
			if err := tx.CreateInBatches(findings, 200).Error; err != nil {
				return fmt.Errorf("insert findings: %w", err)
			}
		}
		if fixed := diff.FixedRecords(task.ID, previousID); len(fixed) > 0 {
			if err := tx.CreateInBatches(fixed, 200).Error; err != nil {
				return fmt.Errorf("insert fixed findings: %w", err)
			}
		}
		return e.Queue.CompleteTx(tx, task.ID, summaryJSON)
	})
	if errors.Is(err, queue.ErrInvalidTransition) {
		return nil, &pipelineError{reason: ReasonInternal, err: fmt.Errorf("%w: %v", errLostOwnership, err)}
	}
	if err != nil {
		return nil, transient(ReasonInternal, err)
	}

	// 8. Settlement
	e.settle(ctx, task, payload, len(failedRules), actual, log)

	if task.ProjectID != nil && e.Snapshots != nil {
		snap := snapshot.BuildSnapshot(*task.ProjectID, task.ID, previousID, findings, diff, started)
		if err := e.Snapshots.SaveSnapshot(ctx, snap); err != nil {
			log.Warn("Failed to save scan snapshot", "error", err)
		}
	}
	p.finish(ctx, sirius.TaskStatusCompleted)
	e.emit(task, models.EventTypeScanCompleted, models.SeverityInfo, "Scan completed", map[string]interface{}{
		"findings":       summary.TotalFindings,
		"synthetic":      summary.SyntheticFindings,
		"new":            summary.New,
		"fixed":          summary.Fixed,
		"recurring":      summary.Recurring,
		"net_risk_score": summary.NetRiskScore,
	})
	return summary, nil
}

func (e *Executor) unpack(ctx context.Context, src, dest string) (archive.Stats, error) {
	_, span := telemetry.StartSpan(ctx, "executor.unpack")
	defer span.End()
	return archive.Unpack(src, dest, e.opts.Limits)
}

// generateRules writes every rule that generated and validated into ruleDir
// and returns how many succeeded plus the descriptions that failed.
func (e *Executor) generateRules(ctx context.Context, ruleDir string, descriptions []string) (int, []string, error) {
	if err := os.MkdirAll(ruleDir, 0o755); err != nil {
		return 0, nil, err
	}
	if e.Rules == nil {
		return 0, descriptions, nil
	}

	generated := 0
	var failed []string
	for i, out := range triage.GenerateRules(ctx, e.Rules, descriptions, e.opts.TriageWorkers, e.opts.TriageTimeout) {
		if out.Err != nil {
			failed = append(failed, out.Description)
			continue
		}
		path := filepath.Join(ruleDir, fmt.Sprintf("custom_%02d.yaml", i))
		if err := os.WriteFile(path, []byte(out.YAML), 0o644); err != nil {
			return 0, nil, fmt.Errorf("write custom rule: %w", err)
		}
		generated++
	}
	return generated, failed, nil
}

func buildFindings(taskID string, cands []taint.Candidate, synthetic []taint.Finding) ([]models.Finding, error) {
	findings := make([]models.Finding, 0, len(cands)+len(synthetic))
	for _, c := range cands {
		findings = append(findings, models.Finding{
			ID:          uuid.New().String(),
			TaskID:      taskID,
			RuleID:      c.RuleID,
			RuleName:    c.RuleName,
			Severity:    c.Severity,
			FilePath:    c.FilePath,
			Line:        c.Line,
			EndLine:     c.EndLine,
			CWE:         c.CWE,
			CVE:         c.CVE,
			CodeSnippet: c.CodeSnippet,
			Message:     c.Message,
			Role:        c.Role,
		})
	}
	for _, s := range synthetic {
		f := models.Finding{
			ID:        uuid.New().String(),
			TaskID:    taskID,
			RuleID:    s.RuleID,
			RuleName:  s.RuleName,
			Severity:  s.Severity,
			FilePath:  s.FilePath,
			Line:      s.Line,
			EndLine:   s.Line,
			CWE:       s.CWE,
			Message:   s.Message,
			Synthetic: true,
		}
		if err := f.EncodeLocations(s.Locations); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func locationsOf(f *models.Finding) []sirius.Location {
	if f.Synthetic {
		if locs, err := f.DecodeLocations(); err == nil && len(locs) > 0 {
			return locs
		}
	}
	return []sirius.Location{{FilePath: f.FilePath, Line: f.Line, Role: f.Role}}
}

func triageRequest(f *models.Finding, srcDir string, deep bool, model string) triage.Request {
	locs := locationsOf(f)
	return triage.Request{
		Finding: triage.Finding{
			RuleID:      f.RuleID,
			RuleName:    f.RuleName,
			Severity:    f.Severity,
			FilePath:    f.FilePath,
			Line:        f.Line,
			CWE:         f.CWE,
			Message:     f.Message,
			CodeSnippet: f.CodeSnippet,
			Synthetic:   f.Synthetic,
			Locations:   locs,
		},
		Context: triage.BuildContext(srcDir, locs, deep),
		Model:   model,
	}
}

// triageFindings attaches an analysis to every finding and returns how many
// are degraded.
func (e *Executor) triageFindings(ctx context.Context, findings []models.Finding, srcDir string, deep bool, model string) int {
	ctx, span := telemetry.StartSpan(ctx, "executor.triage", attribute.Int("findings", len(findings)))
	defer span.End()

	reqs := make([]triage.Request, len(findings))
	for i := range findings {
		reqs[i] = triageRequest(&findings[i], srcDir, deep, model)
	}
	results := triage.AnalyzeAll(ctx, e.Triage, reqs, e.opts.TriageWorkers, e.opts.TriageTimeout)

	degraded := 0
	for i, r := range results {
		if r.Degraded {
			degraded++
		}
		findings[i].EncodeAnalysis(models.Analysis{
			Triage:         r.Triage,
			Reasoning:      r.Reasoning,
			Recommendation: r.Recommendation,
			Model:          r.Model,
			Degraded:       r.Degraded,
			Error:          r.Error,
		})
	}
	return degraded
}

// doubleCheckFindings re-triages findings with a tier's model and attaches
// each successful verdict as analysis.doubleCheck. It returns the number of
// findings actually checked; degraded calls are not charged.
func (e *Executor) doubleCheckFindings(ctx context.Context, findings []*models.Finding, srcDir string, deep bool, tier, model string) int {
	if len(findings) == 0 {
		return 0
	}
	ctx, span := telemetry.StartSpan(ctx, "executor.double_check",
		attribute.String("tier", tier), attribute.Int("findings", len(findings)))
	defer span.End()

	reqs := make([]triage.Request, len(findings))
	for i, f := range findings {
		reqs[i] = triageRequest(f, srcDir, deep, model)
	}
	results := triage.AnalyzeAll(ctx, e.Triage, reqs, e.opts.TriageWorkers, e.opts.TriageTimeout)

	checked := 0
	for i, r := range results {
		if r.Degraded {
			continue
		}
		a, err := findings[i].DecodeAnalysis()
		if err != nil {
			continue
		}
		a.DoubleCheck = &models.DoubleCheck{
			Model:          r.Model,
			Tier:           tier,
			Triage:         r.Triage,
			Reasoning:      r.Reasoning,
			Recommendation: r.Recommendation,
			CheckedAt:      e.now(),
		}
		if err := findings[i].EncodeAnalysis(a); err != nil {
			continue
		}
		checked++
	}
	return checked
}

// topBySeverity picks up to n findings, most severe first, keeping report
// order among equals.
func topBySeverity(findings []models.Finding, n int) []*models.Finding {
	ptrs := make([]*models.Finding, len(findings))
	for i := range findings {
		ptrs[i] = &findings[i]
	}
	sort.SliceStable(ptrs, func(i, j int) bool {
		return ptrs[i].Severity.Rank() > ptrs[j].Severity.Rank()
	})
	if len(ptrs) > n {
		ptrs = ptrs[:n]
	}
	return ptrs
}

func buildSummary(findings []models.Finding, diff snapshot.DiffResult, degraded int, failedRules []string, reserved, actual int64) *models.TaskSummary {
	s := &models.TaskSummary{
		TotalFindings:     len(findings),
		BySeverity:        make(map[sirius.Severity]int),
		New:               len(diff.New),
		Fixed:             len(diff.Fixed),
		Recurring:         len(diff.Recurring),
		NetRiskScore:      snapshot.NetRiskScore(findings),
		TriageDegraded:    degraded,
		FailedCustomRules: failedRules,
		ReservedCredits:   reserved,
		ActualCredits:     actual,
		RefundedCredits:   reserved - actual,
	}
	for i := range findings {
		s.BySeverity[findings[i].Severity]++
		if findings[i].Synthetic {
			s.SyntheticFindings++
		}
	}
	return s
}

// settle refunds the fees of custom rules that failed to generate, then
// charges actual and refunds the rest of the hold. The task is already
// completed; ledger errors are logged and can be replayed with the same
// keys.
func (e *Executor) settle(ctx context.Context, task *models.Task, payload models.TaskPayload, failedRules int, actual int64, log *slog.Logger) {
	if task.ReservationID == "" {
		return
	}
	if failedRules > 0 {
		fee := int64(failedRules) * payload.Cost.RuleFee
		if _, err := e.Ledger.Refund(ctx, task.ReservationID, fee, fmt.Sprintf("%d custom rules failed to generate", failedRules), task.ID+":custom_rules"); err != nil {
			log.Error("Failed to refund custom rule fees", "amount", fee, "error", err)
		}
	}
	s, err := e.Ledger.Settle(ctx, task.ReservationID, actual, task.ID+":settle")
	if err != nil {
		log.Error("Failed to settle credits", "actual", actual, "error", err)
		return
	}
	e.emit(task, models.EventTypeCreditsSettle, models.SeverityInfo, "Credits settled", map[string]interface{}{
		"reservation_id": s.ReservationID,
		"charged":        s.Charged,
		"refunded":       s.Refunded,
		"reserved":       payload.Cost.Total,
	})
}

// ReleaseCredits returns a failed task's whole remaining hold.
func (e *Executor) ReleaseCredits(ctx context.Context, task models.Task, reason string) {
	if task.ReservationID == "" {
		return
	}
	if _, err := e.Ledger.Release(ctx, task.ReservationID, reason, task.ID+":release"); err != nil {
		slog.Error("Failed to release credits", "task_id", task.ID, "reservation_id", task.ReservationID, "error", err)
	}
}

func (e *Executor) handleFailure(ctx context.Context, task *models.Task, err error, log *slog.Logger) Outcome {
	if errors.Is(err, errLostOwnership) {
		// Reaped or requeued elsewhere; whoever moved it owns the cleanup.
		log.Warn("Dropping task result", "error", err)
		return Outcome{Status: sirius.TaskStatusFailed, Reason: err.Error()}
	}

	var pe *pipelineError
	if !errors.As(err, &pe) {
		pe = &pipelineError{reason: ReasonInternal, err: err, retryable: true}
	}
	reason := pe.Error()
	p := e.newProgress(task)

	if pe.retryable {
		requeued, qerr := e.Queue.Requeue(ctx, task.ID, reason)
		if qerr != nil {
			log.Error("Failed to requeue task", "reason", reason, "error", qerr)
			return Outcome{Status: sirius.TaskStatusFailed, Reason: reason}
		}
		if requeued {
			log.Warn("Task requeued after transient failure", "reason", reason)
			p.finish(ctx, sirius.TaskStatusQueued)
			e.emit(task, models.EventTypeScanRequeued, models.SeverityWarning, "Scan requeued", map[string]interface{}{
				"reason":  reason,
				"retries": task.Retries + 1,
			})
			return Outcome{Status: sirius.TaskStatusQueued, Reason: reason, Retryable: true}
		}
		reason = queue.ReasonRetriesExhausted + ": " + reason
	} else if ferr := e.Queue.Fail(ctx, task.ID, reason); ferr != nil {
		log.Error("Failed to mark task failed", "reason", reason, "error", ferr)
		return Outcome{Status: sirius.TaskStatusFailed, Reason: reason}
	}

	e.ReleaseCredits(ctx, *task, reason)
	p.finish(ctx, sirius.TaskStatusFailed)
	e.emit(task, models.EventTypeScanFailed, models.SeverityError, "Scan failed", map[string]interface{}{"reason": reason})
	return Outcome{Status: sirius.TaskStatusFailed, Reason: reason}
}

func (e *Executor) emit(task *models.Task, typ, severity, title string, meta map[string]interface{}) {
	if e.Events == nil {
		return
	}
	e.Events.Add(events.Entry{
		Type:         typ,
		Severity:     severity,
		Title:        title,
		Subcomponent: "executor",
		EntityType:   models.EntityTypeTask,
		EntityID:     task.ID,
		Metadata:     meta,
	})
}
