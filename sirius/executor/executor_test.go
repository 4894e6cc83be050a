package executor

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/analyzer"
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
	"github.com/SiriusScan/code-audit/sirius/triage"
)

// ========================= Fakes =========================

type fakeScanner struct {
	mu      sync.Mutex
	cands   []taint.Candidate
	err     error
	configs []string
	dirs    []string
}

func (s *fakeScanner) Run(ctx context.Context, dir string, extra ...string) ([]taint.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = append(s.dirs, dir)
	s.configs = append(s.configs, extra...)
	return s.cands, s.err
}

// fakeTriage answers every call except those for failModel.
type fakeTriage struct {
	failModel string
	mu        sync.Mutex
	contexts  []string
}

func (f *fakeTriage) Analyze(ctx context.Context, req triage.Request) (triage.Result, error) {
	f.mu.Lock()
	f.contexts = append(f.contexts, req.Context)
	f.mu.Unlock()
	if req.Model == f.failModel {
		return triage.Result{}, triage.ErrUnavailable
	}
	verdict := sirius.TriageTruePositive
	if strings.Contains(req.Finding.RuleID, "weak-hash") {
		verdict = sirius.TriageFalsePositive
	}
	return triage.Result{Triage: verdict, Reasoning: "checked " + req.Finding.FilePath, Model: req.Model}, nil
}

type fakeRules struct{}

func (fakeRules) GenerateRule(ctx context.Context, desc string) (string, error) {
	if strings.Contains(desc, "nonsense") {
		return "", triage.ErrInvalidRule
	}
	return "rules:\n  - id: custom\n    message: m\n    languages: [js]\n    pattern: x\n", nil
}

type sink struct {
	mu      sync.Mutex
	entries []events.Entry
}

func (s *sink) Add(e events.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		out = append(out, e.Type)
	}
	return out
}

// ========================= Fixtures =========================

type fixture struct {
	exec    *Executor
	db      *gorm.DB
	queue   *queue.JobQueue
	ledger  *ledger.Ledger
	kv      store.KVStore
	scanner *fakeScanner
	triage  *fakeTriage
	events  *sink
	archive string
}

func scenarioA() []taint.Candidate {
	return []taint.Candidate{
		{RuleID: "js.req-body", FilePath: "src/controller.js", Line: 3, Role: sirius.RoleSource, Function: "create", Severity: sirius.SeverityInfo},
		{RuleID: "js.service-call", FilePath: "src/controller.js", Line: 5, Role: sirius.RoleCall, Function: "create", Receiver: "svc", Method: "save", Severity: sirius.SeverityInfo},
		{RuleID: "js.sqli", FilePath: "src/userService.js", Line: 2, Role: sirius.RoleSink, Method: "save", Severity: sirius.SeverityHigh, CWE: "CWE-89"},
	}
}

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	files := map[string]string{
		"src/controller.js":  "function create(req) {\n  const name = req.body.name;\n  // ...\n  svc.save(name);\n}\n",
		"src/userService.js": "function save(name) {\n  db.query('INSERT ' + name);\n}\n",
	}
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := postgres.Connect("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(db))
	require.NoError(t, db.Create(&models.TenantConfig{TenantID: "tenant-1", CreditsBalance: 100, Plan: sirius.PlanPremium}).Error)

	fx := &fixture{
		db:      db,
		queue:   queue.NewJobQueue(db, nil),
		ledger:  ledger.New(db),
		kv:      store.NewMemoryStore(),
		scanner: &fakeScanner{cands: scenarioA()},
		triage:  &fakeTriage{},
		events:  &sink{},
		archive: writeArchive(t),
	}
	fx.exec = New(Deps{
		DB:        db,
		Queue:     fx.queue,
		Ledger:    fx.ledger,
		KV:        fx.kv,
		Plans:     config.NewPlanCatalog(config.DefaultCatalog()),
		Scanner:   fx.scanner,
		Triage:    fx.triage,
		Rules:     fakeRules{},
		Snapshots: snapshot.NewSnapshotManager(fx.kv),
		Events:    fx.events,
	}, Options{
		WorkDir:       t.TempDir(),
		Limits:        archive.Limits{MaxBytes: 1 << 20, MaxFiles: 100},
		TriageWorkers: 2,
		TriageTimeout: time.Second,
	})
	return fx
}

type taskOpts struct {
	cost       models.CostBreakdown
	rules      []string
	dc         *models.DoubleCheckRequest
	project    *string
	previous   *string
	maxRetries int
	typ        sirius.TaskType
	archive    string
}

// submit creates a queued task with its credit hold and dequeues it.
func (fx *fixture) submit(t *testing.T, id string, o taskOpts) *models.Task {
	t.Helper()
	if o.typ == "" {
		o.typ = sirius.TaskTypeCodeAudit
	}
	if o.archive == "" {
		o.archive = fx.archive
	}
	if o.maxRetries == 0 {
		o.maxRetries = 2
	}
	task := models.Task{
		ID:             id,
		TenantID:       "tenant-1",
		Type:           o.typ,
		Status:         sirius.TaskStatusQueued,
		MaxRetries:     o.maxRetries,
		ProjectID:      o.project,
		PreviousTaskID: o.previous,
		IsRetest:       o.previous != nil,
	}
	require.NoError(t, task.EncodePayload(models.TaskPayload{
		ArchivePath: o.archive,
		FileName:    "upload.zip",
		CustomRules: o.rules,
		DoubleCheck: o.dc,
		Cost:        o.cost,
	}))
	require.NoError(t, fx.db.Transaction(func(tx *gorm.DB) error {
		res, err := fx.ledger.ReserveTx(tx, "tenant-1", id, id+":reserve", o.cost.Total)
		if err != nil {
			return err
		}
		task.ReservationID = res.ID
		return tx.Create(&task).Error
	}))

	claimed, err := fx.queue.Dequeue(context.Background(), "worker-test", queue.Filter{})
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	return claimed
}

func (fx *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := fx.ledger.Balance(context.Background(), "tenant-1")
	require.NoError(t, err)
	return b
}

func (fx *fixture) reload(t *testing.T, id string) models.Task {
	t.Helper()
	task, err := postgres.GetTask(fx.db, id)
	require.NoError(t, err)
	return task
}

func summaryOf(t *testing.T, task models.Task) models.TaskSummary {
	t.Helper()
	var s models.TaskSummary
	require.NoError(t, json.Unmarshal(task.Summary, &s))
	return s
}

// ========================= Tests =========================

func TestExecuteSettlesActualCost(t *testing.T) {
	fx := newFixture(t)
	// Every advanced-tier call fails, so the automatic double-check charges nothing.
	fx.triage.failModel = "triage-advanced"

	cost := models.NewCostBreakdown(6, 0, 2, 2, 2)
	require.Equal(t, int64(10), cost.Total)
	task := fx.submit(t, "task-e", taskOpts{cost: cost, dc: &models.DoubleCheckRequest{Tier: "advanced", MaxFindings: 2}})
	assert.Equal(t, int64(90), fx.balance(t))

	out := fx.exec.Execute(context.Background(), task)
	require.Equal(t, sirius.TaskStatusCompleted, out.Status, out.Reason)

	assert.Equal(t, int64(94), fx.balance(t), "net debit of 6")
	res, err := fx.ledger.GetReservation(context.Background(), task.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Settled)
	assert.Equal(t, int64(4), res.Refunded)
	assert.Equal(t, models.ReservationSettled, res.Status)

	done := fx.reload(t, task.ID)
	assert.Equal(t, 100, done.ProgressPercent)
	require.NotNil(t, done.FinishedAt)
	s := summaryOf(t, done)
	assert.Equal(t, int64(10), s.ReservedCredits)
	assert.Equal(t, int64(6), s.ActualCredits)
	assert.Equal(t, int64(4), s.RefundedCredits)
}

func TestExecutePersistsSyntheticFindings(t *testing.T) {
	fx := newFixture(t)
	task := fx.submit(t, "task-a", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0)})

	out := fx.exec.Execute(context.Background(), task)
	require.Equal(t, sirius.TaskStatusCompleted, out.Status, out.Reason)

	findings, err := postgres.ListFindings(fx.db, task.ID)
	require.NoError(t, err)
	require.Len(t, findings, 4, "three raw matches plus one chain")

	var synthetic []models.Finding
	for _, f := range findings {
		assert.NotEmpty(t, f.Fingerprint)
		assert.Equal(t, models.DiffNew, f.DiffStatus)
		a, err := f.DecodeAnalysis()
		require.NoError(t, err)
		assert.Equal(t, sirius.TriageTruePositive, a.Triage)
		if f.Synthetic {
			synthetic = append(synthetic, f)
		}
	}
	require.Len(t, synthetic, 1)
	assert.Equal(t, "crossfile-taint.js.sqli", synthetic[0].RuleID)
	assert.Equal(t, sirius.SeverityCritical, synthetic[0].Severity)
	locs, err := synthetic[0].DecodeLocations()
	require.NoError(t, err)
	assert.Len(t, locs, 3)

	// Triage saw the unpacked source.
	joined := strings.Join(fx.triage.contexts, "\n")
	assert.Contains(t, joined, "svc.save(name)")

	p, err := store.GetProgress(context.Background(), fx.kv, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, string(sirius.TaskStatusCompleted), p.Status)

	assert.Contains(t, fx.events.types(), models.EventTypeScanCompleted)
	assert.Contains(t, fx.events.types(), models.EventTypeCreditsSettle)

	// Work dir is removed.
	_, err = os.Stat(filepath.Join(fx.exec.opts.WorkDir, task.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteRefundsFailedCustomRules(t *testing.T) {
	fx := newFixture(t)
	cost := models.NewCostBreakdown(5, 3, 2, 0, 0)
	task := fx.submit(t, "task-rules", taskOpts{
		cost:  cost,
		rules: []string{"flag eval", "nonsense please", "flag exec"},
	})
	assert.Equal(t, int64(89), fx.balance(t))

	out := fx.exec.Execute(context.Background(), task)
	require.Equal(t, sirius.TaskStatusCompleted, out.Status, out.Reason)

	// 5 base + 2 rules x 2 charged; the failed rule's fee comes back.
	assert.Equal(t, int64(91), fx.balance(t))
	var entry models.CreditEntry
	require.NoError(t, fx.db.Where("idempotency_key = ?", task.ID+":custom_rules").First(&entry).Error)
	assert.Equal(t, int64(2), entry.Amount)

	res, err := fx.ledger.GetReservation(context.Background(), task.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), res.Settled)
	assert.Equal(t, res.Amount-res.Settled, res.Refunded)

	s := summaryOf(t, fx.reload(t, task.ID))
	assert.Equal(t, []string{"nonsense please"}, s.FailedCustomRules)

	require.Len(t, fx.scanner.configs, 1, "generated rules are passed to the analyzer")
	assert.True(t, strings.HasSuffix(fx.scanner.configs[0], "rules"))
}

func TestExecuteRequeuesTransientFailure(t *testing.T) {
	fx := newFixture(t)
	fx.scanner.err = analyzer.ErrToolTimeout
	task := fx.submit(t, "task-retry", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0)})

	out := fx.exec.Execute(context.Background(), task)
	assert.Equal(t, sirius.TaskStatusQueued, out.Status)
	assert.True(t, out.Retryable)

	requeued := fx.reload(t, task.ID)
	assert.Equal(t, sirius.TaskStatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.Retries)
	assert.Equal(t, int64(95), fx.balance(t), "credits stay held across retries")
	assert.Contains(t, fx.events.types(), models.EventTypeScanRequeued)

	// The retry succeeds.
	fx.scanner.err = nil
	again, err := fx.queue.Dequeue(context.Background(), "worker-test", queue.Filter{})
	require.NoError(t, err)
	out = fx.exec.Execute(context.Background(), again)
	assert.Equal(t, sirius.TaskStatusCompleted, out.Status, out.Reason)
	assert.Equal(t, int64(95), fx.balance(t))
}

func TestExecuteFailsWhenRetriesExhausted(t *testing.T) {
	fx := newFixture(t)
	fx.scanner.err = analyzer.ErrToolFailed
	task := fx.submit(t, "task-exhausted", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0)})
	require.NoError(t, fx.db.Model(&models.Task{}).Where("id = ?", task.ID).Update("retries", 2).Error)

	out := fx.exec.Execute(context.Background(), task)
	assert.Equal(t, sirius.TaskStatusFailed, out.Status)
	assert.Contains(t, out.Reason, queue.ReasonRetriesExhausted)

	failed := fx.reload(t, task.ID)
	assert.Equal(t, sirius.TaskStatusFailed, failed.Status)
	assert.Equal(t, int64(100), fx.balance(t), "full refund")
	res, err := fx.ledger.GetReservation(context.Background(), task.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, res.Status)
}

func TestExecuteUnpackFailureIsTerminal(t *testing.T) {
	fx := newFixture(t)
	bad := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not an archive"), 0o644))
	task := fx.submit(t, "task-bad", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0), archive: bad})

	out := fx.exec.Execute(context.Background(), task)
	assert.Equal(t, sirius.TaskStatusFailed, out.Status)
	assert.False(t, out.Retryable)
	assert.Contains(t, out.Reason, ReasonUnpackFailed)

	failed := fx.reload(t, task.ID)
	assert.Equal(t, 0, failed.Retries, "unpack failures are not retried")
	assert.Contains(t, failed.FailureReason, ReasonUnpackFailed)
	assert.Equal(t, int64(100), fx.balance(t))
	assert.Empty(t, fx.scanner.dirs, "analyzer never ran")
	assert.Contains(t, fx.events.types(), models.EventTypeScanFailed)
}

func TestExecuteRejectsUnsupportedType(t *testing.T) {
	fx := newFixture(t)
	task := fx.submit(t, "task-web", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0), typ: sirius.TaskTypeWeb})

	out := fx.exec.Execute(context.Background(), task)
	assert.Equal(t, sirius.TaskStatusFailed, out.Status)
	assert.Contains(t, out.Reason, ReasonUnsupportedType)
	assert.Equal(t, int64(100), fx.balance(t))
}

func TestExecuteDiffsAgainstPreviousScan(t *testing.T) {
	fx := newFixture(t)
	project := "proj-1"
	require.NoError(t, fx.db.Create(&models.Project{ID: project, TenantID: "tenant-1", Alias: "shop"}).Error)

	// The previous scan found the sink and a since-fixed weak hash.
	finished := time.Now().UTC().Add(-time.Hour)
	prevID := "task-prev"
	require.NoError(t, fx.db.Create(&models.Task{
		ID: prevID, TenantID: "tenant-1", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusCompleted,
		ProjectID: &project, MaxRetries: 2, FinishedAt: &finished,
	}).Error)
	require.NoError(t, fx.db.Create(&[]models.Finding{
		{ID: "old-sink", TaskID: prevID, RuleID: "js.sqli", FilePath: "src/userService.js", Line: 4, Severity: sirius.SeverityHigh},
		{ID: "old-hash", TaskID: prevID, RuleID: "js.weak-hash", FilePath: "src/crypto.js", Line: 9, Severity: sirius.SeverityLow},
	}).Error)

	task := fx.submit(t, "task-next", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0), project: &project, previous: &prevID})
	out := fx.exec.Execute(context.Background(), task)
	require.Equal(t, sirius.TaskStatusCompleted, out.Status, out.Reason)

	s := summaryOf(t, fx.reload(t, task.ID))
	assert.Equal(t, 1, s.Recurring, "sink moved two lines and still matches")
	assert.Equal(t, 3, s.New)
	assert.Equal(t, 1, s.Fixed)
	assert.Equal(t, s.New+s.Recurring, s.TotalFindings)

	fixed, err := postgres.ListFixedFindings(fx.db, task.ID)
	require.NoError(t, err)
	require.Len(t, fixed, 1)
	assert.Equal(t, "old-hash", fixed[0].PreviousFindingID)

	snap, err := snapshot.NewSnapshotManager(fx.kv).GetSnapshot(context.Background(), project, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Diff.Fixed)
	assert.Equal(t, prevID, snap.Diff.PreviousTaskID)
}

func TestDoubleCheck(t *testing.T) {
	fx := newFixture(t)
	task := fx.submit(t, "task-dc", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0)})
	require.Equal(t, sirius.TaskStatusCompleted, fx.exec.Execute(context.Background(), task).Status)
	assert.Equal(t, int64(95), fx.balance(t))

	findings, err := postgres.ListFindings(fx.db, task.ID)
	require.NoError(t, err)
	ids := []string{findings[0].ID, findings[1].ID}

	req := DoubleCheckRequest{TenantID: "tenant-1", TaskID: task.ID, RequestID: "req-1", Tier: "advanced", FindingIDs: ids}
	res, err := fx.exec.DoubleCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, int64(6), res.Charged, "2 findings at the advanced rate of 3")
	assert.Equal(t, int64(89), fx.balance(t))

	updated, err := postgres.ListFindings(fx.db, task.ID)
	require.NoError(t, err)
	withDC := 0
	for _, f := range updated {
		a, err := f.DecodeAnalysis()
		require.NoError(t, err)
		if a.DoubleCheck != nil {
			withDC++
			assert.Equal(t, "advanced", a.DoubleCheck.Tier)
			assert.Equal(t, "triage-advanced", a.DoubleCheck.Model)
			assert.Equal(t, "triage-standard", a.Model, "first-pass analysis is kept")
		}
	}
	assert.Equal(t, 2, withDC)

	// Replaying the request does not charge again.
	again, err := fx.exec.DoubleCheck(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(6), again.Charged)
	assert.Equal(t, int64(89), fx.balance(t))
}

func TestDoubleCheckChargesOnlyCheckedFindings(t *testing.T) {
	fx := newFixture(t)
	task := fx.submit(t, "task-dc2", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0)})
	require.Equal(t, sirius.TaskStatusCompleted, fx.exec.Execute(context.Background(), task).Status)
	findings, err := postgres.ListFindings(fx.db, task.ID)
	require.NoError(t, err)

	fx.triage.failModel = "triage-advanced"
	res, err := fx.exec.DoubleCheck(context.Background(), DoubleCheckRequest{
		TenantID: "tenant-1", TaskID: task.ID, RequestID: "req-2", Tier: "advanced",
		FindingIDs: []string{findings[0].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
	assert.Equal(t, int64(0), res.Charged)
	assert.Equal(t, int64(3), res.Refunded)
	assert.Equal(t, int64(95), fx.balance(t))
}

func TestDoubleCheckGates(t *testing.T) {
	fx := newFixture(t)
	task := fx.submit(t, "task-gates", taskOpts{cost: models.NewCostBreakdown(5, 0, 0, 0, 0)})

	_, err := fx.exec.DoubleCheck(context.Background(), DoubleCheckRequest{
		TenantID: "tenant-1", TaskID: task.ID, RequestID: "r", Tier: "advanced", FindingIDs: []string{"x"},
	})
	assert.ErrorIs(t, err, ErrTaskNotCompleted)

	require.Equal(t, sirius.TaskStatusCompleted, fx.exec.Execute(context.Background(), task).Status)

	_, err = fx.exec.DoubleCheck(context.Background(), DoubleCheckRequest{
		TenantID: "tenant-1", TaskID: task.ID, RequestID: "r", Tier: "expert", FindingIDs: []string{"x"},
	})
	assert.ErrorIs(t, err, ErrTierNotAllowed)

	_, err = fx.exec.DoubleCheck(context.Background(), DoubleCheckRequest{
		TenantID: "tenant-1", TaskID: task.ID, RequestID: "r", Tier: "advanced", FindingIDs: []string{"missing"},
	})
	assert.ErrorIs(t, err, ErrNoFindings)

	_, err = fx.exec.DoubleCheck(context.Background(), DoubleCheckRequest{
		TenantID: "tenant-2", TaskID: task.ID, RequestID: "r", Tier: "advanced", FindingIDs: []string{"x"},
	})
	assert.True(t, errors.Is(err, postgres.ErrNotFound), "tasks are tenant scoped")
}

func TestEstimateETA(t *testing.T) {
	assert.Equal(t, 0, estimateETA(10*time.Second, 0))
	assert.Equal(t, 10, estimateETA(10*time.Second, 50))
	assert.Equal(t, 90, estimateETA(10*time.Second, 10))
	assert.Equal(t, 0, estimateETA(10*time.Second, 100))
}
