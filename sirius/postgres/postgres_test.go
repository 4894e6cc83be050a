package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Connect("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func TestUpsertProjectKeepsAliasAndId(t *testing.T) {
	db := newTestDB(t)

	first, err := UpsertProject(db, "tenant-1", "Backend", "")
	require.NoError(t, err)
	assert.Equal(t, "Backend", first.DisplayName)

	second, err := UpsertProject(db, "tenant-1", "Backend", "Backend API")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Backend API", second.DisplayName)

	// Unnamed re-upload does not reset the display name.
	third, err := UpsertProject(db, "tenant-1", "Backend", "")
	require.NoError(t, err)
	assert.Equal(t, "Backend API", third.DisplayName)

	// Aliases are case-sensitive and tenant scoped.
	lower, err := UpsertProject(db, "tenant-1", "backend", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, lower.ID)

	other, err := UpsertProject(db, "tenant-2", "Backend", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestLatestCompletedTask(t *testing.T) {
	db := newTestDB(t)
	project, err := UpsertProject(db, "tenant-1", "svc", "")
	require.NoError(t, err)

	_, err = LatestCompletedTask(db, project.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	for _, task := range []models.Task{
		{ID: uuid.NewString(), TenantID: "tenant-1", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusCompleted, ProjectID: &project.ID, FinishedAt: &older},
		{ID: "latest", TenantID: "tenant-1", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusCompleted, ProjectID: &project.ID, FinishedAt: &newer},
		{ID: uuid.NewString(), TenantID: "tenant-1", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusFailed, ProjectID: &project.ID, FinishedAt: &newer},
	} {
		require.NoError(t, db.Create(&task).Error)
	}

	latest, err := LatestCompletedTask(db, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "latest", latest.ID)
}

func TestOneRunningTaskPerProject(t *testing.T) {
	db := newTestDB(t)
	project := "project-1"

	a := models.Task{ID: "a", TenantID: "t", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusRunning, ProjectID: &project}
	b := models.Task{ID: "b", TenantID: "t", Type: sirius.TaskTypeCodeAudit, Status: sirius.TaskStatusRunning, ProjectID: &project}
	require.NoError(t, db.Create(&a).Error)
	assert.Error(t, db.Create(&b).Error, "a second running task for the project must violate the index")

	b.Status = sirius.TaskStatusQueued
	assert.NoError(t, db.Create(&b).Error)
}

func TestStorageUsage(t *testing.T) {
	db := newTestDB(t)

	used, err := StorageUsage(db, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	require.NoError(t, AddUploadArtifact(db, &models.UploadArtifact{TenantID: "tenant-1", TaskID: "a", SizeBytes: 100}))
	require.NoError(t, AddUploadArtifact(db, &models.UploadArtifact{TenantID: "tenant-1", TaskID: "b", SizeBytes: 250}))
	require.NoError(t, AddUploadArtifact(db, &models.UploadArtifact{TenantID: "tenant-2", TaskID: "c", SizeBytes: 999}))

	used, err = StorageUsage(db, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), used)
}

func TestFindingAnalysisRoundTrip(t *testing.T) {
	db := newTestDB(t)

	f := models.Finding{ID: uuid.NewString(), TaskID: "task", RuleID: "r", Severity: sirius.SeverityHigh}
	a, err := f.DecodeAnalysis()
	require.NoError(t, err)
	assert.Equal(t, sirius.TriageUnknown, a.Triage)

	require.NoError(t, f.EncodeAnalysis(models.Analysis{Triage: sirius.TriageTruePositive, Model: "triage-standard"}))
	require.NoError(t, db.Create(&f).Error)

	findings, err := ListFindings(db, "task")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	got, err := findings[0].DecodeAnalysis()
	require.NoError(t, err)
	assert.Equal(t, sirius.TriageTruePositive, got.Triage)
	assert.Nil(t, got.DoubleCheck)
}
