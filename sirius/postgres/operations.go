// File: operations.go
package postgres

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func GetTenant(db *gorm.DB, tenantID string) (models.TenantConfig, error) {
	var tenant models.TenantConfig
	if err := db.Where("tenant_id = ?", tenantID).First(&tenant).Error; err != nil {
		return models.TenantConfig{}, notFound(err)
	}
	return tenant, nil
}

func GetTask(db *gorm.DB, id string) (models.Task, error) {
	var task models.Task
	if err := db.Where("id = ?", id).First(&task).Error; err != nil {
		return models.Task{}, notFound(err)
	}
	return task, nil
}

// GetTenantTask returns the task only if it belongs to tenantID.
func GetTenantTask(db *gorm.DB, tenantID, id string) (models.Task, error) {
	var task models.Task
	if err := db.Where("id = ? AND tenant_id = ?", id, tenantID).First(&task).Error; err != nil {
		return models.Task{}, notFound(err)
	}
	return task, nil
}

// FindTaskByIdempotencyKey returns the task a tenant already submitted under key.
func FindTaskByIdempotencyKey(db *gorm.DB, tenantID, key string) (models.Task, error) {
	var task models.Task
	if err := db.Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).First(&task).Error; err != nil {
		return models.Task{}, notFound(err)
	}
	return task, nil
}

// UpsertProject returns the tenant's project with the given alias, creating
// it when absent. An existing project keeps its alias; a non-empty
// displayName replaces the stored one.
func UpsertProject(db *gorm.DB, tenantID, alias, displayName string) (models.Project, error) {
	project := models.Project{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Alias:       alias,
		DisplayName: displayName,
	}
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "alias"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
	}
	if displayName == "" {
		project.DisplayName = alias
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "alias"}},
			DoNothing: true,
		}
	}
	if err := db.Clauses(onConflict).Create(&project).Error; err != nil {
		return models.Project{}, fmt.Errorf("failed to upsert project %q: %w", alias, err)
	}

	// The conflict path leaves the generated id on the struct; reload.
	var stored models.Project
	if err := db.Where("tenant_id = ? AND alias = ?", tenantID, alias).First(&stored).Error; err != nil {
		return models.Project{}, fmt.Errorf("failed to load project %q: %w", alias, err)
	}
	return stored, nil
}

// LatestCompletedTask returns the most recently finished completed task of a
// project, or ErrNotFound for a first scan.
func LatestCompletedTask(db *gorm.DB, projectID string) (models.Task, error) {
	var task models.Task
	err := db.Where("project_id = ? AND status = ?", projectID, sirius.TaskStatusCompleted).
		Order("finished_at DESC").
		First(&task).Error
	if err != nil {
		return models.Task{}, notFound(err)
	}
	return task, nil
}

func ListFindings(db *gorm.DB, taskID string) ([]models.Finding, error) {
	var findings []models.Finding
	if err := db.Where("task_id = ?", taskID).Order("file_path, line").Find(&findings).Error; err != nil {
		return nil, err
	}
	return findings, nil
}

func ListFixedFindings(db *gorm.DB, taskID string) ([]models.FixedFinding, error) {
	var fixed []models.FixedFinding
	if err := db.Where("task_id = ?", taskID).Order("file_path, line").Find(&fixed).Error; err != nil {
		return nil, err
	}
	return fixed, nil
}

// StorageUsage is the cumulative size of a tenant's stored uploads.
func StorageUsage(db *gorm.DB, tenantID string) (int64, error) {
	var used int64
	err := db.Model(&models.UploadArtifact{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&used).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage usage: %w", err)
	}
	return used, nil
}

func AddUploadArtifact(db *gorm.DB, artifact *models.UploadArtifact) error {
	if err := db.Create(artifact).Error; err != nil {
		return err
	}
	slog.Info("Recorded upload artifact", "tenant_id", artifact.TenantID, "task_id", artifact.TaskID, "size_bytes", artifact.SizeBytes)
	return nil
}

// GetProjectByAlias returns the tenant's project with the exact alias.
func GetProjectByAlias(db *gorm.DB, tenantID, alias string) (models.Project, error) {
	var project models.Project
	if err := db.Where("tenant_id = ? AND alias = ?", tenantID, alias).First(&project).Error; err != nil {
		return models.Project{}, notFound(err)
	}
	return project, nil
}
