package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

// SecurityTypes are the trust-control event types.
var SecurityTypes = []string{
	models.EventTypeFileBlocked,
	models.EventTypeBanIssued,
	models.EventTypeStrikeRecorded,
	models.EventTypeRateLimited,
	models.EventTypeKeyDeactivated,
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Query selects events. Zero fields do not filter.
type Query struct {
	Types      []string
	Severity   string
	EntityType string
	EntityID   string
	Since      *time.Time
	Limit      int
	Offset     int
}

// Find returns one page of matching events, newest first, and the total
// number of matches.
func Find(ctx context.Context, db *gorm.DB, q Query) ([]models.Event, int64, error) {
	tx := db.WithContext(ctx).Model(&models.Event{})
	if len(q.Types) > 0 {
		tx = tx.Where("event_type IN ?", q.Types)
	}
	if q.Severity != "" {
		tx = tx.Where("severity = ?", q.Severity)
	}
	if q.EntityType != "" {
		tx = tx.Where("entity_type = ?", q.EntityType)
	}
	if q.EntityID != "" {
		tx = tx.Where("entity_id = ?", q.EntityID)
	}
	if q.Since != nil {
		tx = tx.Where("timestamp >= ?", *q.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	var out []models.Event
	if err := tx.Order("timestamp DESC").Order("id DESC").Limit(limit).Offset(max(q.Offset, 0)).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	return out, total, nil
}

// TaskTimeline returns the lifecycle events of one task in the order they
// happened.
func TaskTimeline(ctx context.Context, db *gorm.DB, taskID string) ([]models.Event, error) {
	var out []models.Event
	err := db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", models.EntityTypeTask, taskID).
		Order("timestamp ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline of task %s: %w", taskID, err)
	}
	return out, nil
}

// Summary counts events since a point in time.
type Summary struct {
	Since      time.Time      `json:"since"`
	Total      int64          `json:"total"`
	ByType     map[string]int `json:"by_type"`
	Security   int            `json:"security"`
	ActiveBans int64          `json:"active_bans"`
}

// Summarize aggregates events recorded after since and counts the bans in
// force at now.
func Summarize(ctx context.Context, db *gorm.DB, since, now time.Time) (Summary, error) {
	s := Summary{Since: since, ByType: make(map[string]int)}
	db = db.WithContext(ctx)

	var rows []struct {
		EventType string
		Count     int
	}
	err := db.Model(&models.Event{}).
		Select("event_type, COUNT(*) AS count").
		Where("timestamp >= ?", since).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count events by type: %w", err)
	}

	security := make(map[string]bool, len(SecurityTypes))
	for _, t := range SecurityTypes {
		security[t] = true
	}
	for _, r := range rows {
		s.ByType[r.EventType] = r.Count
		s.Total += int64(r.Count)
		if security[r.EventType] {
			s.Security += r.Count
		}
	}

	err = db.Model(&models.Ban{}).
		Where("banned_until IS NULL OR banned_until > ?", now).
		Count(&s.ActiveBans).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count active bans: %w", err)
	}
	return s, nil
}

// Prune deletes lifecycle events older than olderThan. Security events are
// kept unless includeSecurity is set, since they back ban decisions.
func Prune(ctx context.Context, db *gorm.DB, olderThan time.Duration, includeSecurity bool) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tx := db.WithContext(ctx).Where("timestamp < ?", cutoff)
	if !includeSecurity {
		tx = tx.Where("event_type NOT IN ?", SecurityTypes)
	}
	result := tx.Delete(&models.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
