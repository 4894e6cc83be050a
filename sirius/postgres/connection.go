// File: connection.go
package postgres

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/slogger"
)

// sqlitePrefix selects the embedded SQLite driver instead of Postgres, e.g.
// "sqlite://:memory:" or "sqlite:///var/lib/sirius/audit.db".
const sqlitePrefix = "sqlite://"

// runningPerProjectIndex allows at most one running task per project. Both
// Postgres and SQLite support partial indexes with this syntax.
const runningPerProjectIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_running_per_project
	ON tasks (project_id) WHERE status = 'running' AND project_id IS NOT NULL`

var (
	mu sync.RWMutex
	db *gorm.DB
)

// Connect opens the database described by dsn and makes it the process-wide
// handle returned by GetDB.
func Connect(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// SQLite compares timestamps as text, so every timestamp is UTC.
		NowFunc: func() time.Time { return time.Now().UTC() },
		// Unique violations surface as gorm.ErrDuplicatedKey on both drivers.
		TranslateError: true,
	}
	if slogger.IsDebug() {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var (
		conn *gorm.DB
		err  error
	)
	if strings.HasPrefix(dsn, sqlitePrefix) {
		conn, err = gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), cfg)
		if err == nil {
			// An in-memory database exists per connection, and SQLite allows a
			// single writer anyway.
			sqlDB, dbErr := conn.DB()
			if dbErr != nil {
				return nil, fmt.Errorf("failed to get sqlite handle: %w", dbErr)
			}
			sqlDB.SetMaxOpenConns(1)
		}
	} else {
		conn, err = gorm.Open(postgres.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	SetDB(conn)
	slog.Info("Connected to database", "dialect", conn.Dialector.Name())
	return conn, nil
}

// Migrate creates or updates every table the audit pipeline uses.
func Migrate(conn *gorm.DB) error {
	err := conn.AutoMigrate(
		&models.TenantConfig{},
		&models.Project{},
		&models.Task{},
		&models.Finding{},
		&models.FixedFinding{},
		&models.UploadArtifact{},
		&models.Event{},
		&models.Ban{},
		&models.Strike{},
		&models.CreditReservation{},
		&models.CreditEntry{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database schema: %w", err)
	}
	if err := conn.Exec(runningPerProjectIndex).Error; err != nil {
		return fmt.Errorf("error creating running-task index: %w", err)
	}
	return nil
}

// IsPostgres reports whether conn talks to Postgres, which enables row
// locking clauses SQLite does not understand.
func IsPostgres(conn *gorm.DB) bool {
	return conn.Dialector.Name() == "postgres"
}

func SetDB(conn *gorm.DB) {
	mu.Lock()
	db = conn
	mu.Unlock()
}

func GetDB() *gorm.DB {
	mu.RLock()
	defer mu.RUnlock()
	return db
}
