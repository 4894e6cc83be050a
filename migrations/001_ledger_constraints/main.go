package main

import (
	"log"

	"github.com/SiriusScan/code-audit/sirius/config"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"gorm.io/gorm"
)

// Postgres-only guards on top of the schema AutoMigrate creates. SQLite
// deployments rely on the ledger's transactional checks alone.
var constraints = []struct {
	name  string
	table string
	check string
}{
	{"chk_tenant_balance_non_negative", "tenant_configs", "credits_balance >= 0"},
	{"chk_reservation_amount_non_negative", "credit_reservations", "amount >= 0"},
	{"chk_reservation_within_amount", "credit_reservations", "settled >= 0 AND refunded >= 0 AND settled + refunded <= amount"},
	{"chk_reservation_status", "credit_reservations", "status IN ('held', 'settled', 'released')"},
	{"chk_task_progress_range", "tasks", "progress_percent BETWEEN 0 AND 100"},
}

func main() {
	log.Println("🔄 Starting migration 001: Ledger constraints")

	db, err := postgres.Connect(config.Load().DatabaseDSN)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	if !postgres.IsPostgres(db) {
		log.Println("ℹ️  Not a Postgres database, nothing to do")
		return
	}

	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("❌ Base schema migration failed: %v", err)
	}
	if err := migrateUp(db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migration 001 completed successfully")
}

func migrateUp(db *gorm.DB) error {
	// Existing rows must already satisfy a constraint before it is added.
	var violations int64
	if err := db.Raw(`SELECT COUNT(*) FROM credit_reservations WHERE settled + refunded > amount`).Scan(&violations).Error; err != nil {
		return err
	}
	if violations > 0 {
		log.Printf("⚠️  %d reservations exceed their amount, run ledger_check before retrying", violations)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		for _, c := range constraints {
			log.Printf("📊 Adding %s on %s", c.name, c.table)
			if err := tx.Exec(`ALTER TABLE ` + c.table + ` DROP CONSTRAINT IF EXISTS ` + c.name).Error; err != nil {
				return err
			}
			if err := tx.Exec(`ALTER TABLE ` + c.table + ` ADD CONSTRAINT ` + c.name + ` CHECK (` + c.check + `)`).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
