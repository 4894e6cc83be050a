package main

import (
	"log"

	"github.com/SiriusScan/code-audit/sirius/config"
	"github.com/SiriusScan/code-audit/sirius/postgres"
)

func main() {
	db, err := postgres.Connect(config.Load().DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if !postgres.IsPostgres(db) {
		log.Println("Not a Postgres database, nothing to roll back")
		return
	}

	log.Println("Starting rollback of migration 001_ledger_constraints...")

	// Reverse order of creation.
	drops := []struct{ table, name string }{
		{"tasks", "chk_task_progress_range"},
		{"credit_reservations", "chk_reservation_status"},
		{"credit_reservations", "chk_reservation_within_amount"},
		{"credit_reservations", "chk_reservation_amount_non_negative"},
		{"tenant_configs", "chk_tenant_balance_non_negative"},
	}
	for _, d := range drops {
		if err := db.Exec(`ALTER TABLE ` + d.table + ` DROP CONSTRAINT IF EXISTS ` + d.name).Error; err != nil {
			log.Fatalf("Failed to drop %s: %v", d.name, err)
		}
		log.Printf("Dropped %s", d.name)
	}

	log.Println("Rollback complete")
	log.Println("🔧 To re-apply this migration, run: go run migrations/001_ledger_constraints/main.go")
}
