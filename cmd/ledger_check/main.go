package main

import (
	"fmt"
	"log"
	"os"

	"github.com/SiriusScan/code-audit/sirius/config"
	"github.com/SiriusScan/code-audit/sirius/postgres"
)

// ledger_check verifies the credit ledger against the balances: every
// tenant's balance must equal the sum of its signed ledger entries, and no
// reservation may have settled or refunded more than it held.
func main() {
	log.Println("Starting credit ledger consistency check...")

	db, err := postgres.Connect(config.Load().DatabaseDSN)
	if err != nil {
		log.Fatalf("❌ Failed to establish database connection: %v", err)
	}

	var one int
	if err := db.Raw("SELECT 1").Scan(&one).Error; err != nil {
		log.Fatalf("❌ Failed to execute query: %v", err)
	}

	var drift []struct {
		TenantID       string
		CreditsBalance int64
		LedgerSum      int64
	}
	err = db.Raw(`
		SELECT t.tenant_id, t.credits_balance, COALESCE(SUM(
			CASE e.kind
				WHEN 'reserve' THEN -e.amount
				WHEN 'settle' THEN 0
				ELSE e.amount
			END), 0) AS ledger_sum
		FROM tenant_configs t
		LEFT JOIN credit_entries e ON e.tenant_id = t.tenant_id
		GROUP BY t.tenant_id, t.credits_balance
		HAVING t.credits_balance <> COALESCE(SUM(
			CASE e.kind
				WHEN 'reserve' THEN -e.amount
				WHEN 'settle' THEN 0
				ELSE e.amount
			END), 0)`).Scan(&drift).Error
	if err != nil {
		log.Fatalf("❌ Failed to compare balances: %v", err)
	}

	var overdrawn int64
	if err := db.Raw(`SELECT COUNT(*) FROM credit_reservations WHERE settled + refunded > amount OR settled < 0 OR refunded < 0`).
		Scan(&overdrawn).Error; err != nil {
		log.Fatalf("❌ Failed to check reservations: %v", err)
	}

	for _, d := range drift {
		fmt.Printf("❌ tenant %s: balance %d, ledger says %d\n", d.TenantID, d.CreditsBalance, d.LedgerSum)
	}
	if overdrawn > 0 {
		fmt.Printf("❌ %d reservations settled or refunded more than they held\n", overdrawn)
	}
	if len(drift) > 0 || overdrawn > 0 {
		os.Exit(1)
	}

	fmt.Println("✅ Credit ledger is consistent")
}
