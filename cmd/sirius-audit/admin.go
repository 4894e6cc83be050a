package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/ledger"
	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap(cmd.Context(), "sirius-audit-admin", false)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(rt.db); err != nil {
			return err
		}
		fmt.Println("Schema is up to date")
		return nil
	},
}

// apikey

var (
	keyTenant string
	keyUser   string
	keyLabel  string
	keyDelete bool
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage tenant API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key; the raw key is printed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, "sirius-audit-admin", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		if _, err := postgres.GetTenant(rt.db, keyTenant); err != nil {
			return fmt.Errorf("tenant %q: %w", keyTenant, err)
		}
		raw, err := store.GenerateAPIKey()
		if err != nil {
			return err
		}
		meta, err := store.StoreAPIKey(ctx, rt.kv, raw, keyLabel, keyTenant, keyUser, "cli")
		if err != nil {
			return err
		}
		fmt.Printf("Key:    %s\nID:     %s\nTenant: %s\n", raw, meta.ID, meta.TenantID)
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Deactivate an API key (or delete it with --delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, "sirius-audit-admin", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		if keyDelete {
			err = store.RevokeAPIKey(ctx, rt.kv, args[0])
		} else {
			err = store.DeactivateAPIKey(ctx, rt.kv, args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Key %s revoked\n", args[0])
		return nil
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, "sirius-audit-admin", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		keys, err := store.ListAPIKeys(ctx, rt.kv)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if keyTenant != "" && k.TenantID != keyTenant {
				continue
			}
			fmt.Printf("%s  tenant=%s user=%s label=%q active=%t\n", k.ID, k.TenantID, k.UserID, k.Label, k.Active)
		}
		return nil
	},
}

// tenant

var (
	tenantPlan    string
	tenantCredits int64
	creditReason  string
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants and their credit balance",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Create a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, "sirius-audit-admin", false)
		if err != nil {
			return err
		}
		tenant := models.TenantConfig{TenantID: args[0], Plan: sirius.Plan(tenantPlan)}
		if err := rt.db.WithContext(ctx).Create(&tenant).Error; err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
		if tenantCredits > 0 {
			if err := ledger.New(rt.db).TopUp(ctx, tenant.TenantID, tenantCredits, "initial grant", "grant:"+tenant.TenantID); err != nil {
				return err
			}
		}
		fmt.Printf("Tenant %s created on plan %s with %d credits\n", tenant.TenantID, tenant.Plan, tenantCredits)
		return nil
	},
}

var tenantCreditCmd = &cobra.Command{
	Use:   "credit <tenant-id> <amount>",
	Short: "Add credits to a tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var amount int64
		if _, err := fmt.Sscan(args[1], &amount); err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}
		rt, err := bootstrap(ctx, "sirius-audit-admin", false)
		if err != nil {
			return err
		}
		l := ledger.New(rt.db)
		if err := l.TopUp(ctx, args[0], amount, creditReason, "cli:"+uuid.NewString()); err != nil {
			return err
		}
		balance, err := l.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s balance: %d\n", args[0], balance)
		return nil
	},
}

// events

var (
	eventsOlderThan time.Duration
	eventsSince     time.Duration
	eventsAll       bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and prune the audit event log",
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap(cmd.Context(), "sirius-audit-admin", false)
		if err != nil {
			return err
		}
		n, err := events.Prune(cmd.Context(), rt.db, eventsOlderThan, eventsAll)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d events\n", n)
		return nil
	},
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent events and active bans",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap(cmd.Context(), "sirius-audit-admin", false)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		sum, err := events.Summarize(cmd.Context(), rt.db, now.Add(-eventsSince), now)
		if err != nil {
			return err
		}
		fmt.Printf("Since %s: %d events, %d security, %d active bans\n",
			sum.Since.Format(time.RFC3339), sum.Total, sum.Security, sum.ActiveBans)
		for typ, n := range sum.ByType {
			fmt.Printf("  %-24s %d\n", typ, n)
		}
		return nil
	},
}

// ban

var (
	banReason string
	banFor    time.Duration
)

var banCmd = &cobra.Command{
	Use:   "ban <ip|api_key|tenant|user> <value>",
	Short: "Ban an identity (permanently unless --for is set)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, "sirius-audit-admin", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())

		var until *time.Time
		if banFor > 0 {
			t := time.Now().UTC().Add(banFor)
			until = &t
		}
		if err := rt.gate().Ban(ctx, sirius.IdentityType(args[0]), args[1], banReason, until); err != nil {
			return err
		}
		fmt.Printf("Banned %s %s\n", args[0], args[1])
		return nil
	},
}

var unbanCmd = &cobra.Command{
	Use:   "unban <ip|api_key|tenant|user> <value>",
	Short: "Lift a ban",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := bootstrap(ctx, "sirius-audit-admin", true)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		return rt.gate().Unban(ctx, sirius.IdentityType(args[0]), args[1])
	},
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&keyTenant, "tenant", "", "Tenant the key belongs to")
	apikeyCreateCmd.Flags().StringVar(&keyUser, "user", "", "User the key belongs to")
	apikeyCreateCmd.Flags().StringVar(&keyLabel, "label", "", "Human readable label")
	_ = apikeyCreateCmd.MarkFlagRequired("tenant")
	apikeyRevokeCmd.Flags().BoolVar(&keyDelete, "delete", false, "Delete the key instead of deactivating it")
	apikeyListCmd.Flags().StringVar(&keyTenant, "tenant", "", "Only keys of this tenant")
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd, apikeyListCmd)

	tenantCreateCmd.Flags().StringVar(&tenantPlan, "plan", string(sirius.PlanFree), "Plan: free, premium or enterprise")
	tenantCreateCmd.Flags().Int64Var(&tenantCredits, "credits", 0, "Initial credit grant")
	tenantCreditCmd.Flags().StringVar(&creditReason, "reason", "manual top-up", "Ledger entry reason")
	tenantCmd.AddCommand(tenantCreateCmd, tenantCreditCmd)

	eventsPruneCmd.Flags().DurationVar(&eventsOlderThan, "older-than", 90*24*time.Hour, "Age threshold")
	eventsPruneCmd.Flags().BoolVar(&eventsAll, "include-security", false, "Also delete security events")
	eventsStatsCmd.Flags().DurationVar(&eventsSince, "since", 24*time.Hour, "Window to summarize")
	eventsCmd.AddCommand(eventsPruneCmd, eventsStatsCmd)

	banCmd.Flags().StringVar(&banReason, "reason", "manual", "Ban reason")
	banCmd.Flags().DurationVar(&banFor, "for", 0, "Ban duration; 0 bans permanently")
	rootCmd.AddCommand(unbanCmd)
}
