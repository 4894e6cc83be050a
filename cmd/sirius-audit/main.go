package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	plansFile string
)

var rootCmd = &cobra.Command{
	Use:   "sirius-audit",
	Short: "Code audit service: upload gateway, scan workers and admin tooling",
	Long: `sirius-audit accepts source archives, scans them with a static analyzer,
links cross-file taint flows, triages findings and bills tenants in credits.

Examples:
  sirius-audit serve
  sirius-audit serve --workers 2
  sirius-audit worker --concurrency 4
  sirius-audit tenant create acme --plan premium --credits 500
  sirius-audit apikey create --tenant acme --user alice`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&plansFile, "plans", "", "Plan catalog YAML (overrides PLANS_FILE)")

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, apikeyCmd, tenantCmd, eventsCmd, banCmd)
}
