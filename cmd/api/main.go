package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version may be set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sync-engine",
	Short: "Multi-tenant entity sync engine",
	Long: `sync-engine records entity mutations in a per-tenant event log and pushes
them to connected websocket clients on every server instance.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
