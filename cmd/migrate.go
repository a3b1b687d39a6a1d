package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/db"
	"github.com/loomhq/loom/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations (PostgreSQL backends only)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if kind := config.DetectKind(cfg.ConnectionString); kind != config.KindPostgres {
			return fmt.Errorf("migrations require a postgres:// connection string, backend is %q", kind)
		}
		return db.Migrate(cfg.ConnectionString)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
