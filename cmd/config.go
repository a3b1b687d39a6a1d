package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(_ context.Context, app *App) error {
			r := app.Resolved.Redacted()
			out := map[string]any{
				"backend_kind":      string(r.Kind),
				"target":            r.Target,
				"table_name":        r.TableName,
				"id_prefix":         r.IDPrefix,
				"encrypt":           r.Encrypt,
				"persist":           r.Persist,
				"require_auth":      r.RequireAuth,
				"user_isolation":    r.UserIsolation,
				"max_threads":       r.MaxThreads,
				"auto_cleanup_days": r.AutoCleanupDays,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
