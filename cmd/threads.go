package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// callerID is the identity used for thread commands, from LOOM_USER_ID.
func callerID() string {
	return os.Getenv("LOOM_USER_ID")
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage stored conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, most recently updated first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
			summaries, err := app.Store.ListThreads(ctx, callerID())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("no threads")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD ID\tTITLE\tMESSAGES\tUPDATED")
			for _, sum := range summaries {
				title := sum.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					sum.ThreadID, title, sum.MessageCount,
					sum.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread's full history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
			th, err := app.Store.GetThread(ctx, callerID(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  (%d messages)\n", th.ThreadID, th.MessageCount)
			if th.Title != "" {
				fmt.Printf("title: %s\n", th.Title)
			}
			for _, turn := range th.Turns {
				fmt.Printf("[%d] %s: %s\n", turn.SequenceNumber, turn.Role, turn.Content)
			}
			return nil
		})
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Permanently delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
			if err := app.Store.DeleteThread(ctx, callerID(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		})
	},
}

var threadsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete threads not updated within the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
			if days <= 0 {
				days = app.Resolved.AutoCleanupDays
			}
			deleted, err := app.Store.CleanupOlderThan(ctx, days)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d thread(s) older than %d days\n", deleted, days)
			return nil
		})
	},
}

func init() {
	threadsCleanupCmd.Flags().Int("days", 0, "retention in days (default AUTO_CLEANUP_DAYS)")
	threadsCmd.AddCommand(threadsListCmd, threadsShowCmd, threadsDeleteCmd, threadsCleanupCmd)
	rootCmd.AddCommand(threadsCmd)
}

// withApp wires the application, runs fn, and tears down.
func withApp(ctx context.Context, fn func(context.Context, *App) error) error {
	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app)
}
