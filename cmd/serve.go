package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the thread-management HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runServe(addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from LOOM_HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(addr string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if addr == "" {
		addr = app.Config.HTTPAddr
	}

	srv := api.NewServer(app.Store, app.Resolved, app.Logger)
	if err := srv.Run(ctx, addr); err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}
