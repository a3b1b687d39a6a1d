// Package cmd wires the loom command-line interface.
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/chat"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/thread"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - persistent conversation threads for chat assistants",
	Long: `loom keeps chat conversations in durable, resumable threads.

Running loom with no arguments starts an interactive session that resumes
the most recent thread, or creates a new one.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resumeID, _ := cmd.Flags().GetString("thread")
		fresh, _ := cmd.Flags().GetBool("new")
		if fresh {
			resumeID = ""
			if err := session.ClearCurrentThreadID(); err != nil {
				return err
			}
		}
		return runChat(resumeID)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().String("thread", "", "resume a specific thread id")
	rootCmd.Flags().Bool("new", false, "start a new thread instead of resuming")
}

// runChat drives one interactive session: select a thread, then loop over
// stdin until EOF or /quit.
func runChat(resumeID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	ctrl := session.NewController(app.Store, auth.NewEnvAuthenticator(), session.Options{
		RequireAuth: app.Resolved.RequireAuth,
		Fallback:    app.memoryStore,
		Logger:      app.Logger,
	})
	if err := ctrl.Start(ctx, resumeID); err != nil {
		if errors.Is(err, thread.ErrAuthRequired) {
			return fmt.Errorf("authentication required: set LOOM_USER_ID")
		}
		return fmt.Errorf("starting session: %w", err)
	}

	fmt.Printf("thread %s (/threads to list, /switch [id] to change, /quit to exit)\n",
		ctrl.Context().ThreadID)

	loop := chat.NewLoop(ctx, ctrl, chat.Echo{}, app.Logger)
	defer func() {
		if err := loop.Close(); err != nil {
			app.Logger.Warn("some turns were not persisted", "error", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}
		if input == "/threads" {
			printThreads(ctx, ctrl)
			continue
		}
		if target, ok := strings.CutPrefix(input, "/switch"); ok {
			// Drain pending writes before rebinding so queued turns land
			// on the thread they belong to.
			if err := loop.Close(); err != nil {
				app.Logger.Warn("some turns were not persisted", "error", err)
			}
			if err := ctrl.Switch(ctx, strings.TrimSpace(target)); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			} else {
				fmt.Printf("thread %s\n", ctrl.Context().ThreadID)
			}
			loop = chat.NewLoop(ctx, ctrl, chat.Echo{}, app.Logger)
			continue
		}

		reply, err := loop.Exchange(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}

	if ctrl.State() == session.StateActive {
		if err := ctrl.End(); err != nil {
			app.Logger.Warn("could not save session state", "error", err)
		}
	}
	return scanner.Err()
}

// printThreads shows the caller's threads, the bound one marked with *.
func printThreads(ctx context.Context, ctrl *session.Controller) {
	summaries, err := ctrl.Store().ListThreads(ctx, ctrl.Context().UserID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	for _, sum := range summaries {
		marker := " "
		if sum.ThreadID == ctrl.Context().ThreadID {
			marker = "*"
		}
		title := sum.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s %s  %s  %d messages\n", marker, sum.ThreadID, title, sum.MessageCount)
	}
}
