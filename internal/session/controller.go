// Package session drives the lifecycle of one interactive chat session:
// authenticate if required, select or create a thread, then bind every
// append to that thread until the session ends.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/thread"
)

// State is a lifecycle phase:
// Uninitialized → Authenticating → SelectingThread → Active → Ended.
// Switch re-enters SelectingThread from Active; every other transition
// moves forward.
type State int

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateSelectingThread
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAuthenticating:
		return "authenticating"
	case StateSelectingThread:
		return "selecting_thread"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Context identifies the bound thread and user of an active session. It is
// an explicit value handed to collaborators, never ambient mutable state.
type Context struct {
	ThreadID string
	UserID   string
}

// Options configures a Controller.
type Options struct {
	// RequireAuth makes a missing authenticator or failed authentication
	// fatal at session start.
	RequireAuth bool

	// Fallback builds a replacement non-persistent store when the real
	// backend is unreachable at session start. The conversation then
	// continues without persistence.
	Fallback func() *thread.Store

	Logger log.Logger
}

// Controller is the session lifecycle state machine.
//
// Controller is not safe for concurrent use; it belongs to exactly one
// interactive session. Concurrent administrative access goes through the
// HTTP surface against the same thread store.
type Controller struct {
	store         *thread.Store
	authenticator auth.Authenticator
	logger        log.Logger
	opts          Options

	state State
	sctx  Context
}

// NewController creates a controller in the Uninitialized state.
func NewController(store *thread.Store, authenticator auth.Authenticator, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Controller{
		store:         store,
		authenticator: authenticator,
		logger:        logger,
		opts:          opts,
		state:         StateUninitialized,
	}
}

// State returns the current lifecycle phase.
func (c *Controller) State() State { return c.state }

// Context returns the session context. Valid only while Active.
func (c *Controller) Context() Context { return c.sctx }

// Store returns the thread store the session is bound to. After a storage
// fallback this is the replacement in-memory store.
func (c *Controller) Store() *thread.Store { return c.store }

// Start runs the session through authentication and thread selection and
// leaves it Active. resumeID pins a specific thread; empty means resume
// the most recent one, or create a new thread if none is usable.
func (c *Controller) Start(ctx context.Context, resumeID string) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("cannot start session from state %s", c.state)
	}

	c.state = StateAuthenticating
	if err := c.authenticate(ctx); err != nil {
		c.state = StateEnded
		return err
	}

	c.state = StateSelectingThread
	threadID, err := c.selectThread(ctx, resumeID, "")
	if err != nil {
		c.state = StateEnded
		return err
	}

	c.sctx.ThreadID = threadID
	c.state = StateActive
	c.logger.Info("session active", "thread_id", threadID, "user_id", c.sctx.UserID)
	return nil
}

// Switch re-enters thread selection from an active session and rebinds it
// to another thread without ending the process. resumeID pins a specific
// thread; empty means the most recent thread other than the current one,
// or a new thread. When selection fails the session stays Active on its
// previous thread.
func (c *Controller) Switch(ctx context.Context, resumeID string) error {
	if c.state != StateActive {
		return fmt.Errorf("cannot switch thread from state %s", c.state)
	}
	previous := c.sctx.ThreadID
	if resumeID == previous {
		return nil
	}

	c.state = StateSelectingThread
	threadID, err := c.selectThread(ctx, resumeID, previous)
	if err != nil {
		c.state = StateActive
		return err
	}

	c.sctx.ThreadID = threadID
	c.state = StateActive
	c.logger.Info("switched thread", "from", previous, "to", threadID)
	return nil
}

func (c *Controller) authenticate(ctx context.Context) error {
	if c.authenticator == nil {
		if c.opts.RequireAuth {
			return thread.ErrAuthRequired
		}
		return nil
	}
	identity, err := c.authenticator.Authenticate(ctx)
	if err != nil {
		if c.opts.RequireAuth {
			return fmt.Errorf("authentication failed: %w", err)
		}
		c.logger.Warn("continuing unauthenticated", "error", err)
		return nil
	}
	c.sctx.UserID = identity.UserID
	return nil
}

// selectThread picks the thread the session binds to. A thread whose
// history cannot be decoded is skipped with a warning and the next most
// recent one is tried; when nothing is resumable a new thread is created.
// exclude names a thread never auto-selected, the current one on a switch.
func (c *Controller) selectThread(ctx context.Context, resumeID, exclude string) (string, error) {
	if resumeID != "" {
		if _, err := c.store.GetThread(ctx, c.sctx.UserID, resumeID); err != nil {
			return "", fmt.Errorf("resume thread %s: %w", resumeID, err)
		}
		return resumeID, nil
	}

	candidates, err := c.resumeCandidates(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return c.degrade(ctx, err)
		}
		return "", err
	}

	for _, id := range candidates {
		if id == exclude {
			continue
		}
		_, err := c.store.GetThread(ctx, c.sctx.UserID, id)
		if err == nil {
			c.logger.Info("resuming thread", "thread_id", id)
			return id, nil
		}
		if errors.Is(err, thread.ErrCorruptCheckpoint) {
			c.logger.Warn("this thread's history could not be loaded, skipping",
				"thread_id", id, "error", err)
			continue
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, thread.ErrAccessDenied) {
			continue
		}
		if errors.Is(err, storage.ErrUnavailable) {
			return c.degrade(ctx, err)
		}
		return "", err
	}

	created, err := c.store.CreateThread(ctx, c.sctx.UserID, "", nil)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return c.degrade(ctx, err)
		}
		return "", err
	}
	return created.ThreadID, nil
}

// resumeCandidates lists thread ids to try, the locally saved current
// thread first, then the caller's threads by recency.
func (c *Controller) resumeCandidates(ctx context.Context) ([]string, error) {
	var candidates []string

	saved, err := LoadCurrentThreadID()
	if err != nil {
		c.logger.Warn("could not read current-thread state", "error", err)
	} else if saved != "" {
		candidates = append(candidates, saved)
	}

	summaries, err := c.store.ListThreads(ctx, c.sctx.UserID)
	if err != nil {
		return nil, err
	}
	for _, sum := range summaries {
		if sum.ThreadID != saved {
			candidates = append(candidates, sum.ThreadID)
		}
	}
	return candidates, nil
}

// degrade swaps in the non-persistent fallback store after a backend
// outage so the conversation can continue.
func (c *Controller) degrade(ctx context.Context, cause error) (string, error) {
	if c.opts.Fallback == nil {
		return "", cause
	}
	c.logger.Warn("storage unavailable, continuing without persistence", "error", cause)
	c.store = c.opts.Fallback()
	created, err := c.store.CreateThread(ctx, c.sctx.UserID, "", nil)
	if err != nil {
		return "", err
	}
	return created.ThreadID, nil
}

// Append records one turn on the session's bound thread. Calling it
// outside an active session is a programming error and panics.
func (c *Controller) Append(ctx context.Context, role thread.Role, content string) (thread.Turn, error) {
	if c.state != StateActive {
		panic(fmt.Sprintf("session: Append called in state %s", c.state))
	}
	return c.store.AppendTurn(ctx, c.sctx.UserID, c.sctx.ThreadID, role, content)
}

// End finishes the session, remembering the bound thread as current for
// the next session.
func (c *Controller) End() error {
	if c.state != StateActive {
		return fmt.Errorf("cannot end session from state %s", c.state)
	}
	c.state = StateEnded
	if err := SaveCurrentThreadID(c.sctx.ThreadID); err != nil {
		c.logger.Warn("could not save current-thread state", "error", err)
		return err
	}
	return nil
}
