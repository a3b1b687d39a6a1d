// Package chat runs the conversational turn loop of an active session.
// Every user input and assistant reply is appended to the session's bound
// thread; checkpoint writes happen off the interactive path so the loop
// stays responsive while a write is in flight.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/session"
	"github.com/loomhq/loom/internal/thread"
)

// ErrLoopClosed indicates an exchange after Close.
var ErrLoopClosed = errors.New("chat loop closed")

// Responder produces the assistant's reply to one user input. The real
// implementation is the LLM collaborator; tests and offline mode use Echo.
type Responder interface {
	Respond(ctx context.Context, input string) (string, error)
}

// Echo is a trivial Responder for offline use and tests.
type Echo struct{}

func (Echo) Respond(_ context.Context, input string) (string, error) {
	return "you said: " + strings.TrimSpace(input), nil
}

// writeReq is one pending turn append.
type writeReq struct {
	role    thread.Role
	content string
}

// Loop ties a Responder to a session. A single background writer applies
// appends in order, so sequence numbers follow the conversation order even
// though the interactive path never blocks on storage.
//
// Exchange and Close belong to the one goroutine driving the interactive
// session.
type Loop struct {
	ctrl      *session.Controller
	responder Responder
	logger    log.Logger

	writes chan writeReq
	wg     sync.WaitGroup

	mu       sync.Mutex
	writeErr error
	closed   bool
}

// NewLoop starts the background writer for an active session.
func NewLoop(ctx context.Context, ctrl *session.Controller, responder Responder, logger log.Logger) *Loop {
	if logger == nil {
		logger = log.NewNop()
	}
	l := &Loop{
		ctrl:      ctrl,
		responder: responder,
		logger:    logger,
		writes:    make(chan writeReq, 16),
	}
	l.wg.Add(1)
	go l.writer(ctx)
	return l
}

// writer drains pending appends. On cancellation it stops without draining;
// turns not yet written are lost, which is the documented cost of
// cancelling mid-write.
func (l *Loop) writer(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case req, ok := <-l.writes:
			if !ok {
				return
			}
			if _, err := l.ctrl.Append(ctx, req.role, req.content); err != nil {
				l.logger.Warn("failed to checkpoint turn", "role", req.role, "error", err)
				l.mu.Lock()
				if l.writeErr == nil {
					l.writeErr = err
				}
				l.mu.Unlock()
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands a turn to the writer, giving up when the context is
// cancelled rather than blocking the interactive path.
func (l *Loop) enqueue(ctx context.Context, role thread.Role, content string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.mu.Unlock()

	select {
	case l.writes <- writeReq{role: role, content: content}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exchange runs one user turn: checkpoint the input, produce the reply,
// checkpoint the reply, return it.
func (l *Loop) Exchange(ctx context.Context, input string) (string, error) {
	if err := l.enqueue(ctx, thread.RoleUser, input); err != nil {
		return "", err
	}

	reply, err := l.responder.Respond(ctx, input)
	if err != nil {
		return "", fmt.Errorf("produce reply: %w", err)
	}

	if err := l.enqueue(ctx, thread.RoleAssistant, reply); err != nil {
		return reply, err
	}
	return reply, nil
}

// Close stops accepting exchanges, waits for queued appends to land, and
// reports the first write failure if any occurred.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.writes)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeErr
}
