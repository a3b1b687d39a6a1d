package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/storage"
)

const (
	// appendAttempts bounds the optimistic-concurrency retry loop for
	// read-modify-write operations on one thread.
	appendAttempts = 5

	// createAttempts bounds id regeneration when two creates collide
	// within the same second.
	createAttempts = 3
)

// Options configures a Store.
type Options struct {
	// IDPrefix is prepended to generated thread ids.
	IDPrefix string

	// RequireAuth rejects every thread-scoped operation, creation
	// included, when the caller presents no user id.
	RequireAuth bool

	// UserIsolation restricts owned threads to their owner.
	UserIsolation bool

	// MaxThreads caps how many threads one owner may hold. Zero means
	// unlimited.
	MaxThreads int

	Logger log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the thread persistence facade. It owns id generation, the
// checkpoint serializer, access control and the append retry loop; the
// backend only ever sees opaque records.
type Store struct {
	backend    storage.Backend
	serializer Serializer
	logger     log.Logger

	idPrefix      string
	requireAuth   bool
	userIsolation bool
	maxThreads    int

	now func() time.Time
}

// NewStore creates a thread store over the given backend and serializer.
func NewStore(backend storage.Backend, serializer Serializer, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	now := opts.Now
	if now == nil {
		// Millisecond truncation keeps timestamps comparable across
		// backends with different column precision.
		now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if serializer == nil {
		serializer = NewJSONSerializer()
	}
	return &Store{
		backend:       backend,
		serializer:    serializer,
		logger:        logger,
		idPrefix:      opts.IDPrefix,
		requireAuth:   opts.RequireAuth,
		userIsolation: opts.UserIsolation,
		maxThreads:    opts.MaxThreads,
		now:           now,
	}
}

// newThreadID generates an id of the form <prefix>-<UTC second>-<suffix>.
// The random suffix keeps ids distinct within the same second.
func (s *Store) newThreadID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", s.idPrefix, at.Format("20060102-150405"), suffix)
}

// checkCaller enforces the authentication requirement for any
// thread-scoped operation.
func (s *Store) checkCaller(caller string) error {
	if s.requireAuth && caller == "" {
		return ErrAuthRequired
	}
	return nil
}

// checkAccess enforces user isolation against a loaded record.
func (s *Store) checkAccess(rec storage.Record, caller string) error {
	if err := s.checkCaller(caller); err != nil {
		return err
	}
	if s.userIsolation && rec.OwnerUserID != "" && rec.OwnerUserID != caller {
		return ErrAccessDenied
	}
	return nil
}

// CreateThread creates an empty thread owned by the caller.
func (s *Store) CreateThread(ctx context.Context, caller, title string, tags []string) (Thread, error) {
	if err := s.checkCaller(caller); err != nil {
		return Thread{}, err
	}
	if s.maxThreads > 0 {
		owned, err := s.backend.List(ctx, caller)
		if err != nil {
			return Thread{}, fmt.Errorf("count threads: %w", err)
		}
		if len(owned) >= s.maxThreads {
			return Thread{}, fmt.Errorf("%w: %d threads", ErrThreadLimit, s.maxThreads)
		}
	}
	if tags == nil {
		tags = []string{}
	}

	checkpoint, err := s.serializer.Serialize(nil)
	if err != nil {
		return Thread{}, err
	}

	now := s.now()
	rec := storage.Record{
		OwnerUserID: caller,
		Title:       title,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
		Checkpoint:  checkpoint,
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		rec.ThreadID = s.newThreadID(now)
		err = s.backend.Create(ctx, rec)
		if err == nil {
			s.logger.Info("thread created", "thread_id", rec.ThreadID, "owner", caller)
			return Thread{
				ThreadID:    rec.ThreadID,
				OwnerUserID: caller,
				Title:       title,
				Tags:        tags,
				CreatedAt:   now,
				UpdatedAt:   now,
				Turns:       nil,
			}, nil
		}
		if !errors.Is(err, storage.ErrDuplicateID) {
			return Thread{}, err
		}
	}
	return Thread{}, fmt.Errorf("generate unique thread id: %w", err)
}

// GetThread loads a full thread including its decoded history.
func (s *Store) GetThread(ctx context.Context, caller, threadID string) (Thread, error) {
	rec, err := s.load(ctx, caller, threadID)
	if err != nil {
		return Thread{}, err
	}
	return s.decode(rec)
}

// load fetches a record and applies access control.
func (s *Store) load(ctx context.Context, caller, threadID string) (storage.Record, error) {
	if err := s.checkCaller(caller); err != nil {
		return storage.Record{}, err
	}
	rec, err := s.backend.Get(ctx, threadID)
	if err != nil {
		return storage.Record{}, err
	}
	if err := s.checkAccess(rec, caller); err != nil {
		return storage.Record{}, err
	}
	return rec, nil
}

// decode turns a record into a Thread. A checkpoint that will not decode
// is an error on this one thread only.
func (s *Store) decode(rec storage.Record) (Thread, error) {
	turns, err := s.serializer.Deserialize(rec.Checkpoint)
	if err != nil {
		return Thread{}, fmt.Errorf("thread %s: %w", rec.ThreadID, err)
	}
	return Thread{
		ThreadID:     rec.ThreadID,
		OwnerUserID:  rec.OwnerUserID,
		Title:        rec.Title,
		Tags:         rec.Tags,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		MessageCount: rec.MessageCount,
		Turns:        turns,
	}, nil
}

// AppendTurn appends one turn to the thread's history. The sequence number
// is assigned here, not by the caller. Concurrent appends on the same
// thread are resolved by a bounded compare-and-swap retry loop, so no turn
// is ever lost.
func (s *Store) AppendTurn(ctx context.Context, caller, threadID string, role Role, content string) (Turn, error) {
	return s.AppendTurnMeta(ctx, caller, threadID, role, content, nil)
}

// AppendTurnMeta is AppendTurn with optional tool-call metadata.
func (s *Store) AppendTurnMeta(ctx context.Context, caller, threadID string, role Role, content string, toolCall *ToolCallMeta) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, role)
	}
	if content == "" && toolCall == nil {
		return Turn{}, fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		rec, err := s.load(ctx, caller, threadID)
		if err != nil {
			return Turn{}, err
		}
		turns, err := s.serializer.Deserialize(rec.Checkpoint)
		if err != nil {
			return Turn{}, fmt.Errorf("thread %s: %w", threadID, err)
		}

		turn := Turn{
			Role:           role,
			Content:        content,
			SequenceNumber: len(turns) + 1,
			CreatedAt:      s.now(),
			ToolCall:       toolCall,
		}
		turns = append(turns, turn)

		checkpoint, err := s.serializer.Serialize(turns)
		if err != nil {
			return Turn{}, err
		}

		count := len(turns)
		err = s.backend.Update(ctx, threadID, storage.Mutation{
			Checkpoint:       checkpoint,
			MessageCount:     &count,
			UpdatedAt:        s.now(),
			ExpectedRevision: rec.Revision,
		})
		if err == nil {
			return turn, nil
		}
		if !errors.Is(err, storage.ErrConcurrentModification) {
			return Turn{}, err
		}
		lastErr = err
		s.logger.Debug("append lost concurrency race, retrying",
			"thread_id", threadID, "attempt", attempt+1)
	}
	return Turn{}, fmt.Errorf("%w: %v", ErrTooManyRetries, lastErr)
}

// UpdateMetadata edits a thread's title and tags. Ownership and history
// are untouched.
func (s *Store) UpdateMetadata(ctx context.Context, caller, threadID string, meta Metadata) (Thread, error) {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		rec, err := s.load(ctx, caller, threadID)
		if err != nil {
			return Thread{}, err
		}
		err = s.backend.Update(ctx, threadID, storage.Mutation{
			Title:            meta.Title,
			Tags:             meta.Tags,
			UpdatedAt:        s.now(),
			ExpectedRevision: rec.Revision,
		})
		if err == nil {
			return s.GetThread(ctx, caller, threadID)
		}
		if !errors.Is(err, storage.ErrConcurrentModification) {
			return Thread{}, err
		}
		lastErr = err
	}
	return Thread{}, fmt.Errorf("%w: %v", ErrTooManyRetries, lastErr)
}

// ListThreads lists the threads visible to the caller, most recently
// updated first.
func (s *Store) ListThreads(ctx context.Context, caller string) ([]Summary, error) {
	if err := s.checkCaller(caller); err != nil {
		return nil, err
	}

	var (
		records []storage.Summary
		err     error
	)
	switch {
	case !s.userIsolation:
		records, err = s.backend.List(ctx, "")
	case caller != "":
		records, err = s.backend.List(ctx, caller)
	default:
		// Isolation with an anonymous caller: only unowned threads.
		all, listErr := s.backend.List(ctx, "")
		err = listErr
		for _, rec := range all {
			if rec.OwnerUserID == "" {
				records = append(records, rec)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, Summary(rec))
	}
	return summaries, nil
}

// DeleteThread permanently removes a thread and its history.
func (s *Store) DeleteThread(ctx context.Context, caller, threadID string) error {
	if _, err := s.load(ctx, caller, threadID); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, threadID); err != nil {
		return err
	}
	s.logger.Info("thread deleted", "thread_id", threadID)
	return nil
}

// CleanupOlderThan deletes every thread whose last update is strictly
// older than the given number of days. Zero matches is not an error.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("cleanup days must be positive, got %d", days)
	}
	cutoff := s.now().AddDate(0, 0, -days)
	deleted, err := s.backend.Cleanup(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		s.logger.Info("cleaned up old threads", "deleted", deleted, "older_than_days", days)
	}
	return deleted, nil
}

// Ping reports backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
