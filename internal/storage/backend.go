// Package storage provides thread persistence backends behind one uniform
// contract.
//
// The supported engines form a closed set: an embedded SQLite file, managed
// cloud SQL (Azure SQL), PostgreSQL, a document store (MongoDB / Cosmos DB),
// and an in-memory backend used when persistence is disabled. The adapter is
// selected once at startup from the resolved configuration and injected into
// the thread store; nothing inspects backend types at runtime.
//
// # Concurrency
//
// Update and Delete are atomic per record. Every record carries a revision
// counter; Update succeeds only when Mutation.ExpectedRevision matches the
// stored revision, and bumps it by one. Concurrent writers that lose the
// race get ErrConcurrentModification and retry at the thread-store level.
// Operations on different thread ids never block each other.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by backends. Callers check with errors.Is.
var (
	// ErrNotFound indicates the thread record does not exist. Definitive,
	// never retried.
	ErrNotFound = errors.New("thread not found")

	// ErrDuplicateID indicates a create collided with an existing thread
	// id. Definitive, never retried.
	ErrDuplicateID = errors.New("duplicate thread id")

	// ErrConcurrentModification indicates the record changed between read
	// and write. The thread store retries a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrUnavailable indicates the backend could not be reached after
	// internal retries. The session degrades to in-memory persistence.
	ErrUnavailable = errors.New("storage unavailable")
)

// Record is a full thread row as stored by a backend. The checkpoint blob
// is opaque to the storage layer; serialization lives with the thread store.
type Record struct {
	ThreadID     string
	OwnerUserID  string
	Title        string
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	Checkpoint   []byte

	// Revision is the optimistic-concurrency counter, starting at 1 on
	// create and incremented by every successful Update.
	Revision int64
}

// Summary is the listing projection of a record. It deliberately omits the
// checkpoint blob so listing stays cheap on large threads.
type Summary struct {
	ThreadID     string    `json:"thread_id"`
	OwnerUserID  string    `json:"owner_user_id,omitempty"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Mutation is a partial update applied atomically to one record.
// Nil pointer fields are left unchanged. ExpectedRevision must hold the
// revision the caller read; a mismatch fails with ErrConcurrentModification.
type Mutation struct {
	Title        *string
	Tags         *[]string
	Checkpoint   []byte // nil = unchanged
	MessageCount *int
	UpdatedAt    time.Time

	ExpectedRevision int64
}

// Backend is the uniform storage contract implemented by every engine.
//
// List filters by owner when ownerUserID is non-empty and returns all
// records otherwise, most-recently-updated first. Cleanup deletes records
// strictly older than the cutoff, one record at a time, so a cancelled
// cleanup only deletes fewer records.
type Backend interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, threadID string) (Record, error)
	Update(ctx context.Context, threadID string, mut Mutation) error
	List(ctx context.Context, ownerUserID string) ([]Summary, error)
	Delete(ctx context.Context, threadID string) error
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// IsDefinitive reports whether err is a definitive outcome that must never
// be retried.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrConcurrentModification)
}
