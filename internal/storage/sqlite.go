package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/log"
	_ "modernc.org/sqlite"
)

// SQLite is the embedded-file backend. One local database file holds one
// threads table.
//
// The database handle is opened per operation and closed before returning,
// so the file lock is never held across operations. Two processes sharing
// the file (a chat session and the management server) therefore do not
// starve each other; the busy timeout absorbs short overlaps.
type SQLite struct {
	path   string
	table  string
	logger log.Logger
}

// NewSQLite creates the embedded backend for the given database file path.
// The parent directory is created if missing. table must be a validated
// identifier (config.Validate enforces this before we get here).
func NewSQLite(path, table string, logger log.Logger) (*SQLite, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	path = strings.TrimPrefix(path, "sqlite://")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	return &SQLite{path: path, table: table, logger: logger}, nil
}

// open opens a fresh connection for one operation.
func (s *SQLite) open() (*sql.DB, error) {
	dsn := s.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		thread_id     TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		tags          TEXT NOT NULL DEFAULT '[]',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		checkpoint    BLOB NOT NULL DEFAULT X'',
		revision      INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_owner ON %[1]s(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
	`, s.table)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, rec Record) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, owner_user_id, title, tags, created_at, updated_at, message_count, checkpoint, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`, s.table)

	_, err = db.ExecContext(ctx, query,
		rec.ThreadID, rec.OwnerUserID, rec.Title, string(tags),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
		rec.MessageCount, rec.Checkpoint)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, threadID string) (Record, error) {
	db, err := s.open()
	if err != nil {
		return Record{}, err
	}
	defer db.Close()

	query := fmt.Sprintf(`
		SELECT thread_id, owner_user_id, title, tags, created_at, updated_at, message_count, checkpoint, revision
		FROM %s WHERE thread_id = ?`, s.table)

	return scanRecord(db.QueryRowContext(ctx, query, threadID))
}

func (s *SQLite) Update(ctx context.Context, threadID string, mut Mutation) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	set := []string{"updated_at = ?", "revision = revision + 1"}
	args := []any{mut.UpdatedAt.UnixMilli()}

	if mut.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *mut.Title)
	}
	if mut.Tags != nil {
		tags, err := json.Marshal(*mut.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		set = append(set, "tags = ?")
		args = append(args, string(tags))
	}
	if mut.Checkpoint != nil {
		set = append(set, "checkpoint = ?")
		args = append(args, mut.Checkpoint)
	}
	if mut.MessageCount != nil {
		set = append(set, "message_count = ?")
		args = append(args, *mut.MessageCount)
	}

	// The revision predicate makes the whole read-modify-write cycle a
	// single compare-and-swap; no explicit row lock is needed.
	query := fmt.Sprintf("UPDATE %s SET %s WHERE thread_id = ? AND revision = ?",
		s.table, strings.Join(set, ", "))
	args = append(args, threadID, mut.ExpectedRevision)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return s.classifyMiss(ctx, db, threadID)
	}
	return nil
}

// classifyMiss distinguishes a stale revision from a missing record.
func (s *SQLite) classifyMiss(ctx context.Context, db *sql.DB, threadID string) error {
	var exists int
	query := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE thread_id = ?", s.table)
	if err := db.QueryRowContext(ctx, query, threadID).Scan(&exists); err != nil {
		return fmt.Errorf("check thread existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func (s *SQLite) List(ctx context.Context, ownerUserID string) ([]Summary, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := fmt.Sprintf(`
		SELECT thread_id, owner_user_id, title, tags, created_at, updated_at, message_count
		FROM %s`, s.table)
	var args []any
	if ownerUserID != "" {
		query += " WHERE owner_user_id = ?"
		args = append(args, ownerUserID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sum              Summary
			tags             string
			created, updated int64
		)
		if err := rows.Scan(&sum.ThreadID, &sum.OwnerUserID, &sum.Title, &tags,
			&created, &updated, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &sum.Tags); err != nil {
			s.logger.Warn("skipping thread with malformed tags", "thread_id", sum.ThreadID, "error", err)
			continue
		}
		sum.CreatedAt = time.UnixMilli(created).UTC()
		sum.UpdatedAt = time.UnixMilli(updated).UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return summaries, nil
}

func (s *SQLite) Delete(ctx context.Context, threadID string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.table)
	res, err := db.ExecContext(ctx, query, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup deletes threads with updated_at strictly older than the cutoff,
// one record at a time so cancellation never leaves a half-deleted record.
func (s *SQLite) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	query := fmt.Sprintf("SELECT thread_id FROM %s WHERE updated_at < ?", s.table)
	rows, err := db.QueryContext(ctx, query, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("select expired threads: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired threads: %w", err)
	}

	deleted := 0
	del := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.table)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := db.ExecContext(ctx, del, id); err != nil {
			return deleted, fmt.Errorf("delete expired thread %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

// Close is a no-op: no handle outlives an operation.
func (s *SQLite) Close() error { return nil }

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a full record row in the canonical column order.
func scanRecord(row rowScanner) (Record, error) {
	var (
		rec              Record
		tags             string
		created, updated int64
	)
	err := row.Scan(&rec.ThreadID, &rec.OwnerUserID, &rec.Title, &tags,
		&created, &updated, &rec.MessageCount, &rec.Checkpoint, &rec.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan thread record: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return Record{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}
