package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom/internal/log"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

// Postgres is the open-source relational backend, one row per thread.
//
// The connection pool is process-wide and lazily established: pgxpool does
// not dial until the first query. Close releases the pool on shutdown.
type Postgres struct {
	pool   *pgxpool.Pool
	table  string
	logger log.Logger
}

// NewPostgres creates the PostgreSQL backend from a postgres:// URL.
// table must be a validated identifier.
func NewPostgres(ctx context.Context, connURL, table string, logger log.Logger) (*Postgres, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Postgres{pool: pool, table: table, logger: logger}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		thread_id     TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		tags          JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		checkpoint    BYTEA NOT NULL DEFAULT ''::bytea,
		revision      BIGINT NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_owner ON %[1]s (owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s (updated_at DESC);
	`, p.table)

	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, rec Record) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, owner_user_id, title, tags, created_at, updated_at, message_count, checkpoint, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`, p.table)

	_, err = p.pool.Exec(ctx, query,
		rec.ThreadID, rec.OwnerUserID, rec.Title, tags,
		rec.CreatedAt, rec.UpdatedAt, rec.MessageCount, rec.Checkpoint)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, threadID string) (Record, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, owner_user_id, title, tags, created_at, updated_at, message_count, checkpoint, revision
		FROM %s WHERE thread_id = $1`, p.table)

	var (
		rec  Record
		tags []byte
	)
	err := p.pool.QueryRow(ctx, query, threadID).Scan(
		&rec.ThreadID, &rec.OwnerUserID, &rec.Title, &tags,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.MessageCount, &rec.Checkpoint, &rec.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get thread: %w", err)
	}
	if err := json.Unmarshal(tags, &rec.Tags); err != nil {
		return Record{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (p *Postgres) Update(ctx context.Context, threadID string, mut Mutation) error {
	set := []string{"updated_at = $1", "revision = revision + 1"}
	args := []any{mut.UpdatedAt}
	next := 2

	addArg := func(clause string, val any) {
		set = append(set, fmt.Sprintf(clause, next))
		args = append(args, val)
		next++
	}

	if mut.Title != nil {
		addArg("title = $%d", *mut.Title)
	}
	if mut.Tags != nil {
		tags, err := json.Marshal(*mut.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		addArg("tags = $%d", tags)
	}
	if mut.Checkpoint != nil {
		addArg("checkpoint = $%d", mut.Checkpoint)
	}
	if mut.MessageCount != nil {
		addArg("message_count = $%d", *mut.MessageCount)
	}

	// Single-statement compare-and-swap on the revision column; row-level
	// locking inside the UPDATE serializes concurrent writers.
	query := fmt.Sprintf("UPDATE %s SET %s WHERE thread_id = $%d AND revision = $%d",
		p.table, strings.Join(set, ", "), next, next+1)
	args = append(args, threadID, mut.ExpectedRevision)

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.classifyMiss(ctx, threadID)
	}
	return nil
}

func (p *Postgres) classifyMiss(ctx context.Context, threadID string) error {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE thread_id = $1)", p.table)
	if err := p.pool.QueryRow(ctx, query, threadID).Scan(&exists); err != nil {
		return fmt.Errorf("check thread existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func (p *Postgres) List(ctx context.Context, ownerUserID string) ([]Summary, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, owner_user_id, title, tags, created_at, updated_at, message_count
		FROM %s`, p.table)
	var args []any
	if ownerUserID != "" {
		query += " WHERE owner_user_id = $1"
		args = append(args, ownerUserID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sum  Summary
			tags []byte
		)
		if err := rows.Scan(&sum.ThreadID, &sum.OwnerUserID, &sum.Title, &tags,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		if err := json.Unmarshal(tags, &sum.Tags); err != nil {
			p.logger.Warn("skipping thread with malformed tags", "thread_id", sum.ThreadID, "error", err)
			continue
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return summaries, nil
}

func (p *Postgres) Delete(ctx context.Context, threadID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", p.table)
	tag, err := p.pool.Exec(ctx, query, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf("SELECT thread_id FROM %s WHERE updated_at < $1", p.table)
	rows, err := p.pool.Query(ctx, query, olderThan)
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
	del := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", p.table)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := p.pool.Exec(ctx, del, id); err != nil {
			return deleted, fmt.Errorf("delete expired thread %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
