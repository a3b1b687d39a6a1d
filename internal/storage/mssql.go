package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/loomhq/loom/internal/log"
)

// SQL Server error numbers for unique key violations.
const (
	mssqlPrimaryKeyViolation  = 2627
	mssqlUniqueIndexViolation = 2601
)

// ManagedSQL is the managed-relational backend for Azure SQL Database and
// Azure Synapse, using the SQL Server wire protocol.
//
// database/sql keeps the process-wide pool; connections are dialed lazily
// on first use and released by Close on shutdown.
type ManagedSQL struct {
	db     *sql.DB
	table  string
	logger log.Logger
}

// NewManagedSQL creates the Azure SQL backend from an ADO-style connection
// string (Server=...;Database=...;...). table must be a validated
// identifier.
func NewManagedSQL(connString, table string, logger log.Logger) (*ManagedSQL, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	db, err := sql.Open("sqlserver", connString)
	if err != nil {
		return nil, fmt.Errorf("open sql server connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &ManagedSQL{db: db, table: table, logger: logger}, nil
}

func (m *ManagedSQL) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	IF OBJECT_ID(N'%[1]s', N'U') IS NULL
	BEGIN
		CREATE TABLE %[1]s (
			thread_id     NVARCHAR(128) NOT NULL PRIMARY KEY,
			owner_user_id NVARCHAR(256) NOT NULL DEFAULT '',
			title         NVARCHAR(400) NOT NULL DEFAULT '',
			tags          NVARCHAR(MAX) NOT NULL DEFAULT '[]',
			created_at    DATETIME2 NOT NULL,
			updated_at    DATETIME2 NOT NULL,
			message_count INT NOT NULL DEFAULT 0,
			checkpoint    VARBINARY(MAX) NOT NULL DEFAULT 0x,
			revision      BIGINT NOT NULL DEFAULT 1
		);
		CREATE INDEX idx_%[1]s_owner ON %[1]s (owner_user_id);
		CREATE INDEX idx_%[1]s_updated ON %[1]s (updated_at DESC);
	END`, m.table)

	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (m *ManagedSQL) Create(ctx context.Context, rec Record) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, owner_user_id, title, tags, created_at, updated_at, message_count, checkpoint, revision)
		VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, 1)`, m.table)

	_, err = m.db.ExecContext(ctx, query,
		rec.ThreadID, rec.OwnerUserID, rec.Title, string(tags),
		rec.CreatedAt, rec.UpdatedAt, rec.MessageCount, rec.Checkpoint)
	if err != nil {
		var sqlErr mssql.Error
		if errors.As(err, &sqlErr) &&
			(sqlErr.Number == mssqlPrimaryKeyViolation || sqlErr.Number == mssqlUniqueIndexViolation) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (m *ManagedSQL) Get(ctx context.Context, threadID string) (Record, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, owner_user_id, title, tags, created_at, updated_at, message_count, checkpoint, revision
		FROM %s WHERE thread_id = @p1`, m.table)

	var (
		rec  Record
		tags string
	)
	err := m.db.QueryRowContext(ctx, query, threadID).Scan(
		&rec.ThreadID, &rec.OwnerUserID, &rec.Title, &tags,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.MessageCount, &rec.Checkpoint, &rec.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get thread: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return Record{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (m *ManagedSQL) Update(ctx context.Context, threadID string, mut Mutation) error {
	set := []string{"updated_at = @p1", "revision = revision + 1"}
	args := []any{mut.UpdatedAt}
	next := 2

	addArg := func(column string, val any) {
		set = append(set, fmt.Sprintf("%s = @p%d", column, next))
		args = append(args, val)
		next++
	}

	if mut.Title != nil {
		addArg("title", *mut.Title)
	}
	if mut.Tags != nil {
		tags, err := json.Marshal(*mut.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		addArg("tags", string(tags))
	}
	if mut.Checkpoint != nil {
		addArg("checkpoint", mut.Checkpoint)
	}
	if mut.MessageCount != nil {
		addArg("message_count", *mut.MessageCount)
	}

	// UPDLOCK + the revision predicate give a per-row compare-and-swap.
	query := fmt.Sprintf("UPDATE %s WITH (UPDLOCK) SET %s WHERE thread_id = @p%d AND revision = @p%d",
		m.table, strings.Join(set, ", "), next, next+1)
	args = append(args, threadID, mut.ExpectedRevision)

	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return m.classifyMiss(ctx, threadID)
	}
	return nil
}

func (m *ManagedSQL) classifyMiss(ctx context.Context, threadID string) error {
	var exists int
	query := fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE thread_id = @p1", m.table)
	if err := m.db.QueryRowContext(ctx, query, threadID).Scan(&exists); err != nil {
		return fmt.Errorf("check thread existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func (m *ManagedSQL) List(ctx context.Context, ownerUserID string) ([]Summary, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, owner_user_id, title, tags, created_at, updated_at, message_count
		FROM %s`, m.table)
	var args []any
	if ownerUserID != "" {
		query += " WHERE owner_user_id = @p1"
		args = append(args, ownerUserID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			sum  Summary
			tags string
		)
		if err := rows.Scan(&sum.ThreadID, &sum.OwnerUserID, &sum.Title, &tags,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &sum.Tags); err != nil {
			m.logger.Warn("skipping thread with malformed tags", "thread_id", sum.ThreadID, "error", err)
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

func (m *ManagedSQL) Delete(ctx context.Context, threadID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = @p1", m.table)
	res, err := m.db.ExecContext(ctx, query, threadID)
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

func (m *ManagedSQL) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf("SELECT thread_id FROM %s WHERE updated_at < @p1", m.table)
	rows, err := m.db.QueryContext(ctx, query, olderThan)
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
	del := fmt.Sprintf("DELETE FROM %s WHERE thread_id = @p1", m.table)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := m.db.ExecContext(ctx, del, id); err != nil {
			return deleted, fmt.Errorf("delete expired thread %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (m *ManagedSQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *ManagedSQL) Close() error {
	return m.db.Close()
}
