package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/log"
)

// Memory is the non-persistent backend used when persistence is disabled.
// Threads live in a process-local map and do not survive restarts.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	logger  log.Logger
}

// NewMemory creates an in-memory backend.
func NewMemory(logger log.Logger) *Memory {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Memory{
		records: make(map[string]Record),
		logger:  logger,
	}
}

// EnsureSchema is a no-op for the in-memory backend.
func (m *Memory) EnsureSchema(context.Context) error { return nil }

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close discards all records.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return nil
}

func (m *Memory) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ThreadID]; exists {
		return ErrDuplicateID
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	m.records[rec.ThreadID] = cloneRecord(rec)
	return nil
}

func (m *Memory) Get(_ context.Context, threadID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[threadID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Update(_ context.Context, threadID string, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[threadID]
	if !ok {
		return ErrNotFound
	}
	if rec.Revision != mut.ExpectedRevision {
		return ErrConcurrentModification
	}

	if mut.Title != nil {
		rec.Title = *mut.Title
	}
	if mut.Tags != nil {
		rec.Tags = append([]string(nil), (*mut.Tags)...)
	}
	if mut.Checkpoint != nil {
		rec.Checkpoint = append([]byte(nil), mut.Checkpoint...)
	}
	if mut.MessageCount != nil {
		rec.MessageCount = *mut.MessageCount
	}
	rec.UpdatedAt = mut.UpdatedAt
	rec.Revision++

	m.records[threadID] = rec
	return nil
}

func (m *Memory) List(_ context.Context, ownerUserID string) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]Summary, 0, len(m.records))
	for _, rec := range m.records {
		if ownerUserID != "" && rec.OwnerUserID != ownerUserID {
			continue
		}
		summaries = append(summaries, Summary{
			ThreadID:     rec.ThreadID,
			OwnerUserID:  rec.OwnerUserID,
			Title:        rec.Title,
			Tags:         append([]string(nil), rec.Tags...),
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
			MessageCount: rec.MessageCount,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (m *Memory) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[threadID]; !ok {
		return ErrNotFound
	}
	delete(m.records, threadID)
	return nil
}

// Cleanup deletes records strictly older than the cutoff. A record updated
// exactly at the cutoff survives.
func (m *Memory) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, rec := range m.records {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if rec.UpdatedAt.Before(olderThan) {
			delete(m.records, id)
			deleted++
		}
	}
	if deleted > 0 {
		m.logger.Debug("cleaned up threads", "deleted", deleted)
	}
	return deleted, nil
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Tags = append([]string(nil), rec.Tags...)
	out.Checkpoint = append([]byte(nil), rec.Checkpoint...)
	return out
}
