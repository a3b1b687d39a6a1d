package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runBackendConformance exercises the Backend contract against a concrete
// implementation. Every engine must pass the same suite.
func runBackendConformance(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Helper()

	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	newRecord := func(id, owner string, at time.Time) Record {
		return Record{
			ThreadID:    id,
			OwnerUserID: owner,
			Title:       "untitled",
			Tags:        []string{},
			CreatedAt:   at,
			UpdatedAt:   at,
			Checkpoint:  []byte(`{"version":1,"turns":[]}`),
		}
	}

	t.Run("create and get round trip", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec := newRecord("loom-20260314-093000-a1b2c3", "alice", base)
		rec.Title = "quantum homework"
		rec.Tags = []string{"physics", "homework"}
		rec.MessageCount = 2
		if err := b.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := b.Get(ctx, rec.ThreadID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Title != rec.Title {
			t.Errorf("Title = %q, want %q", got.Title, rec.Title)
		}
		if got.OwnerUserID != "alice" {
			t.Errorf("OwnerUserID = %q, want alice", got.OwnerUserID)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "physics" {
			t.Errorf("Tags = %v, want [physics homework]", got.Tags)
		}
		if got.MessageCount != 2 {
			t.Errorf("MessageCount = %d, want 2", got.MessageCount)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
		if got.Revision != 1 {
			t.Errorf("Revision = %d, want 1", got.Revision)
		}
		if string(got.Checkpoint) != string(rec.Checkpoint) {
			t.Errorf("Checkpoint = %s, want %s", got.Checkpoint, rec.Checkpoint)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec := newRecord("loom-20260314-093000-d4e5f6", "alice", base)
		if err := b.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := b.Create(ctx, rec); !errors.Is(err, ErrDuplicateID) {
			t.Errorf("Create() duplicate error = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Get(context.Background(), "no-such-thread"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("update bumps revision", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec := newRecord("loom-20260314-093000-0a0b0c", "alice", base)
		if err := b.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		title := "renamed"
		count := 4
		mut := Mutation{
			Title:            &title,
			MessageCount:     &count,
			Checkpoint:       []byte(`{"version":1,"turns":[{"role":"user"}]}`),
			UpdatedAt:        base.Add(time.Minute),
			ExpectedRevision: 1,
		}
		if err := b.Update(ctx, rec.ThreadID, mut); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		got, err := b.Get(ctx, rec.ThreadID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Revision != 2 {
			t.Errorf("Revision = %d, want 2", got.Revision)
		}
		if got.Title != "renamed" {
			t.Errorf("Title = %q, want renamed", got.Title)
		}
		if got.MessageCount != 4 {
			t.Errorf("MessageCount = %d, want 4", got.MessageCount)
		}
		if !got.UpdatedAt.Equal(base.Add(time.Minute)) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, base.Add(time.Minute))
		}
	})

	t.Run("update stale revision", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec := newRecord("loom-20260314-093000-111111", "alice", base)
		if err := b.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		title := "first writer"
		if err := b.Update(ctx, rec.ThreadID, Mutation{Title: &title, UpdatedAt: base, ExpectedRevision: 1}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		title2 := "second writer"
		err := b.Update(ctx, rec.ThreadID, Mutation{Title: &title2, UpdatedAt: base, ExpectedRevision: 1})
		if !errors.Is(err, ErrConcurrentModification) {
			t.Errorf("stale Update() error = %v, want ErrConcurrentModification", err)
		}
	})

	t.Run("update missing", func(t *testing.T) {
		b := newBackend(t)
		err := b.Update(context.Background(), "no-such-thread", Mutation{UpdatedAt: base, ExpectedRevision: 1})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Update() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list filters by owner and sorts by recency", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		older := newRecord("loom-20260314-093000-aaaaaa", "alice", base)
		newer := newRecord("loom-20260314-093100-bbbbbb", "alice", base.Add(time.Minute))
		other := newRecord("loom-20260314-093200-cccccc", "bob", base.Add(2*time.Minute))
		for _, rec := range []Record{older, newer, other} {
			if err := b.Create(ctx, rec); err != nil {
				t.Fatalf("Create(%s) error = %v", rec.ThreadID, err)
			}
		}

		got, err := b.List(ctx, "alice")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("List(alice) returned %d threads, want 2", len(got))
		}
		if got[0].ThreadID != newer.ThreadID || got[1].ThreadID != older.ThreadID {
			t.Errorf("List(alice) order = [%s %s], want newest first", got[0].ThreadID, got[1].ThreadID)
		}

		all, err := b.List(ctx, "")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(all) != 3 {
			t.Errorf("List(\"\") returned %d threads, want 3", len(all))
		}
	})

	t.Run("delete", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec := newRecord("loom-20260314-093000-222222", "alice", base)
		if err := b.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := b.Delete(ctx, rec.ThreadID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := b.Get(ctx, rec.ThreadID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
		}
		if err := b.Delete(ctx, rec.ThreadID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete() twice error = %v, want ErrNotFound", err)
		}
	})

	t.Run("cleanup cutoff is exclusive", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		cutoff := base.Add(time.Hour)

		expired := newRecord("loom-20260314-093000-333333", "alice", cutoff.Add(-time.Millisecond))
		boundary := newRecord("loom-20260314-093000-444444", "alice", cutoff)
		fresh := newRecord("loom-20260314-093000-555555", "alice", cutoff.Add(time.Millisecond))
		for _, rec := range []Record{expired, boundary, fresh} {
			if err := b.Create(ctx, rec); err != nil {
				t.Fatalf("Create(%s) error = %v", rec.ThreadID, err)
			}
		}

		deleted, err := b.Cleanup(ctx, cutoff)
		if err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
		if deleted != 1 {
			t.Errorf("Cleanup() deleted %d, want 1", deleted)
		}
		if _, err := b.Get(ctx, expired.ThreadID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired thread still present, Get error = %v", err)
		}
		for _, id := range []string{boundary.ThreadID, fresh.ThreadID} {
			if _, err := b.Get(ctx, id); err != nil {
				t.Errorf("surviving thread %s: Get error = %v", id, err)
			}
		}
	})

	t.Run("ping", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}
