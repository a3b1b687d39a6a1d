package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/thread"
)

func newStore(backend storage.Backend) *thread.Store {
	return thread.NewStore(backend, nil, thread.Options{IDPrefix: "loom"})
}

func TestControllerStartsNewThread(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	ctrl := NewController(newStore(storage.NewMemory(nil)), nil, Options{})

	if err := ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ctrl.State() != StateActive {
		t.Errorf("State() = %s, want active", ctrl.State())
	}
	if ctrl.Context().ThreadID == "" {
		t.Error("Context().ThreadID empty after Start")
	}
}

func TestControllerResumesSavedThread(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	store := newStore(storage.NewMemory(nil))
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "", "earlier", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if err := SaveCurrentThreadID(created.ThreadID); err != nil {
		t.Fatalf("SaveCurrentThreadID() error = %v", err)
	}

	ctrl := NewController(store, nil, Options{})
	if err := ctrl.Start(ctx, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ctrl.Context().ThreadID != created.ThreadID {
		t.Errorf("bound thread = %s, want saved %s", ctrl.Context().ThreadID, created.ThreadID)
	}
}

func TestControllerSkipsCorruptMostRecent(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	backend := storage.NewMemory(nil)
	store := newStore(backend)
	ctx := context.Background()

	healthy, err := store.CreateThread(ctx, "", "older but fine", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	// A corrupt thread with a newer timestamp is the auto-select candidate.
	now := time.Now().UTC().Add(time.Hour)
	corrupt := storage.Record{
		ThreadID:   "loom-20990101-000000-bad000",
		CreatedAt:  now,
		UpdatedAt:  now,
		Checkpoint: []byte("garbage"),
	}
	if err := backend.Create(ctx, corrupt); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctrl := NewController(store, nil, Options{})
	if err := ctrl.Start(ctx, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ctrl.Context().ThreadID != healthy.ThreadID {
		t.Errorf("bound thread = %s, want healthy %s", ctrl.Context().ThreadID, healthy.ThreadID)
	}
}

func TestControllerResumeExplicitID(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	store := newStore(storage.NewMemory(nil))
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "", "pinned", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	ctrl := NewController(store, nil, Options{})
	if err := ctrl.Start(ctx, created.ThreadID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ctrl.Context().ThreadID != created.ThreadID {
		t.Errorf("bound thread = %s, want %s", ctrl.Context().ThreadID, created.ThreadID)
	}

	missing := NewController(newStore(storage.NewMemory(nil)), nil, Options{})
	if err := missing.Start(ctx, "loom-20260314-093000-nope00"); err == nil {
		t.Error("Start() with missing resume id succeeded, want error")
	}
}

func TestControllerSwitchesThread(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	store := newStore(storage.NewMemory(nil))
	ctx := context.Background()

	ctrl := NewController(store, nil, Options{})
	if err := ctrl.Start(ctx, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := ctrl.Context().ThreadID

	other, err := store.CreateThread(ctx, "", "second", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	if err := ctrl.Switch(ctx, other.ThreadID); err != nil {
		t.Fatalf("Switch() error = %v", err)
	}
	if ctrl.State() != StateActive {
		t.Errorf("State() = %s, want active", ctrl.State())
	}
	if ctrl.Context().ThreadID != other.ThreadID {
		t.Errorf("bound thread = %s, want %s", ctrl.Context().ThreadID, other.ThreadID)
	}

	if _, err := ctrl.Append(ctx, thread.RoleUser, "after the switch"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := store.GetThread(ctx, "", other.ThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.MessageCount != 1 {
		t.Errorf("switched thread MessageCount = %d, want 1", got.MessageCount)
	}
	old, err := store.GetThread(ctx, "", first)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if old.MessageCount != 0 {
		t.Errorf("previous thread MessageCount = %d, want 0", old.MessageCount)
	}
}

func TestControllerSwitchWithoutIDPicksOtherRecent(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	store := thread.NewStore(storage.NewMemory(nil), nil, thread.Options{
		IDPrefix: "loom",
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	ctx := context.Background()

	ctrl := NewController(store, nil, Options{})
	if err := ctrl.Start(ctx, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := ctrl.Context().ThreadID

	newer, err := store.CreateThread(ctx, "", "newer", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	// The bound thread is never auto-selected, even when it is the most
	// recently updated one.
	if _, err := ctrl.Append(ctx, thread.RoleUser, "bump"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := ctrl.Switch(ctx, ""); err != nil {
		t.Fatalf("Switch() error = %v", err)
	}
	if ctrl.Context().ThreadID != newer.ThreadID {
		t.Errorf("bound thread = %s, want %s", ctrl.Context().ThreadID, newer.ThreadID)
	}
	if ctrl.Context().ThreadID == first {
		t.Error("Switch(\"\") re-selected the current thread")
	}
}

func TestControllerSwitchFailureKeepsBinding(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	ctrl := NewController(newStore(storage.NewMemory(nil)), nil, Options{})
	ctx := context.Background()

	if err := ctrl.Switch(ctx, "anything"); err == nil {
		t.Error("Switch() before Start succeeded, want error")
	}

	if err := ctrl.Start(ctx, ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bound := ctrl.Context().ThreadID

	if err := ctrl.Switch(ctx, "loom-20260314-093000-nope00"); err == nil {
		t.Error("Switch() to missing thread succeeded, want error")
	}
	if ctrl.State() != StateActive {
		t.Errorf("State() = %s, want active after failed switch", ctrl.State())
	}
	if ctrl.Context().ThreadID != bound {
		t.Errorf("bound thread = %s, want unchanged %s", ctrl.Context().ThreadID, bound)
	}
}

func TestControllerAuthenticates(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	store := thread.NewStore(storage.NewMemory(nil), nil,
		thread.Options{IDPrefix: "loom", RequireAuth: true, UserIsolation: true})

	authn := &auth.StaticAuthenticator{Identity: auth.Identity{UserID: "alice"}}
	ctrl := NewController(store, authn, Options{RequireAuth: true})
	if err := ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ctrl.Context().UserID != "alice" {
		t.Errorf("UserID = %q, want alice", ctrl.Context().UserID)
	}

	turn, err := ctrl.Append(context.Background(), thread.RoleUser, "hello")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if turn.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", turn.SequenceNumber)
	}
}

func TestControllerAuthFailureIsFatalWhenRequired(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	ctrl := NewController(newStore(storage.NewMemory(nil)), &auth.StaticAuthenticator{}, Options{RequireAuth: true})

	err := ctrl.Start(context.Background(), "")
	if err == nil {
		t.Fatal("Start() succeeded without identity, want error")
	}
	if ctrl.State() != StateEnded {
		t.Errorf("State() = %s, want ended", ctrl.State())
	}
}

func TestControllerAppendOutsideActivePanics(t *testing.T) {
	ctrl := NewController(newStore(storage.NewMemory(nil)), nil, Options{})
	defer func() {
		if recover() == nil {
			t.Error("Append() before Start did not panic")
		}
	}()
	_, _ = ctrl.Append(context.Background(), thread.RoleUser, "too early")
}

func TestControllerEndSavesCurrentThread(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	ctrl := NewController(newStore(storage.NewMemory(nil)), nil, Options{})

	if err := ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	bound := ctrl.Context().ThreadID
	if err := ctrl.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ctrl.State() != StateEnded {
		t.Errorf("State() = %s, want ended", ctrl.State())
	}

	saved, err := LoadCurrentThreadID()
	if err != nil {
		t.Fatalf("LoadCurrentThreadID() error = %v", err)
	}
	if saved != bound {
		t.Errorf("saved thread = %q, want %q", saved, bound)
	}

	if err := ctrl.End(); err == nil {
		t.Error("End() twice succeeded, want error")
	}
}

// unavailableBackend fails every call with a transient error.
type unavailableBackend struct{ storage.Backend }

func newUnavailable() *unavailableBackend {
	return &unavailableBackend{Backend: storage.NewMemory(nil)}
}

func (u *unavailableBackend) List(context.Context, string) ([]storage.Summary, error) {
	return nil, storage.ErrUnavailable
}

func (u *unavailableBackend) Create(context.Context, storage.Record) error {
	return storage.ErrUnavailable
}

func TestControllerDegradesToMemoryOnOutage(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())

	ctrl := NewController(newStore(newUnavailable()), nil, Options{
		Fallback: func() *thread.Store { return newStore(storage.NewMemory(nil)) },
	})
	if err := ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error = %v, want fallback to in-memory", err)
	}
	if ctrl.State() != StateActive {
		t.Errorf("State() = %s, want active", ctrl.State())
	}
	if _, err := ctrl.Append(context.Background(), thread.RoleUser, "still works"); err != nil {
		t.Errorf("Append() after fallback error = %v", err)
	}
}

func TestControllerNoFallbackSurfacesOutage(t *testing.T) {
	t.Setenv("LOOM_STATE_DIR", t.TempDir())
	ctrl := NewController(newStore(newUnavailable()), nil, Options{})

	err := ctrl.Start(context.Background(), "")
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Start() error = %v, want ErrUnavailable", err)
	}
}
