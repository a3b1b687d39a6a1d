package thread

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/storage"
)

// fakeClock hands out strictly increasing timestamps one millisecond apart.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.IDPrefix == "" {
		opts.IDPrefix = "loom"
	}
	if opts.Now == nil {
		opts.Now = newFakeClock().Now
	}
	return NewStore(storage.NewMemory(nil), nil, opts)
}

func TestStoreConversationScenario(t *testing.T) {
	store := newTestStore(t, Options{IDPrefix: "lab-assistant"})
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "", "capacitors", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if !strings.HasPrefix(created.ThreadID, "lab-assistant-") {
		t.Errorf("ThreadID = %q, want lab-assistant- prefix", created.ThreadID)
	}

	for i, step := range []struct {
		role    Role
		content string
	}{
		{RoleUser, "how do capacitors work?"},
		{RoleAssistant, "they store charge on two plates"},
		{RoleUser, "and in series?"},
	} {
		turn, err := store.AppendTurn(ctx, "", created.ThreadID, step.role, step.content)
		if err != nil {
			t.Fatalf("AppendTurn(%d) error = %v", i, err)
		}
		if turn.SequenceNumber != i+1 {
			t.Errorf("turn %d sequence = %d, want %d", i, turn.SequenceNumber, i+1)
		}
	}

	got, err := store.GetThread(ctx, "", created.ThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", got.MessageCount)
	}
	if len(got.Turns) != 3 {
		t.Fatalf("len(Turns) = %d, want 3", len(got.Turns))
	}
	wantOrder := []Role{RoleUser, RoleAssistant, RoleUser}
	for i, turn := range got.Turns {
		if turn.Role != wantOrder[i] {
			t.Errorf("turn %d role = %s, want %s", i, turn.Role, wantOrder[i])
		}
		if turn.SequenceNumber != i+1 {
			t.Errorf("turn %d sequence = %d, want %d", i, turn.SequenceNumber, i+1)
		}
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestStoreIDUniquenessWithinSecond(t *testing.T) {
	// A frozen clock forces every id into the same second; the random
	// suffix must keep them distinct.
	frozen := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	store := newTestStore(t, Options{Now: func() time.Time { return frozen }})
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		th, err := store.CreateThread(ctx, "", "", nil)
		if err != nil {
			t.Fatalf("CreateThread(%d) error = %v", i, err)
		}
		if seen[th.ThreadID] {
			t.Fatalf("duplicate thread id %s", th.ThreadID)
		}
		seen[th.ThreadID] = true
	}
}

func TestStoreOwnershipImmutable(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "alice", "mine", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	title := "renamed"
	tags := []string{"edited"}
	if _, err := store.UpdateMetadata(ctx, "alice", created.ThreadID, Metadata{Title: &title, Tags: &tags}); err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	if _, err := store.AppendTurn(ctx, "alice", created.ThreadID, RoleUser, "hello"); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	got, err := store.GetThread(ctx, "alice", created.ThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.OwnerUserID != "alice" {
		t.Errorf("OwnerUserID = %q, want alice", got.OwnerUserID)
	}
	if got.Title != "renamed" {
		t.Errorf("Title = %q, want renamed", got.Title)
	}
}

func TestStoreUserIsolation(t *testing.T) {
	store := newTestStore(t, Options{UserIsolation: true})
	ctx := context.Background()

	alice, err := store.CreateThread(ctx, "alice", "private", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if _, err := store.CreateThread(ctx, "bob", "bob's", nil); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	if _, err := store.GetThread(ctx, "bob", alice.ThreadID); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("GetThread() as bob error = %v, want ErrAccessDenied", err)
	}
	if _, err := store.AppendTurn(ctx, "bob", alice.ThreadID, RoleUser, "hi"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("AppendTurn() as bob error = %v, want ErrAccessDenied", err)
	}
	if err := store.DeleteThread(ctx, "bob", alice.ThreadID); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("DeleteThread() as bob error = %v, want ErrAccessDenied", err)
	}

	bobList, err := store.ListThreads(ctx, "bob")
	if err != nil {
		t.Fatalf("ListThreads() error = %v", err)
	}
	for _, sum := range bobList {
		if sum.OwnerUserID != "bob" {
			t.Errorf("ListThreads(bob) leaked thread owned by %q", sum.OwnerUserID)
		}
	}
}

func TestStoreRequireAuth(t *testing.T) {
	store := newTestStore(t, Options{RequireAuth: true})
	ctx := context.Background()

	if _, err := store.CreateThread(ctx, "", "", nil); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("CreateThread() anonymous error = %v, want ErrAuthRequired", err)
	}
	if _, err := store.ListThreads(ctx, ""); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("ListThreads() anonymous error = %v, want ErrAuthRequired", err)
	}

	created, err := store.CreateThread(ctx, "alice", "", nil)
	if err != nil {
		t.Fatalf("CreateThread() authenticated error = %v", err)
	}
	if _, err := store.GetThread(ctx, "", created.ThreadID); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("GetThread() anonymous error = %v, want ErrAuthRequired", err)
	}
}

func TestStoreThreadLimit(t *testing.T) {
	store := newTestStore(t, Options{MaxThreads: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.CreateThread(ctx, "alice", "", nil); err != nil {
			t.Fatalf("CreateThread(%d) error = %v", i, err)
		}
	}
	if _, err := store.CreateThread(ctx, "alice", "", nil); !errors.Is(err, ErrThreadLimit) {
		t.Errorf("CreateThread() over limit error = %v, want ErrThreadLimit", err)
	}
}

func TestStoreConcurrentAppends(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "", "racing", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	// With this many writers each append can lose at most writers-1 races,
	// which stays inside the bounded retry budget.
	const writers = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AppendTurn(ctx, "", created.ThreadID, RoleUser, "concurrent"); err != nil {
				t.Errorf("AppendTurn() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetThread(ctx, "", created.ThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.MessageCount != writers {
		t.Errorf("MessageCount = %d, want %d", got.MessageCount, writers)
	}
	seen := make(map[int]bool)
	for _, turn := range got.Turns {
		if seen[turn.SequenceNumber] {
			t.Errorf("duplicate sequence number %d", turn.SequenceNumber)
		}
		seen[turn.SequenceNumber] = true
	}
	for seq := 1; seq <= writers; seq++ {
		if !seen[seq] {
			t.Errorf("missing sequence number %d", seq)
		}
	}
}

func TestStoreInvalidTurns(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "", "", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	if _, err := store.AppendTurn(ctx, "", created.ThreadID, Role("narrator"), "hi"); !errors.Is(err, ErrInvalidTurn) {
		t.Errorf("AppendTurn() bad role error = %v, want ErrInvalidTurn", err)
	}
	if _, err := store.AppendTurn(ctx, "", created.ThreadID, RoleUser, ""); !errors.Is(err, ErrInvalidTurn) {
		t.Errorf("AppendTurn() empty content error = %v, want ErrInvalidTurn", err)
	}
}

func TestStoreCorruptCheckpointIsolated(t *testing.T) {
	backend := storage.NewMemory(nil)
	store := NewStore(backend, nil, Options{IDPrefix: "loom", Now: newFakeClock().Now})
	ctx := context.Background()

	healthy, err := store.CreateThread(ctx, "", "fine", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	// Plant a record whose checkpoint no serializer version understands.
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	corrupt := storage.Record{
		ThreadID:   "loom-20260314-093000-broken",
		CreatedAt:  now,
		UpdatedAt:  now,
		Checkpoint: []byte("garbage"),
	}
	if err := backend.Create(ctx, corrupt); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := store.GetThread(ctx, "", corrupt.ThreadID); !errors.Is(err, ErrCorruptCheckpoint) {
		t.Errorf("GetThread(corrupt) error = %v, want ErrCorruptCheckpoint", err)
	}

	// The corrupt thread stays listed and the healthy one stays readable.
	list, err := store.ListThreads(ctx, "")
	if err != nil {
		t.Fatalf("ListThreads() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListThreads() = %d threads, want 2", len(list))
	}
	if _, err := store.GetThread(ctx, "", healthy.ThreadID); err != nil {
		t.Errorf("GetThread(healthy) error = %v", err)
	}

	// Manual deletion is the recovery path.
	if err := store.DeleteThread(ctx, "", corrupt.ThreadID); err != nil {
		t.Errorf("DeleteThread(corrupt) error = %v", err)
	}
}

func TestStoreCleanup(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, Options{Now: clock.Now})
	ctx := context.Background()

	old, err := store.CreateThread(ctx, "", "stale", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	// Advance the clock past the cleanup horizon, then create a fresh one.
	clock.mu.Lock()
	clock.now = clock.now.AddDate(0, 0, 40)
	clock.mu.Unlock()

	fresh, err := store.CreateThread(ctx, "", "recent", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	deleted, err := store.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupOlderThan() = %d, want 1", deleted)
	}
	if _, err := store.GetThread(ctx, "", old.ThreadID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetThread(old) error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetThread(ctx, "", fresh.ThreadID); err != nil {
		t.Errorf("GetThread(fresh) error = %v", err)
	}

	if _, err := store.CleanupOlderThan(ctx, 0); err == nil {
		t.Error("CleanupOlderThan(0) succeeded, want error")
	}
}

func TestStoreEncryptedHistory(t *testing.T) {
	backend := storage.NewMemory(nil)
	cipher, err := NewAESCipher("thread key")
	if err != nil {
		t.Fatalf("NewAESCipher() error = %v", err)
	}
	store := NewStore(backend, NewEncryptingSerializer(NewJSONSerializer(), cipher),
		Options{IDPrefix: "loom", Now: newFakeClock().Now})
	ctx := context.Background()

	created, err := store.CreateThread(ctx, "", "secret", nil)
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if _, err := store.AppendTurn(ctx, "", created.ThreadID, RoleUser, "classified content"); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	// The raw record must not contain the plaintext.
	rec, err := backend.Get(ctx, created.ThreadID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if strings.Contains(string(rec.Checkpoint), "classified") {
		t.Error("checkpoint stored in plaintext despite encryption")
	}

	got, err := store.GetThread(ctx, "", created.ThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if len(got.Turns) != 1 || got.Turns[0].Content != "classified content" {
		t.Errorf("Turns = %+v, want decrypted single turn", got.Turns)
	}
}
