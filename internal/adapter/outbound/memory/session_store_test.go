package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/domain/clientsession"
)

func newTestSession(id string, ttl time.Duration) *clientsession.Session {
	now := time.Now().UTC()
	return &clientsession.Session{
		ID:         id,
		ProjectID:  "proj-1",
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(ttl),
		Outbound:   make(chan []byte, 4),
	}
}

func TestClientSessionStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	sess := newTestSession("sess-1", 30*time.Minute)
	sess.Principal = &clientsession.Principal{ID: "user-1", Name: "alice"}

	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ID != "sess-1" {
		t.Errorf("ID = %q, want %q", got.ID, "sess-1")
	}
	if got.Principal == nil || got.Principal.ID != "user-1" {
		t.Errorf("Principal = %+v, want user-1", got.Principal)
	}
}

func TestClientSessionStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	if _, err := store.Get(ctx, "nonexistent"); !errors.Is(err, clientsession.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestClientSessionStore_ExpiredSessionNotReturned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	sess := newTestSession("sess-expired", -time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := store.Get(ctx, "sess-expired"); !errors.Is(err, clientsession.ErrNotFound) {
		t.Errorf("Get() for expired session error = %v, want ErrNotFound", err)
	}

	// The entry is still present until a sweep reaps it.
	expired, err := store.ListExpired(ctx)
	if err != nil {
		t.Fatalf("ListExpired() error: %v", err)
	}
	if len(expired) != 1 || expired[0] != "sess-expired" {
		t.Errorf("ListExpired() = %v, want [sess-expired]", expired)
	}
}

func TestClientSessionStore_Update(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	sess := newTestSession("sess-update", 30*time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess.RecordRequest(true)
	sess.RecordRequest(false)
	if err := store.Update(ctx, sess); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	got, err := store.Get(ctx, "sess-update")
	if err != nil {
		t.Fatalf("Get() after update error: %v", err)
	}
	if got.TotalRequests != 2 || got.FailedRequests != 1 {
		t.Errorf("counters = %d/%d, want 2/1", got.TotalRequests, got.FailedRequests)
	}
}

func TestClientSessionStore_UpdateNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	sess := newTestSession("nonexistent", 30*time.Minute)
	if err := store.Update(ctx, sess); !errors.Is(err, clientsession.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestClientSessionStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	sess := newTestSession("sess-delete", 30*time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Delete(ctx, "sess-delete"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := store.Get(ctx, "sess-delete"); !errors.Is(err, clientsession.ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
	}
}

func TestClientSessionStore_DeleteNonExistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	if err := store.Delete(ctx, "nonexistent"); err != nil {
		t.Errorf("Delete() on missing session should not error, got %v", err)
	}
}

func TestClientSessionStore_CopyOnReturn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	sess := newTestSession("sess-copy", 30*time.Minute)
	sess.Principal = &clientsession.Principal{ID: "user-1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got1, err := store.Get(ctx, "sess-copy")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	got1.TotalRequests = 99

	got2, err := store.Get(ctx, "sess-copy")
	if err != nil {
		t.Fatalf("Get() second call error: %v", err)
	}
	if got2.TotalRequests == 99 {
		t.Error("store returned a live reference instead of a copy")
	}
}

func TestClientSessionStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	for i := 0; i < 10; i++ {
		sess := newTestSession("sess-concurrent-"+string(rune('0'+i)), 30*time.Minute)
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 300)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "sess-concurrent-" + string(rune('0'+(idx%10)))
			if _, err := store.Get(ctx, id); err != nil && !errors.Is(err, clientsession.ErrNotFound) {
				errCh <- err
			}
		}(i)
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "sess-concurrent-" + string(rune('0'+(idx%10)))
			sess := newTestSession(id, 30*time.Minute)
			_ = store.Update(ctx, sess)
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			id := "sess-concurrent-" + string(rune('0'+(idx%10)))
			_ = store.Delete(ctx, id)
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}

func TestClientSessionStore_ListExpiredSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewClientSessionStore()

	live := newTestSession("sess-live", time.Hour)
	dead := newTestSession("sess-dead", -time.Second)
	if err := store.Create(ctx, live); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Create(ctx, dead); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	expired, err := store.ListExpired(ctx)
	if err != nil {
		t.Fatalf("ListExpired() error: %v", err)
	}
	if len(expired) != 1 || expired[0] != "sess-dead" {
		t.Errorf("ListExpired() = %v, want [sess-dead]", expired)
	}

	for _, id := range expired {
		_ = store.Delete(ctx, id)
	}
	if store.Size() != 1 {
		t.Errorf("Size() after sweep = %d, want 1", store.Size())
	}
}

func TestManager_EvictionSweepReapsExpired(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewClientSessionStore()
	mgr := clientsession.NewManager(store, clientsession.Config{Timeout: 50 * time.Millisecond})

	sess, err := mgr.Open(ctx, "proj-1", "", nil, clientsession.Fingerprint{}, false)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	go mgr.RunEvictionSweep(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for store.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if store.Size() != 0 {
		t.Errorf("session %s was not reaped by eviction sweep", sess.ID)
	}
}
