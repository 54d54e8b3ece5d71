package store

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/voicemesh/voicemesh/internal/conversation"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStoreGetOrCreate(t *testing.T) {
	st := NewMemoryStore(10, 0)
	ctx := context.Background()

	sess, err := st.GetOrCreateSession(ctx, "sess_a")
	if err != nil {
		t.Fatalf("GetOrCreateSession returned unexpected error: %v", err)
	}
	if sess.ID != "sess_a" {
		t.Errorf("ID = %q, want %q", sess.ID, "sess_a")
	}
	if sess.Metadata.CorrelationID != "sess_a" {
		t.Errorf("CorrelationID = %q, want session ID", sess.Metadata.CorrelationID)
	}
	if sess.Metadata.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	again, err := st.GetOrCreateSession(ctx, "sess_a")
	if err != nil {
		t.Fatalf("second GetOrCreateSession returned unexpected error: %v", err)
	}
	if !again.Metadata.CreatedAt.Equal(sess.Metadata.CreatedAt) {
		t.Error("second call created a new session instead of returning the existing one")
	}
}

func TestMemoryStoreEvictionBound(t *testing.T) {
	st := NewMemoryStore(3, 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("sess_%d", i)
		if _, err := st.GetOrCreateSession(ctx, id); err != nil {
			t.Fatalf("GetOrCreateSession(%s): %v", id, err)
		}
		cc := conversation.New(id, time.Now())
		if err := st.SaveContext(ctx, id, cc); err != nil {
			t.Fatalf("SaveContext(%s): %v", id, err)
		}

		stats := st.Stats(ctx)
		if stats.Sessions > 3 {
			t.Fatalf("store holds %d sessions, bound is 3", stats.Sessions)
		}
		if stats.Contexts > stats.Sessions {
			t.Fatalf("orphan contexts: %d contexts for %d sessions", stats.Contexts, stats.Sessions)
		}
	}

	// The survivors are the three most recently created.
	ids, err := st.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	want := []string{"sess_9", "sess_8", "sess_7"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ListSessions = %v, want %v", ids, want)
	}
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	st := NewMemoryStore(2, 0)
	ctx := context.Background()

	st.GetOrCreateSession(ctx, "sess_a")
	st.GetOrCreateSession(ctx, "sess_b")

	// Touch A so B becomes the LRU victim.
	st.GetOrCreateSession(ctx, "sess_a")
	st.GetOrCreateSession(ctx, "sess_c")

	ids, _ := st.ListSessions(ctx, 0)
	want := []string{"sess_c", "sess_a"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ListSessions = %v, want %v (LRU victim should be sess_b)", ids, want)
	}
}

func TestMemoryStoreSingleSlotScenario(t *testing.T) {
	st := NewMemoryStore(1, 0)
	ctx := context.Background()

	if _, err := st.GetOrCreateSession(ctx, "sess_a"); err != nil {
		t.Fatalf("create A: %v", err)
	}
	if _, err := st.GetOrCreateSession(ctx, "sess_b"); err != nil {
		t.Fatalf("create B: %v", err)
	}

	ids, _ := st.ListSessions(ctx, 0)
	if len(ids) != 1 || ids[0] != "sess_b" {
		t.Errorf("ListSessions = %v, want [sess_b]", ids)
	}
}

func TestMemoryStoreTTLSweep(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(10, 5*time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	st.GetOrCreateSession(ctx, "sess_old")
	clock.Advance(6 * time.Minute)
	st.GetOrCreateSession(ctx, "sess_new")

	ids, _ := st.ListSessions(ctx, 0)
	if len(ids) != 1 || ids[0] != "sess_new" {
		t.Errorf("ListSessions = %v, want [sess_new] after TTL sweep", ids)
	}

	if cc, _ := st.GetContext(ctx, "sess_old"); cc != nil {
		t.Error("context for expired session should be gone")
	}
}

func TestMemoryStoreCleanupExpiredCount(t *testing.T) {
	clock := newFakeClock()
	st := NewMemoryStore(10, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	st.GetOrCreateSession(ctx, "sess_a")
	st.GetOrCreateSession(ctx, "sess_b")
	clock.Advance(2 * time.Minute)

	n, err := st.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}

	// Idempotent on an empty set.
	n, _ = st.CleanupExpiredSessions(ctx)
	if n != 0 {
		t.Errorf("second sweep removed = %d, want 0", n)
	}
}

func TestMemoryStoreContextIdempotence(t *testing.T) {
	st := NewMemoryStore(10, 0)
	ctx := context.Background()

	cc := conversation.New("sess_a", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cc.Append("hi", "hello", cc.CreatedAt)
	if err := st.SaveContext(ctx, "sess_a", cc); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}

	first, err := st.GetContext(ctx, "sess_a")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	second, err := st.GetContext(ctx, "sess_a")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("two reads without an intervening save returned different contexts")
	}
}

func TestMemoryStoreGetContextMiss(t *testing.T) {
	st := NewMemoryStore(10, 0)

	cc, err := st.GetContext(context.Background(), "sess_absent")
	if err != nil {
		t.Fatalf("GetContext miss returned error: %v", err)
	}
	if cc != nil {
		t.Error("GetContext miss should return nil context")
	}
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	st := NewMemoryStore(10, 0)
	ctx := context.Background()

	st.GetOrCreateSession(ctx, "sess_a")
	st.SaveContext(ctx, "sess_a", conversation.New("sess_a", time.Now()))

	if err := st.DeleteSession(ctx, "sess_a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := st.DeleteSession(ctx, "sess_a"); err != nil {
		t.Errorf("second DeleteSession should be a no-op, got %v", err)
	}

	stats := st.Stats(ctx)
	if stats.Sessions != 0 || stats.Contexts != 0 {
		t.Errorf("stats after delete = %+v, want empty tables", stats)
	}
}

func TestMemoryStoreHealthCheck(t *testing.T) {
	st := NewMemoryStore(4, 0)
	ctx := context.Background()

	st.GetOrCreateSession(ctx, "sess_a")
	st.GetOrCreateSession(ctx, "sess_b")

	h := st.HealthCheck(ctx)
	if h.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", h.Status)
	}
	if h.Utilization != 0.5 {
		t.Errorf("Utilization = %v, want 0.5", h.Utilization)
	}
}
