package document

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]string
	saves     int
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{snapshots: make(map[string]string)}
}

func (m *memorySnapshotStore) Load(_ context.Context, documentKey string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.snapshots[documentKey]
	return content, ok, nil
}

func (m *memorySnapshotStore) Save(_ context.Context, documentKey string, serializedContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[documentKey] = serializedContent
	m.saves++
	return nil
}

func (m *memorySnapshotStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memorySnapshotStore) content(documentKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.snapshots[documentKey]
	return content, ok
}

func mustAdapter(testContext *testing.T, store SnapshotStore, window time.Duration) *PersistenceAdapter {
	testContext.Helper()
	adapter, err := NewPersistenceAdapter(PersistenceAdapterConfig{
		Snapshots:       store,
		IdleFlushWindow: window,
	})
	if err != nil {
		testContext.Fatalf("failed to create adapter: %v", err)
	}
	testContext.Cleanup(adapter.Close)
	return adapter
}

func TestBindStateSeedsEmptyReplica(testContext *testing.T) {
	store := newMemorySnapshotStore()
	store.snapshots["room/1/notes"] = "durable content"
	adapter := mustAdapter(testContext, store, time.Second)

	replica := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/1/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}
	defer cleanup()

	if replica.Snapshot() != "durable content" {
		testContext.Fatalf("expected replica seeded from snapshot, got %q", replica.Snapshot())
	}
}

func TestBindStateNeverClobbersLiveContent(testContext *testing.T) {
	store := newMemorySnapshotStore()
	store.snapshots["room/1/notes"] = "stale durable content"
	adapter := mustAdapter(testContext, store, time.Second)

	replica := NewLWWReplica("writer-a")
	replica.ApplyLocal("live edits from an earlier attach")

	cleanup, err := adapter.BindState(context.Background(), "room/1/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}
	defer cleanup()

	if replica.Snapshot() != "live edits from an earlier attach" {
		testContext.Fatalf("snapshot must never clobber a non-empty replica, got %q", replica.Snapshot())
	}
}

func TestBindStateIsOneWayPerKey(testContext *testing.T) {
	store := newMemorySnapshotStore()
	adapter := mustAdapter(testContext, store, 20*time.Millisecond)

	first := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/2/notes", first)
	if err != nil {
		testContext.Fatalf("first bind failed: %v", err)
	}
	defer cleanup()

	store.snapshots["room/2/notes"] = "late snapshot"
	second := NewLWWReplica("writer-b")
	secondCleanup, err := adapter.BindState(context.Background(), "room/2/notes", second)
	if err != nil {
		testContext.Fatalf("second bind failed: %v", err)
	}
	defer secondCleanup()

	if !second.IsEmpty() {
		testContext.Fatalf("second bind for the same key must be a no-op")
	}
}

func TestIdleFlushWritesOncePerQuietPeriod(testContext *testing.T) {
	store := newMemorySnapshotStore()
	adapter := mustAdapter(testContext, store, 60*time.Millisecond)

	replica := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/3/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}
	defer cleanup()

	for i := 0; i < 5; i++ {
		replica.ApplyLocal("draft")
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Allow a straggler flush to land before asserting the count.
	time.Sleep(120 * time.Millisecond)

	if store.saveCount() != 1 {
		testContext.Fatalf("expected exactly one flush for a burst of edits, got %d", store.saveCount())
	}
}

func TestIdleFlushWritesPerSeparatedMutation(testContext *testing.T) {
	store := newMemorySnapshotStore()
	adapter := mustAdapter(testContext, store, 30*time.Millisecond)

	replica := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/4/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}
	defer cleanup()

	replica.ApplyLocal("first")
	time.Sleep(150 * time.Millisecond)
	replica.ApplyLocal("second")
	time.Sleep(150 * time.Millisecond)

	if store.saveCount() != 2 {
		testContext.Fatalf("expected one flush per separated mutation, got %d", store.saveCount())
	}
	content, ok := store.content("room/4/notes")
	if !ok || content != "second" {
		testContext.Fatalf("expected final snapshot to hold latest content, got %q", content)
	}
}

func TestFirstBindWithoutSnapshotThenIdleFlush(testContext *testing.T) {
	store := newMemorySnapshotStore()
	adapter := mustAdapter(testContext, store, 30*time.Millisecond)

	replica := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/42/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}
	defer cleanup()

	if !replica.IsEmpty() {
		testContext.Fatalf("first bind with no prior snapshot must not seed")
	}

	replica.ApplyLocal("Hello")
	time.Sleep(150 * time.Millisecond)

	content, ok := store.content("room/42/notes")
	if !ok {
		testContext.Fatalf("expected snapshot to exist after idle window")
	}
	if content != "Hello" {
		testContext.Fatalf("expected snapshot content %q, got %q", "Hello", content)
	}
}

func TestWriteStateFlushesImmediately(testContext *testing.T) {
	store := newMemorySnapshotStore()
	adapter := mustAdapter(testContext, store, time.Hour)

	replica := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/5/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}
	defer cleanup()

	replica.ApplyLocal("shutdown save")
	if err := adapter.WriteState(context.Background(), "room/5/notes", replica); err != nil {
		testContext.Fatalf("write state failed: %v", err)
	}

	content, ok := store.content("room/5/notes")
	if !ok || content != "shutdown save" {
		testContext.Fatalf("expected immediate flush, got %q", content)
	}
}

func TestCleanupStopsIdleFlushes(testContext *testing.T) {
	store := newMemorySnapshotStore()
	adapter := mustAdapter(testContext, store, 20*time.Millisecond)

	replica := NewLWWReplica("writer-a")
	cleanup, err := adapter.BindState(context.Background(), "room/6/notes", replica)
	if err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}

	replica.ApplyLocal("edit before cleanup")
	cleanup()
	time.Sleep(100 * time.Millisecond)

	if store.saveCount() != 0 {
		testContext.Fatalf("expected no flushes after cleanup, got %d", store.saveCount())
	}
}
