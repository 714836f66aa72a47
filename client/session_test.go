package client

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestFileSessionStoreGeneratesAndPersists(testContext *testing.T) {
	path := filepath.Join(testContext.TempDir(), "state", "session-id")

	store, err := NewFileSessionStore(FileSessionStoreConfig{Path: path})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	first, err := store.SessionID()
	if err != nil {
		testContext.Fatalf("first read failed: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		testContext.Fatalf("expected a uuid session id, got %q", first)
	}

	second, err := store.SessionID()
	if err != nil {
		testContext.Fatalf("second read failed: %v", err)
	}
	if second != first {
		testContext.Fatalf("expected stable session id, got %q then %q", first, second)
	}

	// A new store instance over the same file sees the same identifier.
	reopened, err := NewFileSessionStore(FileSessionStoreConfig{Path: path})
	if err != nil {
		testContext.Fatalf("failed to rebuild store: %v", err)
	}
	third, err := reopened.SessionID()
	if err != nil {
		testContext.Fatalf("reopened read failed: %v", err)
	}
	if third != first {
		testContext.Fatalf("expected persisted session id, got %q then %q", first, third)
	}
}

func TestFileSessionStoreRequiresPath(testContext *testing.T) {
	if _, err := NewFileSessionStore(FileSessionStoreConfig{}); err == nil {
		testContext.Fatal("expected an error for a missing path")
	}
}
