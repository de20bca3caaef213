package signaling

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T, path string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, openTestSQLite(t, filepath.Join(t.TempDir(), "calls.db")))
}

// TestSQLiteSharedFile: two handles on one file see each other's writes,
// the way two processes on one host share a call.
func TestSQLiteSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared", "calls.db")
	caller := openTestSQLite(t, path)
	callee := openTestSQLite(t, path)
	ctx := context.Background()

	id := mustCreate(t, caller)

	answered := make(chan Document, 4)
	unsubscribe, err := caller.Subscribe(ctx, id, func(doc Document) {
		if doc.Has(FieldAnswer) {
			answered <- doc
		}
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := callee.WriteField(ctx, id, FieldAnswer, json.RawMessage(`{"sdp":"a"}`)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}

	select {
	case doc := <-answered:
		if doc.Version < 2 {
			t.Fatalf("version: got %d, want >= 2", doc.Version)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not observe the other handle's write")
	}
}
