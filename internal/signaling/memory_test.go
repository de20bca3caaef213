package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemory())
}

// TestMemorySnapshotsAreCopies: mutating a delivered snapshot does not leak
// into the store.
func TestMemorySnapshotsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := mustCreate(t, m)

	if err := m.WriteField(ctx, id, FieldOffer, json.RawMessage(`"x"`)); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	doc, _ := m.Read(ctx, id)
	doc.Fields[FieldOffer][1] = 'y'
	delete(doc.Fields, FieldOffer)

	again, _ := m.Read(ctx, id)
	if string(again.Fields[FieldOffer]) != `"x"` {
		t.Fatalf("store mutated through snapshot: %s", again.Fields[FieldOffer])
	}
}

func TestMemorySubscribeCancelledContext(t *testing.T) {
	m := NewMemory()
	id := mustCreate(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Subscribe(ctx, id, func(Document) {}, nil); err == nil {
		t.Fatal("Subscribe succeeded with a cancelled context")
	}
}

// TestMemorySubscribeDuringAppends: Subscribe returns, and delivers a first
// snapshot, while other goroutines keep appending to the same document.
func TestMemorySubscribeDuringAppends(t *testing.T) {
	m := NewMemory()
	id := mustCreate(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_ = m.AppendField(ctx, id, FieldCallerCandidates, json.RawMessage(`{"candidate":"c"}`))
			}
		}()
	}
	defer wg.Wait()
	defer cancel()

	for i := 0; i < 500; i++ {
		deadline := time.After(2 * time.Second)
		got := make(chan struct{}, 1)
		returned := make(chan func(), 1)
		go func() {
			unsubscribe, err := m.Subscribe(ctx, id, func(Document) {
				select {
				case got <- struct{}{}:
				default:
				}
			}, nil)
			if err != nil {
				t.Errorf("Subscribe: %v", err)
				unsubscribe = func() {}
			}
			returned <- unsubscribe
		}()

		var unsubscribe func()
		select {
		case unsubscribe = <-returned:
		case <-deadline:
			t.Fatalf("iteration %d: Subscribe blocked during concurrent appends", i)
		}
		select {
		case <-got:
		case <-deadline:
			t.Fatalf("iteration %d: no snapshot delivered", i)
		}
		unsubscribe()
	}
}
