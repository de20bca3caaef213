package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs the relay server by default and
// lets two sessions in one process call each other.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

type memDoc struct {
	doc  Document
	subs map[*memSub]struct{}
}

// memSub is one subscription. notify is a 1-slot wake-up signal: snapshots
// are full documents, so coalescing several changes into one delivery loses
// nothing.
type memSub struct {
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memDoc)}
}

// Create allocates a new empty document and returns its id.
func (m *Memory) Create(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()

	m.mu.Lock()
	m.docs[id] = &memDoc{
		doc:  Document{ID: id, Version: 1, Fields: make(map[string]json.RawMessage)},
		subs: make(map[*memSub]struct{}),
	}
	m.mu.Unlock()
	return id, nil
}

// Read returns a snapshot of the document.
func (m *Memory) Read(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.doc.clone(), nil
}

// WriteField sets a write-once field.
func (m *Memory) WriteField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := checkWrite(field, false); err != nil {
		return err
	}
	return m.mutate(ctx, id, func(doc *Document) error {
		if doc.Has(field) {
			return fmt.Errorf("%w: %q", ErrFieldSet, field)
		}
		doc.Fields[field] = append(json.RawMessage(nil), value...)
		return nil
	})
}

// AppendField appends value to a list field.
func (m *Memory) AppendField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := checkWrite(field, true); err != nil {
		return err
	}
	return m.mutate(ctx, id, func(doc *Document) error {
		list, err := appendRaw(doc.Fields[field], value)
		if err != nil {
			return err
		}
		doc.Fields[field] = list
		return nil
	})
}

// mutate applies fn under the write lock, bumps the version and wakes every
// subscriber of the document.
func (m *Memory) mutate(ctx context.Context, id string, fn func(*Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	d, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(&d.doc); err != nil {
		m.mu.Unlock()
		return err
	}
	d.doc.Version++
	subs := make([]*memSub, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe starts delivering snapshots of id to fn on a dedicated goroutine.
// The subscription ends when unsubscribe is called or ctx is cancelled.
func (m *Memory) Subscribe(ctx context.Context, id string, fn func(Document), lost func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSub{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	d, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.subs[s] = struct{}{}
	m.mu.Unlock()

	unsubscribe := func() {
		s.once.Do(func() {
			close(s.done)
			m.mu.Lock()
			delete(d.subs, s)
			m.mu.Unlock()
		})
	}

	// Initial snapshot is always delivered. A concurrent mutate may already
	// have queued a wake-up, which delivers the same full snapshot.
	select {
	case s.notify <- struct{}{}:
	default:
	}

	go func() {
		defer unsubscribe()
		var last uint64
		for {
			select {
			case <-s.notify:
				doc, err := m.Read(ctx, id)
				if err != nil {
					if ctx.Err() == nil {
						reportLost(lost, id, err)
					}
					return
				}
				if doc.Version == last {
					continue
				}
				last = doc.Version
				select {
				case <-s.done:
					return
				default:
				}
				fn(doc)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return unsubscribe, nil
}
