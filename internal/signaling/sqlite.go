package signaling

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultPollInterval is how often SQLite subscriptions look for new versions.
const DefaultPollInterval = 250 * time.Millisecond

// maxWriteRetries bounds optimistic-concurrency retries when another process
// updates the same document between our read and our write.
const maxWriteRetries = 8

// maxPollFailures is how many consecutive failed polls end a subscription.
const maxPollFailures = 20

// SQLite is a Store backed by a SQLite file. Several processes may open the
// same file; subscriptions poll the document version, which makes SQLite the
// "polling" flavour of the signaling channel.
type SQLite struct {
	db   *sql.DB
	path string
	poll time.Duration

	mu sync.Mutex // serializes writers within this process
}

// OpenSQLite opens or creates the signaling database at path.
func OpenSQLite(path string, poll time.Duration) (*SQLite, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets a polling reader in one process coexist with a writer in another.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id         TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			fields     TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &SQLite{db: db, path: path, poll: poll}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Create inserts an empty document.
func (s *SQLite) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, version, fields) VALUES (?, 1, '{}')`, id); err != nil {
		return "", fmt.Errorf("insert call: %w", err)
	}
	return id, nil
}

// Read returns a snapshot of the document.
func (s *SQLite) Read(ctx context.Context, id string) (Document, error) {
	var (
		version uint64
		raw     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, fields FROM calls WHERE id = ?`, id).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("select call: %w", err)
	}

	doc := Document{ID: id, Version: version}
	if err := json.Unmarshal([]byte(raw), &doc.Fields); err != nil {
		return Document{}, fmt.Errorf("decode call %s: %w", id, err)
	}
	if doc.Fields == nil {
		doc.Fields = make(map[string]json.RawMessage)
	}
	return doc, nil
}

// WriteField sets a write-once field.
func (s *SQLite) WriteField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := checkWrite(field, false); err != nil {
		return err
	}
	return s.mutate(ctx, id, func(doc *Document) error {
		if doc.Has(field) {
			return fmt.Errorf("%w: %q", ErrFieldSet, field)
		}
		doc.Fields[field] = value
		return nil
	})
}

// AppendField appends value to a list field.
func (s *SQLite) AppendField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := checkWrite(field, true); err != nil {
		return err
	}
	return s.mutate(ctx, id, func(doc *Document) error {
		list, err := appendRaw(doc.Fields[field], value)
		if err != nil {
			return err
		}
		doc.Fields[field] = list
		return nil
	})
}

// mutate performs a read-modify-write guarded by the version column, retrying
// when another writer got there first.
func (s *SQLite) mutate(ctx context.Context, id string, fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		doc, err := s.Read(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		raw, err := json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("encode call %s: %w", id, err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE calls SET fields = ?, version = version + 1 WHERE id = ? AND version = ?`,
			string(raw), id, doc.Version)
		if err != nil {
			return fmt.Errorf("update call: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("update call %s: too much contention", id)
}

// Subscribe polls the document and calls fn whenever its version changes.
// The first snapshot is delivered immediately. The subscription is lost when
// the document disappears or maxPollFailures reads in a row fail.
func (s *SQLite) Subscribe(ctx context.Context, id string, fn func(Document), lost func(error)) (func(), error) {
	first, err := s.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsubscribe := func() { once.Do(cancel) }

	go func() {
		defer unsubscribe()

		fn(first)
		last := first.Version

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-ticker.C:
				doc, err := s.Read(subCtx, id)
				if err != nil {
					if subCtx.Err() != nil {
						return
					}
					failures++
					if errors.Is(err, ErrNotFound) || failures >= maxPollFailures {
						reportLost(lost, id, err)
						return
					}
					continue
				}
				failures = 0
				if doc.Version == last {
					continue
				}
				last = doc.Version
				if subCtx.Err() != nil {
					return
				}
				fn(doc)
			case <-subCtx.Done():
				return
			}
		}
	}()

	return unsubscribe, nil
}
