// Package signaling provides the document store that relays call-setup
// metadata between the two peers before a direct path exists.
//
// A call is one document. Each side writes its session description into a
// field exactly once and appends its trickled ICE candidates to its own list
// field; the peer observes both through a change subscription.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read (and by operations on a missing document).
var ErrNotFound = errors.New("document not found")

// ErrSubscriptionLost is passed to a subscription's lost callback when
// delivery stopped without unsubscribe or ctx ending it.
var ErrSubscriptionLost = errors.New("subscription lost")

// Document is a point-in-time snapshot of one call document.
type Document struct {
	ID      string                     `json:"id"`
	Version uint64                     `json:"version"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// Has reports whether the document carries a non-null value for field.
func (d Document) Has(field string) bool {
	v, ok := d.Fields[field]
	return ok && len(v) > 0 && string(v) != "null"
}

// Decode unmarshals field into v. It returns false (and no error) when the
// field is absent.
func (d Document) Decode(field string, v any) (bool, error) {
	if !d.Has(field) {
		return false, nil
	}
	if err := json.Unmarshal(d.Fields[field], v); err != nil {
		return true, fmt.Errorf("decode field %q: %w", field, err)
	}
	return true, nil
}

// clone returns a deep copy so snapshots handed to subscribers never alias
// store-internal state.
func (d Document) clone() Document {
	out := Document{ID: d.ID, Version: d.Version, Fields: make(map[string]json.RawMessage, len(d.Fields))}
	for k, v := range d.Fields {
		out.Fields[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Store is a key-value document service keyed by call identifier.
//
// Subscribe delivers the current snapshot first and then one snapshot per
// change. Delivery is at-least-once: a subscriber may observe the same
// version more than once and must treat snapshots idempotently. If delivery
// stops on its own, lost (when non-nil) is called once with an error
// wrapping ErrSubscriptionLost and no further snapshots follow.
type Store interface {
	Create(ctx context.Context) (string, error)
	Read(ctx context.Context, id string) (Document, error)
	WriteField(ctx context.Context, id, field string, value json.RawMessage) error
	AppendField(ctx context.Context, id, field string, value json.RawMessage) error
	Subscribe(ctx context.Context, id string, fn func(Document), lost func(error)) (unsubscribe func(), err error)
}

// reportLost wraps err as a lost subscription and hands it to lost.
func reportLost(lost func(error), id string, err error) {
	if lost != nil {
		lost(fmt.Errorf("%w: call %s: %w", ErrSubscriptionLost, id, err))
	}
}

// appendRaw appends value to the JSON array held in list (null/absent = empty).
func appendRaw(list json.RawMessage, value json.RawMessage) (json.RawMessage, error) {
	var items []json.RawMessage
	if len(list) > 0 && string(list) != "null" {
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, fmt.Errorf("field is not a list: %w", err)
		}
	}
	items = append(items, value)
	return json.Marshal(items)
}
