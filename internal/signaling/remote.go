package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Remote is a Store client for the relay service (cmd/relay). Point
// operations use plain HTTP; subscriptions use one WebSocket per call.
type Remote struct {
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer
}

// NewRemote validates baseURL (e.g. http://127.0.0.1:8080) and returns a client.
func NewRemote(baseURL string) (*Remote, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid relay URL: %s", baseURL)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		u.Scheme = "http"
	default:
		return nil, fmt.Errorf("invalid relay URL scheme %q (want http or https)", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return &Remote{
		base:   u,
		client: &http.Client{Timeout: 10 * time.Second},
		dialer: websocket.DefaultDialer,
	}, nil
}

func (r *Remote) endpoint(parts ...string) string {
	u := *r.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = u.Path + "/api/calls"
	if len(escaped) > 0 {
		u.Path += "/" + strings.Join(escaped, "/")
	}
	return u.String()
}

// watchURL maps the HTTP base onto the ws/wss watch endpoint.
func (r *Remote) watchURL(id string) string {
	u, _ := url.Parse(r.endpoint(id, "watch"))
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// do performs one request and maps relay status codes onto store errors.
func (r *Remote) do(ctx context.Context, method, target string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrFieldSet, e.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadField, e.Error)
	default:
		return fmt.Errorf("relay returned %s: %s", resp.Status, e.Error)
	}
}

// Create asks the relay for a new document.
func (r *Remote) Create(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, r.endpoint(), nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Read fetches one snapshot.
func (r *Remote) Read(ctx context.Context, id string) (Document, error) {
	var doc Document
	if err := r.do(ctx, http.MethodGet, r.endpoint(id), nil, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// WriteField sets a write-once field.
func (r *Remote) WriteField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := checkWrite(field, false); err != nil {
		return err
	}
	return r.do(ctx, http.MethodPut, r.endpoint(id, "fields", field), value, nil)
}

// AppendField appends to a list field.
func (r *Remote) AppendField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := checkWrite(field, true); err != nil {
		return err
	}
	return r.do(ctx, http.MethodPost, r.endpoint(id, "fields", field), value, nil)
}

// Subscribe opens the watch socket and calls fn for every snapshot the relay
// pushes. The socket is closed exactly once, by unsubscribe or ctx. When the
// socket drops, the watch is redialed up to watchRedials times; each new
// socket starts with a full snapshot, so nothing is missed. If every redial
// fails the subscription is reported lost.
func (r *Remote) Subscribe(ctx context.Context, id string, fn func(Document), lost func(error)) (func(), error) {
	conn, err := r.dialWatch(ctx, id)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	var (
		mu   sync.Mutex
		cur  = conn
		once sync.Once
	)
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			mu.Lock()
			c := cur
			cur = nil
			mu.Unlock()
			if c != nil {
				_ = c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"))
				c.Close()
			}
		})
	}

	// Close the socket when the context ends so ReadJSON returns.
	go func() {
		<-subCtx.Done()
		unsubscribe()
	}()

	go func() {
		c := conn
		for {
			err := readWatch(subCtx, c, fn)
			if subCtx.Err() != nil {
				return
			}
			c.Close()

			c, err = r.redialWatch(subCtx, id, err)
			if err != nil {
				if subCtx.Err() == nil {
					reportLost(lost, id, err)
				}
				unsubscribe()
				return
			}

			mu.Lock()
			if cur == nil {
				mu.Unlock()
				c.Close()
				return
			}
			cur = c
			mu.Unlock()
		}
	}()

	return unsubscribe, nil
}

// Watch redial policy.
const (
	watchRedials = 3
	watchBackoff = 250 * time.Millisecond
)

func (r *Remote) dialWatch(ctx context.Context, id string) (*websocket.Conn, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.watchURL(id), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if serr := statusError(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, fmt.Errorf("failed to connect to relay watch: %w", err)
	}
	return conn, nil
}

// redialWatch reopens a dropped watch with linear backoff. A document that
// no longer exists is not retried.
func (r *Remote) redialWatch(ctx context.Context, id string, cause error) (*websocket.Conn, error) {
	err := fmt.Errorf("watch socket dropped: %w", cause)
	for attempt := 1; attempt <= watchRedials; attempt++ {
		select {
		case <-time.After(time.Duration(attempt) * watchBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		conn, derr := r.dialWatch(ctx, id)
		if derr == nil {
			return conn, nil
		}
		err = derr
		if errors.Is(derr, ErrNotFound) {
			break
		}
	}
	return nil, err
}

// readWatch delivers snapshots from conn until it fails or ctx ends.
func readWatch(ctx context.Context, conn *websocket.Conn, fn func(Document)) error {
	for {
		var doc Document
		if err := conn.ReadJSON(&doc); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		fn(doc)
	}
}
