package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// Coordinator creates call sessions and tracks the active ones. Each session
// gets its own transport and transcript source from the factories.
type Coordinator struct {
	store        signaling.Store
	newTransport TransportFactory
	newSource    SourceFactory
	opts         Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
}

// NewCoordinator wires a coordinator to its collaborators.
func NewCoordinator(store signaling.Store, newTransport TransportFactory, newSource SourceFactory, opts Options) *Coordinator {
	if opts.JoinPolicy == "" {
		opts.JoinPolicy = JoinHandshake
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        store,
		newTransport: newTransport,
		newSource:    newSource,
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[*Session]struct{}),
	}
}

// Start places a new call as the caller. It returns once the offer is
// published and the document subscription is active. ctx bounds only this
// wait; the session lives until End.
func (c *Coordinator) Start(ctx context.Context) (*Session, error) {
	s, err := c.launch(RoleCaller, "")
	if err != nil {
		return nil, err
	}
	go s.run(s.startCaller)

	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Join answers the call id as the callee. It fails with ErrCallNotFound when
// the document or its offer is missing, in which case no transport is
// created.
func (c *Coordinator) Join(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty call ID", ErrCallNotFound)
	}

	s, err := c.launch(RoleCallee, id)
	if err != nil {
		return nil, err
	}
	go s.run(s.startCallee)

	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) launch(role Role, id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("coordinator is closed")
	}
	s := newSession(c, role, id)
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *Coordinator) forget(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// Session returns the active session with the given id, or nil.
func (c *Coordinator) Session(id string) *Session {
	for _, s := range c.Sessions() {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// Sessions returns the active sessions.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Close ends every active session and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range c.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.End()
		}(s)
	}
	wg.Wait()
	c.cancel()
}

func (c *Coordinator) writeDescription(ctx context.Context, id, field string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.store.WriteField(ctx, id, field, raw)
}
