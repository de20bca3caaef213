package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/1ureka/callscribe/internal/transcript"
	"github.com/pion/webrtc/v4"
)

// ---------------------------------------------------------------------------
// Linked fake transports
// ---------------------------------------------------------------------------

// fakeLink joins two fake transports. The channel between them opens once
// both sides hold a local and a remote description; messages sent by one side
// are delivered to the other in order.
type fakeLink struct {
	mu     sync.Mutex
	a, b   *fakeTransport
	opened bool
}

var _ MediaTransport = (*fakeTransport)(nil)

type fakeTransport struct {
	link *fakeLink
	peer *fakeTransport
	name string

	// Guarded by link.mu.
	local, remote *webrtc.SessionDescription
	remoteCalls   int
	added         []webrtc.ICECandidateInit
	closeCalls    int
	onCandidate   func(webrtc.ICECandidateInit)
	onMessage     func([]byte)
	candidates    []webrtc.ICECandidateInit // emitted after SetLocalDescription
	offerEntered  chan struct{}
	offerGate     chan struct{}

	out      chan []byte
	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeLink() *fakeLink {
	l := &fakeLink{}
	l.a = newFakeTransport(l, "a")
	l.b = newFakeTransport(l, "b")
	l.a.peer = l.b
	l.b.peer = l.a
	go l.a.pump()
	go l.b.pump()
	return l
}

func newFakeTransport(l *fakeLink, name string) *fakeTransport {
	return &fakeTransport{
		link:  l,
		name:  name,
		out:   make(chan []byte, 256),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.link.mu.Lock()
	entered, gate := f.offerEntered, f.offerGate
	f.link.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + f.name}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + f.name}, nil
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.link.mu.Lock()
	f.local = &d
	emit := append([]webrtc.ICECandidateInit(nil), f.candidates...)
	fn := f.onCandidate
	f.link.mu.Unlock()

	if fn != nil && len(emit) > 0 {
		go func() {
			for _, c := range emit {
				fn(c)
			}
		}()
	}
	f.link.maybeOpen()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.link.mu.Lock()
	f.remoteCalls++
	if f.remote != nil {
		f.link.mu.Unlock()
		return fmt.Errorf("%w: remote description already set", ErrNegotiation)
	}
	if d.SDP == "" {
		f.link.mu.Unlock()
		return fmt.Errorf("%w: empty description", ErrNegotiation)
	}
	f.remote = &d
	f.link.mu.Unlock()

	f.link.maybeOpen()
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.link.mu.Lock()
	f.onCandidate = fn
	f.link.mu.Unlock()
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.link.mu.Lock()
	defer f.link.mu.Unlock()
	if f.remote == nil {
		return fmt.Errorf("%w: remote description not set", ErrTransport)
	}
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) OnMessage(fn func([]byte)) {
	f.link.mu.Lock()
	f.onMessage = fn
	f.link.mu.Unlock()
}

func (f *fakeTransport) Send(data []byte) error {
	select {
	case <-f.done:
		return errors.New("fake transport closed")
	default:
	}
	select {
	case f.out <- append([]byte(nil), data...):
		return nil
	case <-f.done:
		return errors.New("fake transport closed")
	}
}

func (f *fakeTransport) Ready() <-chan struct{} { return f.ready }
func (f *fakeTransport) Done() <-chan struct{}  { return f.done }

// Close shuts this side down; like a data channel, the peer closes too.
func (f *fakeTransport) Close() error {
	f.link.mu.Lock()
	f.closeCalls++
	f.link.mu.Unlock()

	f.shutdown()
	go func() {
		// Let an in-flight bye reach the peer first.
		time.Sleep(50 * time.Millisecond)
		f.peer.shutdown()
	}()
	return nil
}

func (f *fakeTransport) shutdown() {
	f.doneOnce.Do(func() { close(f.done) })
}

// emit fires a local candidate as if gathering found it.
func (f *fakeTransport) emit(c webrtc.ICECandidateInit) {
	f.link.mu.Lock()
	fn := f.onCandidate
	f.link.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// pump delivers this side's outgoing messages to the peer once open.
func (f *fakeTransport) pump() {
	select {
	case <-f.ready:
	case <-f.done:
		return
	}
	for {
		select {
		case msg := <-f.out:
			f.link.mu.Lock()
			fn := f.peer.onMessage
			f.link.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		case <-f.done:
			return
		}
	}
}

func (l *fakeLink) maybeOpen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return
	}
	for _, t := range []*fakeTransport{l.a, l.b} {
		if t.local == nil || t.remote == nil {
			return
		}
	}
	l.opened = true
	close(l.a.ready)
	close(l.b.ready)
}

func (f *fakeTransport) snapshot() (remoteCalls, closeCalls int, added []webrtc.ICECandidateInit) {
	f.link.mu.Lock()
	defer f.link.mu.Unlock()
	return f.remoteCalls, f.closeCalls, append([]webrtc.ICECandidateInit(nil), f.added...)
}

// ---------------------------------------------------------------------------
// Fake transcript source
// ---------------------------------------------------------------------------

type fakeSource struct {
	gate       chan struct{} // when set, Start blocks until it is closed
	mu         sync.Mutex
	err        error
	opts       transcript.Options
	onFragment func(string)
	stopCalls  int
}

func (f *fakeSource) Start(opts transcript.Options, onFragment func(string)) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.opts = opts
	f.onFragment = onFragment
	return nil
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	f.stopCalls++
	f.onFragment = nil
	f.mu.Unlock()
}

func (f *fakeSource) emit(text string) {
	f.mu.Lock()
	fn := f.onFragment
	f.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// ---------------------------------------------------------------------------
// Counting store
// ---------------------------------------------------------------------------

// countingStore wraps a Store, counting successful field writes and
// unsubscribe calls. With duplicate set, every snapshot is delivered twice.
type countingStore struct {
	signaling.Store
	duplicate bool

	mu     sync.Mutex
	writes map[string]int
	unsubs int
	losts  []func(error)
}

func newCountingStore(duplicate bool) *countingStore {
	return &countingStore{
		Store:     signaling.NewMemory(),
		duplicate: duplicate,
		writes:    make(map[string]int),
	}
}

func (c *countingStore) WriteField(ctx context.Context, id, field string, value json.RawMessage) error {
	if err := c.Store.WriteField(ctx, id, field, value); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes[field]++
	c.mu.Unlock()
	return nil
}

func (c *countingStore) Subscribe(ctx context.Context, id string, fn func(signaling.Document), lost func(error)) (func(), error) {
	deliver := fn
	if c.duplicate {
		deliver = func(doc signaling.Document) {
			fn(doc)
			fn(doc)
		}
	}
	unsubscribe, err := c.Store.Subscribe(ctx, id, deliver, lost)
	if err != nil {
		return nil, err
	}
	if lost != nil {
		c.mu.Lock()
		c.losts = append(c.losts, lost)
		c.mu.Unlock()
	}
	return func() {
		c.mu.Lock()
		c.unsubs++
		c.mu.Unlock()
		unsubscribe()
	}, nil
}

func (c *countingStore) writeCount(field string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[field]
}

// dropSubscriptions reports every subscription so far as lost.
func (c *countingStore) dropSubscriptions() {
	c.mu.Lock()
	losts := make([]func(error), len(c.losts))
	copy(losts, c.losts)
	c.mu.Unlock()
	for _, lost := range losts {
		lost(fmt.Errorf("%w: relay went away", signaling.ErrSubscriptionLost))
	}
}

func (c *countingStore) unsubCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubs
}

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

// side is one peer: a coordinator with its own transport and source.
type side struct {
	coord      *Coordinator
	transport  *fakeTransport
	source     *fakeSource
	transports int // factory calls

	mu     sync.Mutex
	states []State
	errs   []error
}

func newSide(store signaling.Store, t *fakeTransport, policy JoinPolicy) *side {
	sd := &side{transport: t, source: &fakeSource{}}
	sd.coord = NewCoordinator(store,
		func(ctx context.Context) (MediaTransport, error) {
			sd.mu.Lock()
			sd.transports++
			sd.mu.Unlock()
			return sd.transport, nil
		},
		func() TranscriptSource { return sd.source },
		Options{
			JoinPolicy: policy,
			Capture:    transcript.DefaultOptions(),
			OnState: func(_ *Session, st State) {
				sd.mu.Lock()
				sd.states = append(sd.states, st)
				sd.mu.Unlock()
			},
			OnError: func(_ *Session, err error) {
				sd.mu.Lock()
				sd.errs = append(sd.errs, err)
				sd.mu.Unlock()
			},
		})
	return sd
}

func (sd *side) recordedStates() []State {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return append([]State(nil), sd.states...)
}

func (sd *side) recordedErrors() []error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return append([]error(nil), sd.errs...)
}

func (sd *side) transportCount() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.transports
}

type harness struct {
	store  *countingStore
	link   *fakeLink
	caller *side
	callee *side
}

func newHarness(t *testing.T, duplicate bool, policy JoinPolicy) *harness {
	t.Helper()
	h := &harness{store: newCountingStore(duplicate), link: newFakeLink()}
	h.caller = newSide(h.store, h.link.a, policy)
	h.callee = newSide(h.store, h.link.b, policy)
	t.Cleanup(func() {
		h.caller.coord.Close()
		h.callee.coord.Close()
	})
	return h
}

// connect runs Start + Join and waits until both sessions are Connected and
// transcription is live on both sides.
func (h *harness) connect(t *testing.T) (caller, callee *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller, err := h.caller.coord.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	callee, err = h.callee.coord.Join(ctx, caller.ID())
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "caller connected", func() bool { return caller.State() == StateConnected })
	return caller, callee
}

// waitFor polls cond until it holds or 5s elapse.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func candidate(name string) webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{
		Candidate: "candidate:" + name + " 1 udp 2130706431 127.0.0.1 5000 typ host",
		SDPMid:    &mid,
	}
}
