package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/1ureka/callscribe/internal/protocol"
	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/1ureka/callscribe/internal/util"
	"github.com/pion/webrtc/v4"
)

const eventBufferSize = 64

type captureState int

const (
	captureOff captureState = iota
	captureStarting
	captureOn
	captureFailed
)

// Session is one call, owned by the goroutine running its event loop.
// A session is never reused: once Ended, a new call needs a new session.
type Session struct {
	c    *Coordinator
	role Role

	ctx    context.Context
	cancel context.CancelFunc

	events   chan any
	postMu   sync.RWMutex
	closed   bool
	stopping chan struct{}
	ready    chan struct{}
	done     chan struct{}

	// Loop-owned.
	ended         bool
	readyMarked   bool
	transport     MediaTransport
	source        TranscriptSource
	unsubscribe   func()
	writer        *candidateWriter
	localDesc     *webrtc.SessionDescription
	remoteDesc    *webrtc.SessionDescription
	remoteClaimed bool
	pendingRemote []webrtc.ICECandidateInit
	remoteSeen    int
	earlyDoc      *signaling.Document
	channelOpen   bool
	capture       captureState
	earlyLocal    []string
	earlyRemote   []string
	lastRemoteSeq uint32
	peerHungUp    bool
	entrySeq      *SeqGen
	frameSeq      *SeqGen

	mu           sync.RWMutex
	id           string
	state        State
	pendingLocal []webrtc.ICECandidateInit
	transcript   []Entry
	joinedLocal  bool
	joinedRemote bool
	err          error
}

func newSession(c *Coordinator, role Role, id string) *Session {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Session{
		c:        c,
		role:     role,
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, eventBufferSize),
		stopping: make(chan struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		entrySeq: NewSeqGen(),
		frameSeq: NewSeqGen(),
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ID returns the call identifier ("" until the caller's document exists).
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) Role() Role { return s.role }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transcript returns a copy of the transcript log.
func (s *Session) Transcript() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Text returns the merged transcript, one entry per line.
func (s *Session) Text() string {
	entries := s.Transcript()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Text
	}
	return strings.Join(lines, "\n")
}

// Joined reports whether both sides have joined, i.e. transcription is live.
func (s *Session) Joined() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedLocal && s.joinedRemote
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// End tears the session down and waits for teardown to finish. It is safe
// to call more than once and from any goroutine except a hook.
func (s *Session) End() {
	s.post(endEvent{})
	<-s.done
}

// ---------------------------------------------------------------------------
// Event loop plumbing
// ---------------------------------------------------------------------------

// post delivers ev to the loop. It returns false once teardown has begun.
func (s *Session) post(ev any) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.stopping:
		return false
	}
}

// async runs a slow step off the loop and posts its result back.
func (s *Session) async(name string, fn func(ctx context.Context) stepResult) {
	go func() {
		r := fn(s.ctx)
		r.name = name
		if !s.post(r) && r.release != nil {
			r.release()
		}
	}()
}

func (s *Session) run(first func()) {
	first()
	for !s.ended {
		s.handle(<-s.events)
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case stepResult:
		if ev.err != nil {
			if ev.release != nil {
				ev.release()
			}
			s.fail(ev.err)
			return
		}
		s.logger().Debug("step %s done", ev.name)
		if ev.apply != nil {
			ev.apply()
		}
	case snapshotEvent:
		s.handleSnapshot(ev.doc)
	case subscriptionLostEvent:
		s.handleSubscriptionLost(ev.err)
	case candidateEvent:
		s.handleLocalCandidate(ev.c)
	case messageEvent:
		s.handleMessage(ev.data)
	case fragmentEvent:
		s.handleFragment(ev.text)
	case channelOpenEvent:
		s.handleChannelOpen()
	case transportClosedEvent:
		s.logger().Warning("connection to peer closed")
		s.teardown(nil)
	case endEvent:
		s.teardown(nil)
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// startCaller: create document → Negotiating → publish offer → subscribe →
// AwaitingRemote.
func (s *Session) startCaller() {
	s.async("create", func(ctx context.Context) stepResult {
		id, err := s.c.store.Create(ctx)
		if err != nil {
			return stepResult{err: fmt.Errorf("create call document: %w", err)}
		}
		t, err := s.c.newTransport(ctx)
		if err != nil {
			return stepResult{err: fmt.Errorf("create transport: %w", err)}
		}
		return stepResult{
			apply: func() {
				s.mu.Lock()
				s.id = id
				s.mu.Unlock()
				s.attach(t)
				s.setState(StateNegotiating)
				s.publishOffer()
			},
			release: func() { t.Close() },
		}
	})
}

func (s *Session) publishOffer() {
	t, id := s.transport, s.ID()
	s.async("offer", func(ctx context.Context) stepResult {
		offer, err := t.CreateOffer()
		if err != nil {
			return stepResult{err: fmt.Errorf("%w: create offer: %w", ErrNegotiation, err)}
		}
		if err := t.SetLocalDescription(offer); err != nil {
			return stepResult{err: fmt.Errorf("%w: set local offer: %w", ErrNegotiation, err)}
		}
		if err := s.c.writeDescription(ctx, id, signaling.FieldOffer, offer); err != nil {
			return stepResult{err: fmt.Errorf("publish offer: %w", err)}
		}
		return stepResult{apply: func() {
			s.localDesc = &offer
			s.subscribe()
		}}
	})
}

// startCallee: one point read of the offer. No transport exists until the
// offer is known to be there.
func (s *Session) startCallee() {
	id := s.ID()
	s.async("read-offer", func(ctx context.Context) stepResult {
		doc, err := s.c.store.Read(ctx, id)
		if errors.Is(err, signaling.ErrNotFound) {
			return stepResult{err: fmt.Errorf("%w: %s", ErrCallNotFound, id)}
		}
		if err != nil {
			return stepResult{err: fmt.Errorf("read call document: %w", err)}
		}

		var offer webrtc.SessionDescription
		ok, err := doc.Decode(signaling.FieldOffer, &offer)
		if !ok {
			return stepResult{err: fmt.Errorf("%w: %s has no offer", ErrCallNotFound, id)}
		}
		if err != nil {
			return stepResult{err: fmt.Errorf("%w: %w", ErrNegotiation, err)}
		}

		t, err := s.c.newTransport(ctx)
		if err != nil {
			return stepResult{err: fmt.Errorf("create transport: %w", err)}
		}
		return stepResult{
			apply: func() {
				s.attach(t)
				s.setState(StateNegotiating)
				s.remoteClaimed = true
				s.collectRemoteCandidates(doc)
				s.publishAnswer(offer)
			},
			release: func() { t.Close() },
		}
	})
}

func (s *Session) publishAnswer(offer webrtc.SessionDescription) {
	t, id := s.transport, s.ID()
	s.async("answer", func(ctx context.Context) stepResult {
		if err := t.SetRemoteDescription(offer); err != nil {
			return stepResult{err: fmt.Errorf("%w: apply offer: %w", ErrNegotiation, err)}
		}
		answer, err := t.CreateAnswer()
		if err != nil {
			return stepResult{err: fmt.Errorf("%w: create answer: %w", ErrNegotiation, err)}
		}
		if err := t.SetLocalDescription(answer); err != nil {
			return stepResult{err: fmt.Errorf("%w: set local answer: %w", ErrNegotiation, err)}
		}
		if err := s.c.writeDescription(ctx, id, signaling.FieldAnswer, answer); err != nil {
			return stepResult{err: fmt.Errorf("publish answer: %w", err)}
		}
		return stepResult{apply: func() {
			s.localDesc = &answer
			s.remoteApplied(offer)
			s.setState(StateConnected)
			s.subscribe()
			s.maybeStartCapture()
		}}
	})
}

func (s *Session) applyAnswer(answer webrtc.SessionDescription) {
	t := s.transport
	s.async("apply-answer", func(ctx context.Context) stepResult {
		if err := t.SetRemoteDescription(answer); err != nil {
			return stepResult{err: fmt.Errorf("%w: apply answer: %w", ErrNegotiation, err)}
		}
		return stepResult{apply: func() {
			s.remoteApplied(answer)
			s.setState(StateConnected)
			s.maybeStartCapture()
		}}
	})
}

func (s *Session) subscribe() {
	id := s.ID()
	s.async("subscribe", func(ctx context.Context) stepResult {
		unsubscribe, err := s.c.store.Subscribe(ctx, id, func(doc signaling.Document) {
			s.post(snapshotEvent{doc: doc})
		}, func(err error) {
			s.post(subscriptionLostEvent{err: err})
		})
		if err != nil {
			return stepResult{err: fmt.Errorf("subscribe to call document: %w", err)}
		}
		return stepResult{
			apply: func() {
				s.unsubscribe = unsubscribe
				if s.role == RoleCaller {
					s.setState(StateAwaitingRemote)
					if doc := s.earlyDoc; doc != nil {
						s.earlyDoc = nil
						s.handleSnapshot(*doc)
					}
				}
				s.markReady()
			},
			release: unsubscribe,
		}
	})
}

// attach takes ownership of t and routes its callbacks into the loop.
func (s *Session) attach(t MediaTransport) {
	s.transport = t
	s.writer = newCandidateWriter(s.c.store, s.ID(), s.localField(), s.logger())
	go s.writer.run(s.ctx)

	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(candidateEvent{c: c})
	})
	t.OnMessage(func(data []byte) {
		s.post(messageEvent{data: data})
	})
	go func() {
		select {
		case <-t.Ready():
			s.post(channelOpenEvent{})
		case <-s.ctx.Done():
		}
	}()
	go func() {
		select {
		case <-t.Done():
			s.post(transportClosedEvent{})
		case <-s.ctx.Done():
		}
	}()
}

// handleSnapshot applies one (possibly repeated) document snapshot.
func (s *Session) handleSnapshot(doc signaling.Document) {
	if s.role == RoleCaller {
		if s.State() == StateNegotiating {
			s.earlyDoc = &doc
			return
		}
		// Guard: remote description unset AND the snapshot carries an answer.
		if !s.remoteClaimed && doc.Has(signaling.FieldAnswer) {
			var answer webrtc.SessionDescription
			if _, err := doc.Decode(signaling.FieldAnswer, &answer); err != nil {
				s.fail(fmt.Errorf("%w: %w", ErrNegotiation, err))
				return
			}
			s.remoteClaimed = true
			s.applyAnswer(answer)
		}
	}
	s.collectRemoteCandidates(doc)
}

// handleSubscriptionLost ends the session unless the data channel is
// already open, in which case the document has nothing left to deliver.
func (s *Session) handleSubscriptionLost(err error) {
	if s.channelOpen {
		s.logger().Warning("call document subscription lost: %v", err)
		return
	}
	s.fail(fmt.Errorf("%w: %w", ErrSignaling, err))
}

// collectRemoteCandidates picks up list entries beyond those already seen.
func (s *Session) collectRemoteCandidates(doc signaling.Document) {
	var list []webrtc.ICECandidateInit
	if _, err := doc.Decode(s.remoteField(), &list); err != nil {
		s.logger().Warning("ignoring malformed candidate list: %v", err)
		return
	}
	if len(list) <= s.remoteSeen {
		return
	}
	fresh := list[s.remoteSeen:]
	s.remoteSeen = len(list)
	for _, c := range fresh {
		s.addRemoteCandidate(c)
	}
}

func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.remoteDesc == nil {
		s.pendingRemote = append(s.pendingRemote, c)
		return
	}
	if err := s.transport.AddICECandidate(c); err != nil {
		s.logger().Warning("failed to add remote candidate: %v", err)
	}
}

func (s *Session) handleLocalCandidate(c webrtc.ICECandidateInit) {
	if s.remoteDesc == nil {
		s.mu.Lock()
		s.pendingLocal = append(s.pendingLocal, c)
		s.mu.Unlock()
		return
	}
	s.writer.push(c)
}

// remoteApplied records the remote description and retires both candidate
// buffers, flushing each once in arrival order.
func (s *Session) remoteApplied(desc webrtc.SessionDescription) {
	s.remoteDesc = &desc

	s.mu.Lock()
	local := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()
	for _, c := range local {
		s.writer.push(c)
	}

	remote := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range remote {
		s.addRemoteCandidate(c)
	}
	s.logger().Debug("remote description applied, flushed %d local and %d remote candidates", len(local), len(remote))
}

// ---------------------------------------------------------------------------
// Join barrier and transcript
// ---------------------------------------------------------------------------

func (s *Session) handleChannelOpen() {
	s.channelOpen = true
	s.logger().Info("data channel open")
	if s.c.opts.JoinPolicy == JoinChannel {
		s.setJoined(false, true)
	}
	s.maybeStartCapture()
}

// maybeStartCapture arms the transcript source once the session is
// Connected and the data channel is open.
func (s *Session) maybeStartCapture() {
	if s.capture != captureOff || !s.channelOpen || s.State() != StateConnected {
		return
	}
	s.capture = captureStarting

	src := s.c.newSource()
	opts := s.c.opts.Capture
	s.async("capture", func(ctx context.Context) stepResult {
		err := src.Start(opts, func(text string) {
			s.post(fragmentEvent{text: text})
		})
		if err != nil {
			return stepResult{
				apply:   func() { s.captureFailed(src, err) },
				release: src.Stop,
			}
		}
		return stepResult{
			apply:   func() { s.captureStarted(src) },
			release: src.Stop,
		}
	})
}

func (s *Session) captureStarted(src TranscriptSource) {
	s.source = src
	s.capture = captureOn
	s.setJoined(true, false)
	s.sendFrame(&protocol.Frame{Type: protocol.TypeJoined})
	s.logger().Info("transcript capture started")

	early := s.earlyLocal
	s.earlyLocal = nil
	for _, text := range early {
		s.handleFragment(text)
	}
	remote := s.earlyRemote
	s.earlyRemote = nil
	for _, text := range remote {
		s.mergeRemote(text)
	}
}

func (s *Session) captureFailed(src TranscriptSource, err error) {
	src.Stop()
	s.capture = captureFailed
	s.earlyLocal = nil
	s.earlyRemote = nil

	err = fmt.Errorf("%w: %w", ErrCapture, err)
	s.logger().Warning("%v", err)
	s.reportError(err)
}

// handleFragment merges one local fragment.
func (s *Session) handleFragment(text string) {
	switch s.capture {
	case captureStarting:
		s.earlyLocal = append(s.earlyLocal, text)
		return
	case captureOn:
	default:
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !s.Joined() {
		s.logger().Debug("dropping local fragment, peer has not joined")
		return
	}

	s.appendEntry(SourceLocal, text)
	if s.sendFrame(protocol.Fragment(s.frameSeq.Next(), text)) {
		util.Stats.AddFragmentSent()
	}
}

func (s *Session) handleMessage(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		s.logger().Warning("dropping malformed frame: %v", err)
		return
	}

	switch f.Type {
	case protocol.TypeJoined:
		if !s.joinedRemoteFlag() {
			s.logger().Info("peer joined")
			s.setJoined(false, true)
		}
	case protocol.TypeFragment:
		if f.Seq <= s.lastRemoteSeq {
			return
		}
		s.lastRemoteSeq = f.Seq
		text := string(f.Payload)
		if !s.Joined() {
			// The peer may count us as joined while our capture is still
			// starting; hold its fragments until the barrier holds here too.
			peerIn := s.joinedRemoteFlag() || s.c.opts.JoinPolicy == JoinChannel
			if peerIn && (s.capture == captureOff || s.capture == captureStarting) {
				s.earlyRemote = append(s.earlyRemote, text)
				return
			}
			s.logger().Debug("dropping remote fragment %d before both sides joined", f.Seq)
			return
		}
		s.mergeRemote(text)
	case protocol.TypeBye:
		s.logger().Info("peer ended the call")
		s.peerHungUp = true
		s.teardown(nil)
	}
}

func (s *Session) mergeRemote(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.appendEntry(SourceRemote, text)
	util.Stats.AddFragmentRecv()
}

func (s *Session) sendFrame(f *protocol.Frame) bool {
	if s.transport == nil || !s.channelOpen {
		return false
	}
	if err := s.transport.Send(protocol.Encode(f)); err != nil {
		s.logger().Warning("failed to send %s frame: %v", protocol.TypeName(f.Type), err)
		return false
	}
	return true
}

func (s *Session) appendEntry(src Source, text string) {
	e := Entry{Source: src, Text: text, Seq: s.entrySeq.Next()}
	s.mu.Lock()
	s.transcript = append(s.transcript, e)
	s.mu.Unlock()

	if hook := s.c.opts.OnEntry; hook != nil {
		hook(s, e)
	}
}

func (s *Session) setJoined(local, remote bool) {
	s.mu.Lock()
	if local {
		s.joinedLocal = true
	}
	if remote {
		s.joinedRemote = true
	}
	both := s.joinedLocal && s.joinedRemote
	s.mu.Unlock()

	if both {
		s.logger().Info("both sides joined, transcription is live")
	}
}

func (s *Session) joinedRemoteFlag() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedRemote
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func (s *Session) fail(err error) {
	s.logger().Error("%v", err)
	s.reportError(err)
	s.teardown(err)
}

// teardown runs at most once, on the loop, from any state.
func (s *Session) teardown(err error) {
	if s.ended {
		return
	}
	s.ended = true

	close(s.stopping)
	s.postMu.Lock()
	s.closed = true
	s.postMu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.transport != nil {
		if !s.peerHungUp {
			s.sendFrame(&protocol.Frame{Type: protocol.TypeBye})
		}
		if cerr := s.transport.Close(); cerr != nil {
			s.logger().Debug("transport close: %v", cerr)
		}
		s.transport = nil
	}
	if s.source != nil {
		s.source.Stop()
		s.source = nil
	}
	s.cancel()

	s.localDesc, s.remoteDesc = nil, nil
	s.pendingRemote = nil
	s.earlyDoc = nil
	s.earlyLocal = nil
	s.earlyRemote = nil
	s.writer = nil

	s.mu.Lock()
	s.pendingLocal = nil
	s.transcript = nil
	s.joinedLocal, s.joinedRemote = false, false
	s.err = err
	s.mu.Unlock()

	s.drain()
	s.setState(StateEnded)
	s.c.forget(s)
	close(s.done)
}

// drain releases whatever undelivered step results still hold.
func (s *Session) drain() {
	for {
		select {
		case ev := <-s.events:
			if r, ok := ev.(stepResult); ok && r.release != nil {
				r.release()
			}
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Session) markReady() {
	if !s.readyMarked {
		s.readyMarked = true
		close(s.ready)
	}
}

// waitReady blocks until Start/Join reached its first stable state.
func (s *Session) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		select {
		case <-s.ready:
			return nil
		default:
		}
		if err := s.Err(); err != nil {
			return err
		}
		return ErrEnded
	case <-ctx.Done():
		s.End()
		return ctx.Err()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st {
		return
	}

	s.logger().Debug("state %s → %s", prev, st)
	if hook := s.c.opts.OnState; hook != nil {
		hook(s, st)
	}
}

func (s *Session) reportError(err error) {
	if hook := s.c.opts.OnError; hook != nil {
		hook(s, err)
	}
}

func (s *Session) localField() string {
	if s.role == RoleCaller {
		return signaling.FieldCallerCandidates
	}
	return signaling.FieldCalleeCandidates
}

func (s *Session) remoteField() string {
	if s.role == RoleCaller {
		return signaling.FieldCalleeCandidates
	}
	return signaling.FieldCallerCandidates
}

func (s *Session) logger() util.CallLogger {
	return util.ForCall(s.ID(), s.role.String())
}

// pendingLocalCount reports the buffered local candidates.
func (s *Session) pendingLocalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingLocal)
}
