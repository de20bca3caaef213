// Package transport implements the call's media transport on pion/webrtc:
// one PeerConnection plus one pre-negotiated, ordered DataChannel that
// carries transcript frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/callscribe/internal/call"
	"github.com/1ureka/callscribe/internal/util"
	"github.com/pion/webrtc/v4"
)

// ErrClosed is returned by Send after the transport shut down.
var ErrClosed = errors.New("transport closed")

var _ call.MediaTransport = (*Transport)(nil)

// Config holds the PeerConnection settings.
type Config struct {
	ICEServers []string // STUN/TURN URLs; DefaultICEServers when empty
}

// Transport wraps a single PeerConnection + DataChannel pair, providing the
// negotiation API, message sending with backpressure, and message receiving.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. A failed PeerConnection also shuts it down, since the
// channel can then never open.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	descMu    sync.RWMutex
	remoteSet bool

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState

	closeOnce sync.Once
	closeErr  error
}

// New creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. It stays alive while the DataChannel is open
// and ctx has not been cancelled.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	pc, err := newPeerConnection(cfg.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			tCancel()
		}
	})

	t.sender = newSender(tCtx, tCancel, dc, t.openSignal)

	return t, nil
}

// Factory returns a call.TransportFactory creating transports with cfg.
func Factory(cfg Config) call.TransportFactory {
	return func(ctx context.Context) (call.MediaTransport, error) {
		return New(ctx, cfg)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed, connection failed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close flushes queued messages (briefly), then shuts down the DataChannel
// and PeerConnection. Later calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		select {
		case <-t.openSignal:
			t.sender.flush(t.ctx)
		default:
		}
		t.cancel()
		t.closeErr = errors.Join(t.dc.Close(), t.pc.Close())
	})
	return t.closeErr
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP. It may succeed only once; a
// second call or a malformed description fails with call.ErrNegotiation.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.descMu.Lock()
	defer t.descMu.Unlock()

	if t.remoteSet {
		return fmt.Errorf("%w: remote description already set", call.ErrNegotiation)
	}
	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("%w: %w", call.ErrNegotiation, err)
	}
	t.remoteSet = true
	return nil
}

// OnICECandidate registers a callback invoked for every gathered local
// candidate. The end-of-gathering nil candidate is not forwarded.
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// AddICECandidate adds a remote candidate. Before the remote description is
// set it fails with call.ErrTransport.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.descMu.RLock()
	defer t.descMu.RUnlock()

	if !t.remoteSet {
		return fmt.Errorf("%w: remote description not set", call.ErrTransport)
	}
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one message. Messages queued before the channel opens are
// written once it does.
func (t *Transport) Send(data []byte) error {
	if t.ctx.Err() != nil || !t.sender.send(t.ctx, data) {
		return ErrClosed
	}
	return nil
}

// OnMessage registers a callback invoked for every inbound DataChannel message.
func (t *Transport) OnMessage(fn func([]byte)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		fn(msg.Data)
	})
}
