// Package call implements the call session state machine and the coordinator
// that drives it against a signaling store, a media transport and a
// transcript source.
//
// Every session runs one event loop goroutine. Document snapshots, candidate
// discovery, data-channel messages, transcript fragments, results of slow
// negotiation steps and End all arrive as events on a single inbound
// channel, so session state is only ever touched by that goroutine.
package call

import (
	"context"
	"fmt"

	"github.com/1ureka/callscribe/internal/transcript"
	"github.com/pion/webrtc/v4"
)

// Role is fixed when a session is created.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// State is the lifecycle state of a session.
//
//	Idle → Negotiating → AwaitingRemote → Connected   (caller)
//	Idle → Negotiating → Connected                    (callee)
//	any  → Ended
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateAwaitingRemote
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateAwaitingRemote:
		return "awaiting-remote"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source tells which side produced a transcript entry.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "local"
}

// Entry is one transcript log line. Seq is strictly increasing per session.
type Entry struct {
	Source Source
	Text   string
	Seq    uint32
}

// JoinPolicy decides what counts as the remote side having joined.
type JoinPolicy string

const (
	// JoinHandshake waits for the peer's joined frame, sent once its capture
	// has started.
	JoinHandshake JoinPolicy = "handshake"
	// JoinChannel treats an open data channel as the peer having joined.
	// Fragments the peer sends while local capture is still starting are
	// held and merged once it starts, so both transcripts agree.
	JoinChannel JoinPolicy = "channel"
)

// ParseJoinPolicy validates a policy name. Empty selects JoinHandshake.
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch JoinPolicy(s) {
	case "", JoinHandshake:
		return JoinHandshake, nil
	case JoinChannel:
		return JoinChannel, nil
	}
	return "", fmt.Errorf("unknown join policy %q (want %q or %q)", s, JoinHandshake, JoinChannel)
}

// MediaTransport is the per-call negotiation object. Implementations must be
// safe for concurrent use.
//
// SetRemoteDescription must fail with ErrNegotiation when a remote
// description is already set, and AddICECandidate must fail with
// ErrTransport before one is.
type MediaTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnMessage registers the handler for inbound data-channel messages.
	OnMessage(func([]byte))
	// Send queues one message on the ordered data channel.
	Send([]byte) error

	// Ready is closed once the data channel is open.
	Ready() <-chan struct{}
	// Done is closed once the transport has shut down.
	Done() <-chan struct{}
	Close() error
}

// TranscriptSource produces incremental transcript fragments while active.
// Stop may be called at any time, including before Start returned.
type TranscriptSource interface {
	Start(opts transcript.Options, onFragment func(string)) error
	Stop()
}

// TransportFactory creates the single transport owned by one session.
type TransportFactory func(ctx context.Context) (MediaTransport, error)

// SourceFactory creates the single transcript source owned by one session.
type SourceFactory func() TranscriptSource

// Options configures a Coordinator. Hooks are invoked from the session's
// event loop and must not block or call Session.End.
type Options struct {
	JoinPolicy JoinPolicy
	Capture    transcript.Options

	OnState func(s *Session, state State)
	OnEntry func(s *Session, e Entry)
	OnError func(s *Session, err error)
}
