package call

import (
	"errors"
)

var (
	// ErrCallNotFound is returned by Join when the call document is missing
	// or carries no offer.
	ErrCallNotFound = errors.New("call not found")

	// ErrNegotiation marks a rejected or malformed session description. It
	// is fatal to the session.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrCapture marks a transcript source that could not start, typically
	// because capture access was denied. The call stays up without local
	// transcription.
	ErrCapture = errors.New("capture failed")

	// ErrTransport marks a candidate exchanged before the remote description
	// is ready. The session recovers from it by buffering.
	ErrTransport = errors.New("transport not ready")

	// ErrSignaling marks a call document subscription that stopped
	// delivering before the data channel opened.
	ErrSignaling = errors.New("signaling connection lost")

	// ErrEnded is returned by Start and Join when the session ended before
	// reaching its first stable state.
	ErrEnded = errors.New("call ended")
)

// UserMessage maps an error onto the actionable text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCallNotFound):
		return "Call not found, check the call ID and try again."
	case errors.Is(err, ErrCapture):
		return "Microphone access is required for live transcription."
	case errors.Is(err, ErrNegotiation):
		return "Could not negotiate a connection with the other side."
	case errors.Is(err, ErrSignaling):
		return "Lost the connection to the signaling server, start or join the call again."
	default:
		return "The call failed: " + err.Error()
	}
}
