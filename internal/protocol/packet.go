// Package protocol defines the frame format carried over the call's DataChannel.
package protocol

// Frame type constants.
const (
	TypeJoined   uint8 = 0x01 // Sender's transcript capture is armed
	TypeFragment uint8 = 0x02 // One transcript fragment (UTF-8 text payload)
	TypeBye      uint8 = 0x03 // Sender ended the call
)

// HeaderSize is the fixed header size: Type(1) + Seq(4).
const HeaderSize = 5

// Frame represents one DataChannel message between the two peers.
type Frame struct {
	Type    uint8  // TypeJoined, TypeFragment, or TypeBye
	Seq     uint32 // Sender's transcript sequence number (TypeFragment only)
	Payload []byte // Only used for TypeFragment
}

// Fragment builds a TypeFragment frame carrying text.
func Fragment(seq uint32, text string) *Frame {
	return &Frame{Type: TypeFragment, Seq: seq, Payload: []byte(text)}
}

// TypeName returns a short label for logs.
func TypeName(t uint8) string {
	switch t {
	case TypeJoined:
		return "joined"
	case TypeFragment:
		return "fragment"
	case TypeBye:
		return "bye"
	default:
		return "unknown"
	}
}
