package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when no STUN servers are configured. No TURN:
// the call relies on direct connectivity.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection using the given STUN/TURN URLs.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated, ordered transcript channel.
// Negotiated mode (ID 0) lets both sides create it independently without
// relying on OnDataChannel. Ordering keeps fragments in sending order.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("transcript", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
