package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE gathering when Options lists none.
// No TURN: the tunnel targets direct connectivity only.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options tunes the PeerConnection and DataChannel.
type Options struct {
	STUNServers []string
	// Label names the DataChannel; both peers must agree.
	Label string
}

func (o Options) withDefaults() Options {
	if len(o.STUNServers) == 0 {
		o.STUNServers = DefaultSTUNServers
	}
	if o.Label == "" {
		o.Label = "tunnel"
	}
	return o
}

func newPeerConnection(o Options) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: o.STUNServers}},
	})
}

// newDataChannel creates the pre-negotiated (ID 0) DataChannel in unordered,
// fully reliable mode. Messages may therefore arrive out of order but are
// never lost, which is the delivery model the per-socket forwarders expect.
func newDataChannel(pc *webrtc.PeerConnection, o Options) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(o.Label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
