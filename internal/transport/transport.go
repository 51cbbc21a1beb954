// Package transport carries tunnel packets over a WebRTC DataChannel.
//
// The channel is unordered: packets of one socket may be delivered in any
// order, and receivers restore the order with a forwarder.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/seqtunnel/internal/protocol"
	"github.com/1ureka/seqtunnel/internal/util"
)

// Transport wraps one PeerConnection and its DataChannel. It lives until the
// DataChannel closes or the construction context is cancelled.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender *sender
	open   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// New creates a Transport. Signaling must be completed through the
// description and candidate methods before Ready fires.
func New(ctx context.Context, opts Options) (*Transport, error) {
	opts = opts.withDefaults()

	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}

	dc, err := newDataChannel(pc, opts)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create DataChannel: %w", err), pc.Close())
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		pc:      pc,
		dc:      dc,
		open:    make(chan struct{}),
		ctx:     tCtx,
		cancel:  tCancel,
		pcState: webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.open) })
	})
	dc.OnClose(func() {
		util.LogInfo("DataChannel closed")
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			tCancel()
		}
	})

	t.sender = newSender(tCtx, dc, t.open)
	return t, nil
}

// Ready is closed once the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} { return t.open }

// Done is closed when the Transport shuts down.
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// CreateOffer generates an SDP offer and applies it locally.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.localDescription(func() (webrtc.SessionDescription, error) {
		return t.pc.CreateOffer(nil)
	})
}

// CreateAnswer generates an SDP answer and applies it locally.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.localDescription(func() (webrtc.SessionDescription, error) {
		return t.pc.CreateAnswer(nil)
	})
}

func (t *Transport) localDescription(create func() (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	sdp, err := create()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(sdp); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return sdp, nil
}

// SetRemoteDescription applies the peer's SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for gathered local candidates. A nil
// candidate marks the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote candidate received through signaling.
func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// Send queues a packet for transmission.
func (t *Transport) Send(pkt *protocol.Packet) {
	t.sender.send(t.ctx, pkt)
}

// OnPacket registers the callback for inbound packets. Frames that fail to
// decode are logged and dropped.
func (t *Transport) OnPacket(fn func(*protocol.Packet)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			util.LogWarning("dropping undecodable frame: %v", err)
			return
		}
		fn(pkt)
	})
}
