package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/seqtunnel/internal/util"
)

// negotiator is the part of a transport the exchange drives.
// *transport.Transport satisfies it.
type negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	OnICECandidate(func(*webrtc.ICECandidate))
	AddICECandidate(webrtc.ICECandidateInit) error
	Ready() <-chan struct{}
}

// exchange runs the SDP/ICE exchange for one side over conn until the
// DataChannel opens or the WebSocket fails. The offering side (host) sends
// the offer first; the other side answers.
type exchange struct {
	conn  *websocket.Conn
	neg   negotiator
	offer bool

	mu sync.Mutex // serializes writes to conn
}

func (e *exchange) send(msg message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(msg)
}

// run blocks until the channel is ready (nil) or signaling fails.
func (e *exchange) run() error {
	e.neg.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		// Best effort: after Ready the socket may already be gone.
		if err := e.send(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
			util.LogDebug("failed to send ICE candidate: %v", err)
		}
	})

	if e.offer {
		sdp, err := e.neg.CreateOffer()
		if err != nil {
			return fmt.Errorf("CreateOffer: %w", err)
		}
		if err := e.send(message{Type: msgTypeOffer, SDP: sdp.SDP}); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.watch() }()

	select {
	case <-e.neg.Ready():
		return nil
	case err := <-errCh:
		// A read error racing with Ready is not a failure.
		select {
		case <-e.neg.Ready():
			return nil
		default:
			return err
		}
	}
}

// watch reads signaling messages until the WebSocket fails.
func (e *exchange) watch() error {
	for {
		var msg message
		if err := e.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}
		if err := e.handle(msg); err != nil {
			return err
		}
	}
}

func (e *exchange) handle(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if e.offer {
			return fmt.Errorf("unexpected offer from the answering side")
		}
		if err := e.neg.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("SetRemoteDescription: %w", err)
		}
		answer, err := e.neg.CreateAnswer()
		if err != nil {
			return fmt.Errorf("CreateAnswer: %w", err)
		}
		return e.send(message{Type: msgTypeAnswer, SDP: answer.SDP})

	case msgTypeAnswer:
		if !e.offer {
			return fmt.Errorf("unexpected answer from the offering side")
		}
		if err := e.neg.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("SetRemoteDescription: %w", err)
		}

	case msgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		if err := e.neg.AddICECandidate(init); err != nil {
			util.LogWarning("AddICECandidate failed: %v", err)
		}

	default:
		util.LogDebug("ignoring signaling message of type %q", msg.Type)
	}
	return nil
}
