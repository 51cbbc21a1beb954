package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/seqtunnel/internal/protocol"
	"github.com/1ureka/seqtunnel/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing packet channel capacity
)

// sender owns all writes to one DataChannel. Packets are queued by any
// goroutine and written by a single loop that honours backpressure.
type sender struct {
	queue   chan *protocol.Packet
	drained chan struct{}
}

func newSender(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) *sender {
	s := &sender{
		queue:   make(chan *protocol.Packet, sendBufferSize),
		drained: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drained <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, open)
	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		var pkt *protocol.Packet
		select {
		case pkt = <-s.queue:
		case <-ctx.Done():
			return
		}

		if dc.BufferedAmount() > highWaterMark {
			select {
			case <-s.drained:
			case <-ctx.Done():
				return
			}
		}

		data := protocol.Encode(pkt)
		if err := dc.Send(data); err != nil {
			util.LogError("failed to send %s (socketID=%08x, seq=%d): %v", pkt.TypeName(), pkt.SocketID, pkt.Seq(), err)
			return
		}
		util.Stats.AddSent(len(data))
	}
}

// send queues pkt, blocking while the queue is full. It gives up silently
// once ctx is done.
func (s *sender) send(ctx context.Context, pkt *protocol.Packet) {
	select {
	case s.queue <- pkt:
	case <-ctx.Done():
	}
}
