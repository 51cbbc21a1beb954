package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/seqtunnel/internal/forwarder"
	"github.com/1ureka/seqtunnel/internal/protocol"
	"github.com/1ureka/seqtunnel/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize   = 16 * 1024 // 16 KB per DATA packet payload
	defaultInboxSize = 256       // per-socketID inbox channel capacity
)

// Socket holds the complete lifecycle state for one socketID.
// Only the owning goroutine touches fwd and closeAt.
type Socket struct {
	id   uint32
	opts Options

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	inbox chan *protocol.Packet // fed by the adapter's dispatch callback
	tr    Transport
	seq   *SeqGen

	// fwd restores packet order and writes DATA content to tcpConn.
	fwd *forwarder.Forwarder
	// closeAt is the sequence of the peer's CLOSE, 0 until one arrives.
	closeAt uint64

	tcpConn net.Conn
}

// newSocket creates a Socket without a TCP connection (host mode).
func newSocket(parentCtx context.Context, id uint32, tr Transport, opts Options) *Socket {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Socket{
		id:     id,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *protocol.Packet, opts.InboxSize),
		tr:     tr,
		seq:    NewSeqGen(),
	}
}

// newSocketWithConn creates a Socket around an accepted TCP connection
// (client mode).
func newSocketWithConn(parentCtx context.Context, id uint32, tr Transport, conn net.Conn, opts Options) (*Socket, error) {
	s := newSocket(parentCtx, id, tr, opts)
	if err := s.attach(conn); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

// attach binds the TCP connection and builds the forwarder writing to it.
// Both peers number a socket's packets from forwarder.FirstSequence.
func (s *Socket) attach(conn net.Conn) error {
	fwd, err := forwarder.New(conn, forwarder.WithMaxPending(s.opts.MaxPending))
	if err != nil {
		return fmt.Errorf("failed to create forwarder: %w", err)
	}
	s.tcpConn = conn
	s.fwd = fwd
	return nil
}

// enqueue hands a packet to the socket goroutine without blocking the
// dispatcher. Dropping a packet would leave a permanent gap, so a full inbox
// aborts the socket instead.
func (s *Socket) enqueue(pkt *protocol.Packet) {
	select {
	case s.inbox <- pkt:
	case <-s.ctx.Done():
	default:
		util.LogWarning("[%08x] inbox full (%d packets), aborting socket", s.id, cap(s.inbox))
		s.cancel()
	}
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// runAsHost dials targetAddr, then feeds inbound packets to the forwarder
// until CLOSE, an error, or cancellation. Packets that arrive while dialing
// wait in the inbox.
func (s *Socket) runAsHost(targetAddr string) {
	defer s.cleanup()

	var d net.Dialer
	conn, err := d.DialContext(s.ctx, "tcp", targetAddr)
	if err != nil {
		util.LogError("[%08x] TCP dial failed: %v", s.id, err)
		return
	}
	if err := s.attach(conn); err != nil {
		conn.Close()
		util.LogError("[%08x] %v", s.id, err)
		return
	}
	defer s.release()

	util.Stats.AddConn()
	util.LogDebug("[%08x] TCP connected to %s", s.id, targetAddr)

	go s.pumpTCPToTransport()
	s.serve()
}

// runAsClient announces the socket with CONNECT and bridges data until CLOSE,
// an error, or cancellation.
func (s *Socket) runAsClient() {
	defer s.cleanup()
	defer s.release()

	util.Stats.AddConn()
	s.tr.Send(protocol.NewPacket(protocol.TypeConnect, s.id, s.seq.Next(), nil))

	go s.pumpTCPToTransport()
	s.serve()
}

// serve is the transport → TCP loop.
func (s *Socket) serve() {
	for {
		select {
		case pkt := <-s.inbox:
			done, err := s.deliver(pkt)
			if err != nil {
				util.LogError("[%08x] %v", s.id, err)
				return
			}
			if done {
				util.LogDebug("[%08x] received CLOSE", s.id)
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}

// deliver forwards one packet in sequence order. CONNECT and CLOSE carry no
// content and only advance the sequence. It reports true once every packet
// up to and including the peer's CLOSE has been written.
func (s *Socket) deliver(pkt *protocol.Packet) (bool, error) {
	if pkt.Type == protocol.TypeClose && s.closeAt == 0 {
		s.closeAt = pkt.Seq()
	}

	if err := s.fwd.Forward(pkt.Payload); err != nil {
		if errors.Is(err, forwarder.ErrTooManyQueued) {
			return false, fmt.Errorf("reorder buffer overflow: %w", err)
		}
		return false, fmt.Errorf("TCP write error at seq %d: %w", pkt.Seq(), err)
	}

	if s.closeAt != 0 {
		if next, _ := s.fwd.Expected(); next > s.closeAt {
			return true, nil
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// TCP → transport
// ---------------------------------------------------------------------------

// pumpTCPToTransport reads from the TCP connection and sends DATA packets.
// cleanup() closes the connection to unblock Read.
func (s *Socket) pumpTCPToTransport() {
	defer s.cleanup()

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.tcpConn.Read(buf)

		if n > 0 {
			content := make([]byte, n)
			copy(content, buf[:n])
			s.tr.Send(protocol.NewPacket(protocol.TypeData, s.id, s.seq.Next(), content))
		}

		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				if errors.Is(err, io.EOF) {
					util.LogDebug("[%08x] TCP closed by peer", s.id)
				} else {
					util.LogWarning("[%08x] TCP read error: %v", s.id, err)
				}
			}
			return
		}
	}
}

// release returns this socket's buffered packets to the stats gauge. It runs
// on the socket goroutine, which owns fwd.
func (s *Socket) release() {
	if s.fwd != nil {
		util.Stats.AddBuffered(-s.fwd.Pending())
	}
}

// cleanup releases resources exactly once, whichever goroutine exits first,
// and notifies the peer with a single CLOSE.
func (s *Socket) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.tcpConn != nil {
			s.tcpConn.Close()
			util.Stats.RemoveConn()
		}
		s.tr.Send(protocol.NewPacket(protocol.TypeClose, s.id, s.seq.Next(), nil))
		util.LogDebug("[%08x] socket cleanup complete", s.id)
	})
}
