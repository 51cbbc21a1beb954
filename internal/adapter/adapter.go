// Package adapter manages the post-transport lifecycle of a tunnel.
// Given a ready Transport, it dispatches packets to per-socketID goroutines,
// restores each socket's byte order and bridges it to TCP for both host and
// client roles.
package adapter

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"sync"

	"github.com/1ureka/seqtunnel/internal/forwarder"
	"github.com/1ureka/seqtunnel/internal/protocol"
	"github.com/1ureka/seqtunnel/internal/util"
)

// Transport is what the adapter needs from the packet carrier.
// *transport.Transport implements it.
type Transport interface {
	Done() <-chan struct{}
	OnPacket(func(*protocol.Packet))
	Send(*protocol.Packet)
}

// Options tunes per-socket resources.
type Options struct {
	// MaxPending bounds out-of-order packets held per socket.
	MaxPending int
	// InboxSize is the per-socket channel capacity between dispatch and
	// the socket goroutine.
	InboxSize int
}

func (o Options) withDefaults() Options {
	if o.MaxPending <= 0 {
		o.MaxPending = forwarder.DefaultMaxPending
	}
	if o.InboxSize <= 0 {
		o.InboxSize = defaultInboxSize
	}
	return o
}

// adapter holds the socketID route table.
type adapter struct {
	ctx  context.Context
	tr   Transport
	opts Options

	mu     sync.Mutex
	routes map[uint32]*Socket
	// finished holds host-side socketIDs whose socket has ended, so late
	// packets of a closed connection do not dial the target again.
	finished map[uint32]struct{}
	// earlyClose holds a CLOSE that overtook every other packet of its
	// socket. It is handed to the socket once that socket is created.
	earlyClose map[uint32]*protocol.Packet
}

func newAdapter(ctx context.Context, tr Transport, opts Options) *adapter {
	return &adapter{
		ctx:        ctx,
		tr:         tr,
		opts:       opts.withDefaults(),
		routes:     make(map[uint32]*Socket),
		finished:   make(map[uint32]struct{}),
		earlyClose: make(map[uint32]*protocol.Packet),
	}
}

// register adds a socket and removes it again once its context is done.
func (a *adapter) register(s *Socket) {
	a.mu.Lock()
	a.routes[s.id] = s
	a.mu.Unlock()
	a.watch(s, false)
}

// getOrCreate returns the socket for id, creating it with create when absent.
// A finished id is only reopened by CONNECT. A nil socket means the packet
// belongs to a connection that already ended. early is a held-back CLOSE for
// a newly created socket.
func (a *adapter) getOrCreate(id uint32, typ uint8, create func() *Socket) (s *Socket, created bool, early *protocol.Packet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if live, ok := a.routes[id]; ok {
		return live, false, nil
	}
	if _, done := a.finished[id]; done {
		if typ != protocol.TypeConnect {
			return nil, false, nil
		}
		delete(a.finished, id)
	}
	s = create()
	a.routes[id] = s
	early = a.earlyClose[id]
	delete(a.earlyClose, id)
	return s, true, early
}

// routeClose returns the live socket a CLOSE belongs to. A CLOSE never opens
// a socket: without a route it is dropped for a finished id and held back
// otherwise.
func (a *adapter) routeClose(pkt *protocol.Packet) *Socket {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.routes[pkt.SocketID]; ok {
		return s
	}
	if _, done := a.finished[pkt.SocketID]; !done {
		a.earlyClose[pkt.SocketID] = pkt
	}
	return nil
}

// watch removes s from the route table once its context is done. With
// remember set the id is recorded as finished.
func (a *adapter) watch(s *Socket, remember bool) {
	go func() {
		<-s.ctx.Done()
		a.mu.Lock()
		if a.routes[s.id] == s {
			delete(a.routes, s.id)
			if remember {
				a.finished[s.id] = struct{}{}
			}
		}
		a.mu.Unlock()
	}()
}

// lookup returns the socket for id, if any.
func (a *adapter) lookup(id uint32) (*Socket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.routes[id]
	return s, ok
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// RunAsHost starts the host-side adapter. The first non-CLOSE packet of an
// unknown socketID creates a Socket that dials targetAddr; packets of a
// socket that already ended are dropped unless they are a fresh CONNECT.
// A CLOSE that arrives before anything else of its socket is replayed to
// the socket once it exists.
// Blocks until the transport is done.
func RunAsHost(ctx context.Context, tr Transport, targetAddr string, opts Options) error {
	a := newAdapter(ctx, tr, opts)

	tr.OnPacket(func(pkt *protocol.Packet) {
		if pkt.Type == protocol.TypeClose {
			if s := a.routeClose(pkt); s != nil {
				s.enqueue(pkt)
			}
			return
		}

		s, created, early := a.getOrCreate(pkt.SocketID, pkt.Type, func() *Socket {
			return newSocket(ctx, pkt.SocketID, tr, a.opts)
		})
		if s == nil {
			util.LogDebug("[%08x] socket already closed, dropping %s seq %d", pkt.SocketID, pkt.TypeName(), pkt.Seq())
			return
		}
		if created {
			a.watch(s, true)
			go s.runAsHost(targetAddr)
		}
		s.enqueue(pkt)
		if early != nil {
			s.enqueue(early)
		}
	})

	select {
	case <-tr.Done():
	case <-ctx.Done():
	}
	return nil
}

// RunAsClient starts the client-side adapter. It listens on localAddr; every
// accepted TCP connection becomes a Socket that sends CONNECT and bridges
// data through the transport.
// Blocks until the transport is done.
func RunAsClient(ctx context.Context, tr Transport, localAddr string, opts Options) error {
	a := newAdapter(ctx, tr, opts)

	tr.OnPacket(func(pkt *protocol.Packet) {
		s, ok := a.lookup(pkt.SocketID)
		if !ok {
			util.LogDebug("[%08x] unknown socketID, dropping %s seq %d", pkt.SocketID, pkt.TypeName(), pkt.Seq())
			return
		}
		s.enqueue(pkt)
	})

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-tr.Done():
		}
		listener.Close()
	}()

	util.LogInfo("virtual service listening on %s", listener.Addr())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				case <-tr.Done():
				default:
					util.LogError("accept error: %v", err)
				}
				return
			}

			id := socketIDFromConn(conn)
			util.LogDebug("[%08x] new connection from %s", id, conn.RemoteAddr())

			s, err := newSocketWithConn(ctx, id, tr, conn, a.opts)
			if err != nil {
				util.LogError("[%08x] %v", id, err)
				conn.Close()
				continue
			}
			a.register(s)
			go s.runAsClient()
		}
	}()

	select {
	case <-tr.Done():
	case <-ctx.Done():
	}
	return nil
}

// socketIDFromConn hashes a connection's 4-tuple into a socketID. The hash
// only needs to identify the connection, not be reversible.
func socketIDFromConn(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}
