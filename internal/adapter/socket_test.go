package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/seqtunnel/internal/forwarder"
	"github.com/1ureka/seqtunnel/internal/protocol"
)

// recordingTransport keeps every sent packet and lets a test inject
// inbound packets in a chosen order.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []*protocol.Packet
	handler func(*protocol.Packet)
	done    chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{done: make(chan struct{})}
}

func (r *recordingTransport) Done() <-chan struct{} { return r.done }

func (r *recordingTransport) OnPacket(fn func(*protocol.Packet)) {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
}

// deliver waits for a handler and hands it pkt.
func (r *recordingTransport) deliver(t *testing.T, pkt *protocol.Packet) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		r.mu.Lock()
		fn := r.handler
		r.mu.Unlock()
		if fn != nil {
			fn(pkt)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no packet handler registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *recordingTransport) Send(pkt *protocol.Packet) {
	r.mu.Lock()
	r.sent = append(r.sent, pkt)
	r.mu.Unlock()
}

// bufConn is a net.Conn whose writes land in a buffer.
type bufConn struct {
	net.Conn
	buf bytes.Buffer
}

func (c *bufConn) Write(p []byte) (int, error) { return c.buf.Write(p) }
func (c *bufConn) Close() error                { return nil }

func newTestSocket(t *testing.T, opts Options) (*Socket, *bufConn, *recordingTransport) {
	t.Helper()
	tr := newRecordingTransport()
	conn := &bufConn{}
	s, err := newSocketWithConn(context.Background(), 0xabcd, tr, conn, opts.withDefaults())
	require.NoError(t, err)
	t.Cleanup(s.cancel)
	return s, conn, tr
}

func TestDeliverWaitsForDataBeforeClose(t *testing.T) {
	s, conn, _ := newTestSocket(t, Options{})

	steps := []struct {
		pkt  *protocol.Packet
		done bool
	}{
		{protocol.NewPacket(protocol.TypeClose, s.id, 4, nil), false},
		{protocol.NewPacket(protocol.TypeData, s.id, 3, []byte("lo")), false},
		{protocol.NewPacket(protocol.TypeConnect, s.id, 1, nil), false},
		{protocol.NewPacket(protocol.TypeData, s.id, 2, []byte("hel")), true},
	}
	for i, step := range steps {
		done, err := s.deliver(step.pkt)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.done, done, "step %d", i)
	}
	assert.Equal(t, "hello", conn.buf.String())
}

func TestDeliverOverflow(t *testing.T) {
	s, _, _ := newTestSocket(t, Options{MaxPending: 2})

	for seq := uint64(2); seq <= 3; seq++ {
		_, err := s.deliver(protocol.NewPacket(protocol.TypeData, s.id, seq, []byte("x")))
		require.NoError(t, err)
	}
	_, err := s.deliver(protocol.NewPacket(protocol.TypeData, s.id, 4, []byte("x")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, forwarder.ErrTooManyQueued))
}

func TestEnqueueFullInboxAbortsSocket(t *testing.T) {
	s, _, _ := newTestSocket(t, Options{InboxSize: 1})

	s.enqueue(protocol.NewPacket(protocol.TypeData, s.id, 1, []byte("a")))
	assert.NoError(t, s.ctx.Err())

	s.enqueue(protocol.NewPacket(protocol.TypeData, s.id, 2, []byte("b")))
	assert.ErrorIs(t, s.ctx.Err(), context.Canceled)
}

func TestCleanupSendsSingleClose(t *testing.T) {
	s, _, tr := newTestSocket(t, Options{})
	s.seq.Next() // CONNECT

	s.cleanup()
	s.cleanup()

	require.Len(t, tr.sent, 1)
	assert.Equal(t, uint8(protocol.TypeClose), tr.sent[0].Type)
	assert.Equal(t, uint64(2), tr.sent[0].Seq())
}

func TestGetOrCreateSkipsFinishedSockets(t *testing.T) {
	tr := newRecordingTransport()
	a := newAdapter(context.Background(), tr, Options{})

	create := func() *Socket { return newSocket(a.ctx, 7, tr, a.opts) }

	s, created, _ := a.getOrCreate(7, protocol.TypeConnect, create)
	require.True(t, created)
	a.finished[7] = struct{}{}
	delete(a.routes, 7)
	s.cancel()

	got, created, _ := a.getOrCreate(7, protocol.TypeData, create)
	assert.Nil(t, got)
	assert.False(t, created)

	// A late CLOSE of the finished socket is not held back.
	assert.Nil(t, a.routeClose(protocol.NewPacket(protocol.TypeClose, 7, 9, nil)))
	assert.Empty(t, a.earlyClose)

	got, created, _ = a.getOrCreate(7, protocol.TypeConnect, create)
	require.NotNil(t, got)
	assert.True(t, created)
	got.cancel()
}

func TestRouteCloseHoldsEarlyClose(t *testing.T) {
	tr := newRecordingTransport()
	a := newAdapter(context.Background(), tr, Options{})

	closePkt := protocol.NewPacket(protocol.TypeClose, 9, 3, nil)
	assert.Nil(t, a.routeClose(closePkt))

	s, created, early := a.getOrCreate(9, protocol.TypeData, func() *Socket {
		return newSocket(a.ctx, 9, tr, a.opts)
	})
	require.True(t, created)
	defer s.cancel()
	assert.Same(t, closePkt, early)
	assert.Empty(t, a.earlyClose)

	// Once the socket exists, CLOSE goes straight to it.
	assert.Same(t, s, a.routeClose(closePkt))
}

func TestRunAsHostEarlyCloseReleasesTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	tr := newRecordingTransport()
	go RunAsHost(ctx, tr, l.Addr().String(), Options{})

	const id = 0x42
	tr.deliver(t, protocol.NewPacket(protocol.TypeClose, id, 2, nil))
	tr.deliver(t, protocol.NewPacket(protocol.TypeConnect, id, 1, nil))

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "host should close the target connection")
}

func TestSeqGen(t *testing.T) {
	g := NewSeqGen()
	for want := uint64(1); want <= 3; want++ {
		assert.Equal(t, want, g.Next())
	}
}
