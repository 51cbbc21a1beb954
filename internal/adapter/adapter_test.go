package adapter_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/seqtunnel/internal/adapter"
	"github.com/1ureka/seqtunnel/internal/protocol"
)

// Compile-time interface check.
var _ adapter.Transport = (*mockTransport)(nil)

// mockTransport implements adapter.Transport for in-process testing.
// Two linked instances simulate an unordered link: packets sent by one side
// reach the other side's OnPacket handler after a random delay in
// [0, maxDelay), so delivery order is shuffled.
type mockTransport struct {
	mu       sync.RWMutex
	handler  func(*protocol.Packet)
	peer     *mockTransport
	done     chan struct{}
	once     sync.Once
	maxDelay time.Duration
}

// mockTransports creates a linked pair of mock transports.
func mockTransports(maxDelay time.Duration) (client, host *mockTransport) {
	client = &mockTransport{done: make(chan struct{}), maxDelay: maxDelay}
	host = &mockTransport{done: make(chan struct{}), maxDelay: maxDelay}
	client.peer = host
	host.peer = client
	return client, host
}

// Close signals that this transport is done. Safe to call multiple times.
func (m *mockTransport) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mockTransport) Done() <-chan struct{} {
	return m.done
}

func (m *mockTransport) OnPacket(fn func(*protocol.Packet)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// Send round-trips the packet through the codec and schedules delivery.
// If either side closes before the delay elapses, the packet is dropped.
func (m *mockTransport) Send(pkt *protocol.Packet) {
	frame := protocol.Encode(pkt)
	go func() {
		delay := time.Duration(rand.Int63n(int64(m.maxDelay)))

		select {
		case <-time.After(delay):
		case <-m.done:
			return
		case <-m.peer.done:
			return
		}

		decoded, err := protocol.Decode(frame)
		if err != nil {
			panic(err)
		}

		m.peer.mu.RLock()
		fn := m.peer.handler
		m.peer.mu.RUnlock()

		if fn != nil {
			fn(decoded)
		}
	}()
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// startEchoServer starts a TCP server that copies everything back.
func startEchoServer(t *testing.T, ctx context.Context) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server: listen failed: %v", err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// getFreeAddr finds a free TCP port on loopback.
func getFreeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("getFreeAddr: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// waitForListener polls addr until a TCP connection succeeds.
func waitForListener(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("listener at %s not ready within %v", addr, timeout)
}

// makeTestData generates deterministic data distinguishable per seed.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// startTunnel runs both adapter roles over a mock link and returns the
// client's listen address.
func startTunnel(t *testing.T, ctx context.Context, maxDelay time.Duration, targetAddr string, opts adapter.Options) string {
	t.Helper()

	clientTr, hostTr := mockTransports(maxDelay)
	clientAddr := getFreeAddr(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		adapter.RunAsHost(ctx, hostTr, targetAddr, opts)
	}()
	go func() {
		defer wg.Done()
		adapter.RunAsClient(ctx, clientTr, clientAddr, opts)
	}()

	t.Cleanup(func() {
		clientTr.Close()
		hostTr.Close()
		wg.Wait()
	})

	waitForListener(t, clientAddr, 5*time.Second)
	return clientAddr
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestRunAsHostAndClient exercises the full tunnel path:
//
//	[TCP client] <-> [RunAsClient] <-> [mockTransport] <-> [RunAsHost] <-> [echo server]
//
// Each connection sends more than one maxPayloadSize chunk, and the mock
// link shuffles delivery, so both forwarders reorder on every socket.
func TestRunAsHostAndClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	echoAddr := startEchoServer(t, ctx)
	clientAddr := startTunnel(t, ctx, 20*time.Millisecond, echoAddr, adapter.Options{})

	const numConns = 5
	const dataSize = 1024 * 1024 // 64 DATA packets per direction

	var connWg sync.WaitGroup
	for i := 0; i < numConns; i++ {
		connWg.Add(1)
		go func(idx int) {
			defer connWg.Done()

			conn, err := net.Dial("tcp", clientAddr)
			if err != nil {
				t.Errorf("[conn %d] dial: %v", idx, err)
				return
			}
			defer conn.Close()

			sent := makeTestData(dataSize, byte(idx))

			// Write and read concurrently to avoid TCP buffer deadlock.
			errCh := make(chan error, 1)
			go func() {
				_, err := conn.Write(sent)
				errCh <- err
			}()

			got := make([]byte, dataSize)
			conn.SetReadDeadline(time.Now().Add(15 * time.Second))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Errorf("[conn %d] read echo: %v", idx, err)
				return
			}

			if err := <-errCh; err != nil {
				t.Errorf("[conn %d] write: %v", idx, err)
				return
			}

			if !bytes.Equal(sent, got) {
				t.Errorf("[conn %d] echoed data mismatch (sent %d bytes, got %d bytes)",
					idx, len(sent), len(got))
			}
		}(i)
	}

	connWg.Wait()
}

// TestHostClosesClientOnTargetEOF checks that a CLOSE from the host reaches
// the client connection only after all data sent before it.
func TestHostClosesClientOnTargetEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	greeting := makeTestData(100*1024, 7)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write(greeting)
		conn.Close()
	}()

	clientAddr := startTunnel(t, ctx, 10*time.Millisecond, l.Addr().String(), adapter.Options{})

	conn, err := net.Dial("tcp", clientAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, greeting) {
		t.Errorf("got %d bytes, want %d", len(got), len(greeting))
	}
}

// TestHostDialFailureClosesClient checks that an unreachable target closes
// the tunnelled client connection.
func TestHostDialFailureClosesClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientAddr := startTunnel(t, ctx, 5*time.Millisecond, getFreeAddr(t), adapter.Options{})

	conn, err := net.Dial("tcp", clientAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the tunnelled connection to close")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("connection was not closed before the deadline")
	}
}
