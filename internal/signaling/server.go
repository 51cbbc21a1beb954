package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/seqtunnel/internal/util"
)

// maxPINFailures is the number of wrong PINs after which the server refuses
// every further attempt.
const maxPINFailures = 5

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server is the host-side WebSocket endpoint. It hands out the first
// authenticated connection and refuses the rest.
type server struct {
	pin      string
	listener net.Listener
	http     *http.Server
	connCh   chan *websocket.Conn
	taken    atomic.Bool
	failures atomic.Int32
}

func newServer(pin string) *server {
	return &server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}
}

// start listens on addr and returns the bound port.
func (s *server) start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		_ = s.http.Serve(listener)
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkPIN(r.URL.Query().Get("pin")) {
		if s.failures.Load() >= maxPINFailures {
			http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !s.taken.CompareAndSwap(false, true) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	s.connCh <- conn
}

// checkPIN reports whether pin matches. Once maxPINFailures wrong PINs have
// been seen, no PIN is accepted any more.
func (s *server) checkPIN(pin string) bool {
	if s.pin == "" {
		return true
	}
	if s.failures.Load() >= maxPINFailures {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) == 1 {
		return true
	}
	if n := s.failures.Add(1); n == maxPINFailures {
		util.LogWarning("%d wrong PINs, signaling server locked", n)
	}
	return false
}

// waitForClient blocks until a client connects or ctx is cancelled.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops accepting connections. Upgraded connections stay open.
func (s *server) close() {
	if s.http != nil {
		s.http.Close()
	}
}

// dial connects to a host's WebSocket URL.
func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}

// generatePIN returns a random numeric PIN of the given length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits)
}
