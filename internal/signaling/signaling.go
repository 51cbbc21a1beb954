// Package signaling establishes a Transport by exchanging SDP and ICE over a
// short-lived WebSocket. Callers receive a ready Transport and never see the
// WebSocket.
package signaling

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/seqtunnel/internal/transport"
	"github.com/1ureka/seqtunnel/internal/util"
)

// HostOptions configures the host side of signaling.
type HostOptions struct {
	Addr      string // WS listen address, e.g. ":0" or "127.0.0.1:8080"
	PINLength int    // 0 disables the PIN check
	Transport transport.Options
}

// EstablishAsHost starts the WS server on opts.Addr, waits for one client,
// negotiates the DataChannel as the offering side and returns the ready
// Transport. The WS server and connection are closed before returning.
func EstablishAsHost(ctx context.Context, opts HostOptions) (*transport.Transport, error) {
	pin := ""
	if opts.PINLength > 0 {
		pin = generatePIN(opts.PINLength)
	}

	srv := newServer(pin)
	port, err := srv.start(opts.Addr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	printBanner(port, pin)

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("client connected from %s", wsConn.RemoteAddr())

	tr, err := transport.New(ctx, opts.Transport)
	if err != nil {
		return nil, err
	}

	return await(ctx, tr, &exchange{conn: wsConn, neg: tr, offer: true})
}

// EstablishAsClient dials the host's WS URL and negotiates the DataChannel
// as the answering side.
func EstablishAsClient(ctx context.Context, wsURL string, opts transport.Options) (*transport.Transport, error) {
	util.LogInfo("connecting to host...")
	wsConn, err := dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	tr, err := transport.New(ctx, opts)
	if err != nil {
		return nil, err
	}

	return await(ctx, tr, &exchange{conn: wsConn, neg: tr})
}

// await runs ex and returns tr once ready, closing it on failure.
func await(ctx context.Context, tr *transport.Transport, ex *exchange) (*transport.Transport, error) {
	errCh := make(chan error, 1)
	go func() { errCh <- ex.run() }()

	select {
	case err := <-errCh:
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("signaling failed: %w", err)
		}
		util.LogDebug("DataChannel established, closing WS")
		return tr, nil

	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
}

func printBanner(port int, pin string) {
	rows := [][]string{
		{"WebSocket Signaling Server", ""},
		{"Port", fmt.Sprintf("%d", port)},
	}
	if pin != "" {
		rows = append(rows, []string{"PIN", pin})
	}

	pterm.Println()
	_ = pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(rows).Render()
	pterm.Info.Println("Forward this port to the client (e.g. VS Code Port Forwarding), then wait for it to connect.")
	pterm.Println()
}
