// Seqtunnel: CLI entry point.
//
// This tool creates a P2P tunnel over an unordered WebRTC DataChannel,
// forwarding a remote TCP service to a local port. Packets may arrive in any
// order; each tunnelled connection restores its byte stream by sequence
// number before writing to TCP. No relay servers are needed after the
// signaling phase (which uses WebSocket).
//
// It can be launched interactively (no role) or non-interactively via CLI
// flags (-role, -port, -wsPort, -wsUrl, -wsListen) and an optional TOML file
// (-config). Flags override file values.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/seqtunnel/internal/adapter"
	"github.com/1ureka/seqtunnel/internal/config"
	"github.com/1ureka/seqtunnel/internal/signaling"
	"github.com/1ureka/seqtunnel/internal/transport"
	"github.com/1ureka/seqtunnel/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}
	if cfg.LogFile != "" {
		closer := util.SetLogFile(cfg.LogFile, cfg.LogMaxSizeMB)
		defer closer.Close()
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := util.ServeMetrics(ctx, cfg.MetricsAddr, util.NewRegistry()); err != nil {
				util.LogWarning("metrics server stopped: %v", err)
			}
		}()
	}

	pterm.Info.Println(fmt.Sprintf("Seqtunnel v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		// No role from flags or file → interactive mode.
		askInteractive(&cfg)
	}

	switch cfg.Role {
	case config.RoleHost:
		runHost(ctx, cfg)
	case config.RoleClient:
		runClient(ctx, cfg)
	}

	util.LogInfo("successfully closed tunnel connection")
}

// loadConfig reads the optional -config file, then applies every flag the
// user set explicitly on top of it.
func loadConfig() (config.Config, error) {
	configPath := flag.String("config", "", "Path to a TOML configuration file")
	role := flag.String("role", "", "Role: host or client")
	port := flag.Int("port", 0, "Target port (host) or virtual service port (client), 1~65535")
	wsPort := flag.Int("wsPort", 0, "WebSocket signaling server port (host only)")
	wsURL := flag.String("wsUrl", "", "WebSocket URL to connect to (client only)")
	wsListen := flag.Bool("wsListen", false, "Listen on all network interfaces (host only, for LAN access)")
	maxPending := flag.Int("maxPending", 0, "Out-of-order packets buffered per connection")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9100")
	logFile := flag.String("logFile", "", "Also write logs to this file (rotated)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "port":
			cfg.Port = *port
		case "wsPort":
			cfg.WSPort = *wsPort
		case "wsUrl":
			cfg.WSURL = *wsURL
		case "wsListen":
			cfg.WSListen = *wsListen
		case "maxPending":
			cfg.MaxPending = *maxPending
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "logFile":
			cfg.LogFile = *logFile
		case "debug":
			cfg.Debug = *debug
		}
	})

	if cfg.WSURL != "" {
		normalized, err := config.NormalizeWSURL(cfg.WSURL)
		if err != nil {
			return config.Config{}, err
		}
		cfg.WSURL = normalized
	}

	return cfg, cfg.Validate()
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// askInteractive fills in the role and its parameters with prompts.
func askInteractive(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host: expose a local service", "Client: connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		cfg.Port = askPort("Target port to forward (1 ~ 65535)")
		return
	}

	cfg.Role = config.RoleClient
	cfg.WSURL = askURL()
	cfg.Port = askPort("Local port for virtual service (1 ~ 65535)")
}

func transportOptions(cfg config.Config) transport.Options {
	return transport.Options{STUNServers: cfg.STUNServers}
}

// runHost executes the host-side tunnel logic.
func runHost(ctx context.Context, cfg config.Config) {
	tr, err := signaling.EstablishAsHost(ctx, signaling.HostOptions{
		Addr:      cfg.WSAddr(),
		PINLength: cfg.PINLength,
		Transport: transportOptions(cfg),
	})
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established, forwarding traffic to 127.0.0.1:%d", cfg.Port)

	opts := adapter.Options{MaxPending: cfg.MaxPending}
	if err := adapter.RunAsHost(ctx, tr, fmt.Sprintf("127.0.0.1:%d", cfg.Port), opts); err != nil {
		util.LogError("failed to handle tunnel connection: %v", err)
		os.Exit(1)
	}
}

// runClient executes the client-side tunnel logic.
func runClient(ctx context.Context, cfg config.Config) {
	tr, err := signaling.EstablishAsClient(ctx, cfg.WSURL, transportOptions(cfg))
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established, forwarding traffic to Host")

	opts := adapter.Options{MaxPending: cfg.MaxPending}
	if err := adapter.RunAsClient(ctx, tr, fmt.Sprintf("127.0.0.1:%d", cfg.Port), opts); err != nil {
		util.LogError("failed to handle tunnel connection: %v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts for the host's WebSocket URL, then for its PIN when the URL
// does not carry one.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. wss://***.asse.devtunnels.ms/ws)").
			Show()

		wsURL, err := config.NormalizeWSURL(raw)
		if err != nil {
			pterm.Println()
			util.LogWarning("invalid input: please enter a valid host or URL")
			continue
		}
		pterm.Println()

		if strings.Contains(wsURL, "?pin=") {
			return wsURL
		}

		pin, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("PIN shown by the host (leave empty if none)").
			Show()
		pterm.Println()

		if pin = strings.TrimSpace(pin); pin != "" {
			wsURL += "?" + url.Values{"pin": {pin}}.Encode()
		}
		return wsURL
	}
}
