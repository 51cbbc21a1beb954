// Package config holds the tunnel configuration, loaded from an optional TOML
// file and then overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/seqtunnel/internal/forwarder"
)

// Role represents the user's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config stores every tunnel parameter.
type Config struct {
	Role Role `toml:"role"`
	// Host: the TCP service port to forward. Client: local port for the
	// virtual service.
	Port int `toml:"port"`

	WSPort    int    `toml:"ws_port"`    // Host: signaling server port, 0 picks one
	WSListen  bool   `toml:"ws_listen"`  // Host: listen on all interfaces
	WSURL     string `toml:"ws_url"`     // Client: WebSocket URL to connect to
	PINLength int    `toml:"pin_length"` // Host: 0 disables the PIN

	MaxPending  int      `toml:"max_pending"`
	STUNServers []string `toml:"stun_servers"`

	Debug        bool   `toml:"debug"`
	LogFile      string `toml:"log_file"`
	LogMaxSizeMB int    `toml:"log_max_size_mb"`
	MetricsAddr  string `toml:"metrics_addr"`
}

// Default returns the configuration used when no file or flag says otherwise.
func Default() Config {
	return Config{
		PINLength:    6,
		MaxPending:   forwarder.DefaultMaxPending,
		LogMaxSizeMB: 10,
	}
}

// Load decodes the TOML file at path on top of Default(). Unknown keys are
// rejected so typos do not pass silently.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks a fully resolved configuration. An empty role is allowed;
// the CLI prompts for it.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case "":
		return nil
	case RoleHost, RoleClient:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'host' or 'client'", c.Role))
	}

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid or missing port %d (must be 1~65535)", c.Port))
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ws_port %d", c.WSPort))
	}
	if c.Role == RoleClient && c.WSURL == "" {
		errs = append(errs, errors.New("missing ws_url for client role"))
	}
	if c.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("max_pending must be at least 1, got %d", c.MaxPending))
	}
	if c.PINLength < 0 {
		errs = append(errs, fmt.Errorf("pin_length must not be negative, got %d", c.PINLength))
	}

	return errors.Join(errs...)
}

// WSAddr returns the host's signaling listen address.
func (c Config) WSAddr() string {
	switch {
	case c.WSListen:
		return fmt.Sprintf(":%d", c.WSPort)
	case c.WSPort > 0:
		return fmt.Sprintf("127.0.0.1:%d", c.WSPort)
	default:
		return ":0"
	}
}

// NormalizeWSURL validates a raw WebSocket URL and rewrites it to the /ws
// endpoint. A bare host defaults to wss. The pin query parameter is kept.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}

	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}

	out := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}
	if pin := u.Query().Get("pin"); pin != "" {
		out.RawQuery = url.Values{"pin": {pin}}.Encode()
	}
	return out.String(), nil
}
