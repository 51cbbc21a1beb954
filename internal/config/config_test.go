package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seqtunnel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
role = "client"
port = 8080
ws_url = "wss://example.test/ws?pin=123456"
max_pending = 250
stun_servers = ["stun:stun.example.test:3478"]
metrics_addr = "127.0.0.1:9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RoleClient, cfg.Role)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 250, cfg.MaxPending)
	assert.Equal(t, []string{"stun:stun.example.test:3478"}, cfg.STUNServers)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)

	// Unset keys keep their defaults.
	assert.Equal(t, Default().PINLength, cfg.PINLength)
	assert.Equal(t, Default().LogMaxSizeMB, cfg.LogMaxSizeMB)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "role = \"host\"\nmax_pendng = 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_pendng")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Role = RoleHost
	valid.Port = 22

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid host", func(*Config) {}, false},
		{"no role", func(c *Config) { c.Role = ""; c.Port = 0 }, false},
		{"bad role", func(c *Config) { c.Role = "relay" }, true},
		{"port zero", func(c *Config) { c.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"client without url", func(c *Config) { c.Role = RoleClient }, true},
		{"client with url", func(c *Config) { c.Role = RoleClient; c.WSURL = "ws://h/ws" }, false},
		{"max pending zero", func(c *Config) { c.MaxPending = 0 }, true},
		{"negative pin", func(c *Config) { c.PINLength = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWSAddr(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, ":0"},
		{Config{WSPort: 8080}, "127.0.0.1:8080"},
		{Config{WSPort: 8080, WSListen: true}, ":8080"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.WSAddr())
	}
}

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/ws", false},
		{"https://abc.devtunnels.ms/", "wss://abc.devtunnels.ms/ws", false},
		{"  abc.devtunnels.ms  ", "wss://abc.devtunnels.ms/ws", false},
		{"ws://h:1/ws?pin=042&x=1", "ws://h:1/ws?pin=042", false},
		{"ws://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeWSURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
