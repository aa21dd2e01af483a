package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 7878, cfg.TCPPort)
	assert.Equal(t, 7879, cfg.WSPort)
	assert.Equal(t, 0, cfg.MetricsPort)
	assert.Equal(t, 1024, cfg.MaxSessions)
	assert.Equal(t, 512, cfg.MaxMessageLength)
	assert.Equal(t, 20, cfg.MaxNicknameLength)
	assert.Equal(t, "[No topic]", cfg.DefaultTopic)
	assert.Equal(t, uint8(1), cfg.ProtocolVersion)
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	// The default file is written for the next run
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 9999

[channel]
default_topic = "welcome"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.TCPPort)
	assert.Equal(t, "welcome", cfg.Channel.DefaultTopic)

	// Unset keys fall back to defaults
	assert.Equal(t, 7879, cfg.Server.WSPort)
	assert.Equal(t, 1024, cfg.Limits.MaxSessions)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not valid toml = = ="), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestRuntimeConfigFlattensSections(t *testing.T) {
	tc := DefaultTOMLConfig()
	tc.Server.TCPPort = 4000
	tc.Limits.OutboundQueueSize = 8
	tc.Channel.DefaultTopic = "hello"

	cfg := tc.RuntimeConfig()
	assert.Equal(t, 4000, cfg.TCPPort)
	assert.Equal(t, 8, cfg.OutboundQueueSize)
	assert.Equal(t, "hello", cfg.DefaultTopic)
}
