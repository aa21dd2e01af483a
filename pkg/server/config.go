package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Channel ChannelSection `toml:"channel"`
}

type ServerSection struct {
	TCPPort     int `toml:"tcp_port"`
	WSPort      int `toml:"ws_port"`      // 0 disables the WebSocket listener
	MetricsPort int `toml:"metrics_port"` // 0 disables the metrics endpoint
}

type LimitsSection struct {
	MaxSessions            int `toml:"max_sessions"`
	MaxMessageLength       int `toml:"max_message_length"`  // grapheme clusters
	MaxNicknameLength      int `toml:"max_nickname_length"` // grapheme clusters
	MaxTopicLength         int `toml:"max_topic_length"`    // grapheme clusters
	OutboundQueueSize      int `toml:"outbound_queue_size"`
	ProtocolErrorThreshold int `toml:"protocol_error_threshold"`
}

type ChannelSection struct {
	DefaultTopic string `toml:"default_topic"`
}

// DefaultTOMLConfig returns the default configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     7878,
			WSPort:      7879,
			MetricsPort: 0,
		},
		Limits: LimitsSection{
			MaxSessions:            1024,
			MaxMessageLength:       512,
			MaxNicknameLength:      20,
			MaxTopicLength:         512,
			OutboundQueueSize:      64,
			ProtocolErrorThreshold: 10,
		},
		Channel: ChannelSection{
			DefaultTopic: "[No topic]",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file if
// none exists
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable location is not fatal, we can still run on defaults
			return config, nil
		}
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// ServerConfig is the resolved runtime configuration
type ServerConfig struct {
	TCPPort                int
	WSPort                 int
	MetricsPort            int
	MaxSessions            int
	MaxMessageLength       int
	MaxNicknameLength      int
	MaxTopicLength         int
	OutboundQueueSize      int
	ProtocolErrorThreshold int
	DefaultTopic           string
	ProtocolVersion        uint8
}

// RuntimeConfig flattens a TOMLConfig into the runtime configuration
func (c TOMLConfig) RuntimeConfig() ServerConfig {
	return ServerConfig{
		TCPPort:                c.Server.TCPPort,
		WSPort:                 c.Server.WSPort,
		MetricsPort:            c.Server.MetricsPort,
		MaxSessions:            c.Limits.MaxSessions,
		MaxMessageLength:       c.Limits.MaxMessageLength,
		MaxNicknameLength:      c.Limits.MaxNicknameLength,
		MaxTopicLength:         c.Limits.MaxTopicLength,
		OutboundQueueSize:      c.Limits.OutboundQueueSize,
		ProtocolErrorThreshold: c.Limits.ProtocolErrorThreshold,
		DefaultTopic:           c.Channel.DefaultTopic,
		ProtocolVersion:        1,
	}
}

// DefaultConfig returns the default runtime configuration
func DefaultConfig() ServerConfig {
	return DefaultTOMLConfig().RuntimeConfig()
}
