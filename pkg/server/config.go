package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Protocol ProtocolSection `toml:"protocol"`
	Session  SessionSection  `toml:"session"`
	Logins   LoginsSection   `toml:"logins"`
	Players  PlayersSection  `toml:"players"`
}

type ServerSection struct {
	BindAddress  string `toml:"bind_address"`
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type ProtocolSection struct {
	HeaderWidth   int `toml:"header_width"`
	MaxFrameBytes int `toml:"max_frame_bytes"`
}

type SessionSection struct {
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `toml:"heartbeat_timeout_seconds"`
	PollIntervalMs           int `toml:"poll_interval_ms"`
	MaxUnauthorizedBeats     int `toml:"max_unauthorized_beats"`
	WriteTimeoutSeconds      int `toml:"write_timeout_seconds"`
}

type LoginsSection struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	ChallengeTTLSeconds int `toml:"challenge_ttl_seconds"`
}

type PlayersSection struct {
	NameLookupURL               string  `toml:"name_lookup_url"`
	NameLookupRatePerSecond     float64 `toml:"name_lookup_rate_per_second"`
	NameBackfillIntervalSeconds int     `toml:"name_backfill_interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			BindAddress:  d.BindAddress,
			TCPPort:      d.TCPPort,
			HTTPPort:     d.HTTPPort,
			MetricsPort:  d.MetricsPort,
			DatabasePath: "~/.mcconnect/mcconnect.db",
		},
		Protocol: ProtocolSection{
			HeaderWidth:   d.HeaderWidth,
			MaxFrameBytes: d.MaxFrameBytes,
		},
		Session: SessionSection{
			HeartbeatIntervalSeconds: int(d.HeartbeatInterval / time.Second),
			HeartbeatTimeoutSeconds:  int(d.HeartbeatTimeout / time.Second),
			PollIntervalMs:           int(d.PollInterval / time.Millisecond),
			MaxUnauthorizedBeats:     d.MaxUnauthorizedBeats,
			WriteTimeoutSeconds:      int(d.WriteTimeout / time.Second),
		},
		Logins: LoginsSection{
			PollIntervalSeconds: int(d.LoginPollInterval / time.Second),
			ChallengeTTLSeconds: int(d.ChallengeTTL / time.Second),
		},
		Players: PlayersSection{
			NameLookupURL:               d.NameLookupURL,
			NameLookupRatePerSecond:     d.NameLookupRate,
			NameBackfillIntervalSeconds: int(d.NameBackfillInterval / time.Second),
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# mcconnect relay configuration
# This file was auto-generated with default values
# Edit as needed and restart the relay for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ToServerConfig converts TOMLConfig to ServerConfig.
// Zero values keep the defaults. Negative ports, TTLs and intervals disable
// the listener or loop they configure.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.BindAddress) != "" {
		cfg.BindAddress = c.Server.BindAddress
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}

	if c.Protocol.HeaderWidth > 0 {
		cfg.HeaderWidth = c.Protocol.HeaderWidth
	}
	if c.Protocol.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = c.Protocol.MaxFrameBytes
	}

	if c.Session.HeartbeatIntervalSeconds > 0 {
		cfg.HeartbeatInterval = seconds(c.Session.HeartbeatIntervalSeconds)
	}
	if c.Session.HeartbeatTimeoutSeconds > 0 {
		cfg.HeartbeatTimeout = seconds(c.Session.HeartbeatTimeoutSeconds)
	}
	if c.Session.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(c.Session.PollIntervalMs) * time.Millisecond
	}
	if c.Session.MaxUnauthorizedBeats > 0 {
		cfg.MaxUnauthorizedBeats = c.Session.MaxUnauthorizedBeats
	}
	if c.Session.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = seconds(c.Session.WriteTimeoutSeconds)
	}

	if c.Logins.PollIntervalSeconds > 0 {
		cfg.LoginPollInterval = seconds(c.Logins.PollIntervalSeconds)
	}
	if c.Logins.ChallengeTTLSeconds > 0 {
		cfg.ChallengeTTL = seconds(c.Logins.ChallengeTTLSeconds)
	} else if c.Logins.ChallengeTTLSeconds < 0 {
		cfg.ChallengeTTL = 0 // expiry disabled
	}

	if strings.TrimSpace(c.Players.NameLookupURL) != "" {
		cfg.NameLookupURL = c.Players.NameLookupURL
	}
	if c.Players.NameLookupRatePerSecond > 0 {
		cfg.NameLookupRate = c.Players.NameLookupRatePerSecond
	}
	if c.Players.NameBackfillIntervalSeconds > 0 {
		cfg.NameBackfillInterval = seconds(c.Players.NameBackfillIntervalSeconds)
	} else if c.Players.NameBackfillIntervalSeconds < 0 {
		cfg.NameBackfillInterval = 0 // backfill disabled
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.TrimSpace(path) == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return expandHome(path)
}
