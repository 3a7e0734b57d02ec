// Package config loads the seqsync YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/cluster"
	"github.com/agleyzer/seqsync/internal/playback"
)

// Config is the root of the configuration file.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Playback PlaybackConfig  `yaml:"playback"`
	Log      LogConfig       `yaml:"log"`
	Cluster  ClusterConfig   `yaml:"cluster"`
	Browsers []BrowserConfig `yaml:"browsers"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Window is the number of segments in served media playlists.
	Window int `yaml:"window"`
}

type PlaybackConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ClusterConfig struct {
	Enabled          bool          `yaml:"enabled"`
	RaftID           string        `yaml:"raft_id,omitempty"`
	Bind             string        `yaml:"bind,omitempty"`
	Peers            []string      `yaml:"peers,omitempty"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout,omitempty"`
	ElectionTimeout  time.Duration `yaml:"election_timeout,omitempty"`
	LogLevel         string        `yaml:"log_level,omitempty"`
}

// BrowserConfig defines a browser and the playlists it synchronizes. The
// first sequence becomes the master.
type BrowserConfig struct {
	ID               string           `yaml:"id"`
	Name             string           `yaml:"name,omitempty"`
	RateFps          float64          `yaml:"rate_fps,omitempty"`
	Looped           *bool            `yaml:"looped,omitempty"`
	ItemSkipping     *bool            `yaml:"item_skipping,omitempty"`
	RecordMasterOnly bool             `yaml:"record_master_only,omitempty"`
	IndexDisplayMode string           `yaml:"index_display_mode,omitempty"`
	Sequences        []SequenceConfig `yaml:"sequences"`
}

// SequenceConfig imports one playlist. A master playlist contributes one
// sequence per variant, all with the same settings.
type SequenceConfig struct {
	URL                string `yaml:"url"`
	Name               string `yaml:"name,omitempty"`
	Playback           *bool  `yaml:"playback,omitempty"`
	SaveChanges        bool   `yaml:"save_changes,omitempty"`
	Recording          *bool  `yaml:"recording,omitempty"`
	MissingItemMode    string `yaml:"missing_item_mode,omitempty"`
	OverwriteProxyName *bool  `yaml:"overwrite_proxy_name,omitempty"`
}

// DefaultConfig returns the configuration used for missing keys.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:   "0.0.0.0",
			Port:   8080,
			Window: 6,
		},
		Playback: PlaybackConfig{
			TickInterval: playback.DefaultInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Server.Window <= 0 {
		c.Server.Window = 6
	}
	if c.Playback.TickInterval <= 0 {
		c.Playback.TickInterval = playback.DefaultInterval
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	if c.Cluster.Enabled {
		rc := c.Cluster.Raft()
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
	}

	seen := make(map[string]bool)
	for i := range c.Browsers {
		b := &c.Browsers[i]
		if b.ID == "" {
			return fmt.Errorf("browser %d: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("browser %s: duplicate id", b.ID)
		}
		seen[b.ID] = true

		if b.RateFps < 0 {
			return fmt.Errorf("browser %s: rate_fps must not be negative", b.ID)
		}
		if _, err := browser.ParseIndexDisplayMode(b.IndexDisplayMode); err != nil {
			return fmt.Errorf("browser %s: %w", b.ID, err)
		}
		if len(b.Sequences) == 0 {
			return fmt.Errorf("browser %s: at least one sequence is required", b.ID)
		}
		for j, s := range b.Sequences {
			if s.URL == "" {
				return fmt.Errorf("browser %s sequence %d: url is required", b.ID, j)
			}
			if _, err := s.SyncSettings(); err != nil {
				return fmt.Errorf("browser %s sequence %d: %w", b.ID, j, err)
			}
		}
	}
	return nil
}

// SlogLevel parses the log level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", l.Level)
	}
	return level, nil
}

// Raft converts the section to a cluster configuration. The Raft ID
// defaults to the bind address.
func (c ClusterConfig) Raft() cluster.Config {
	id := c.RaftID
	if id == "" {
		id = c.Bind
	}
	return cluster.Config{
		RaftID:           id,
		BindAddr:         c.Bind,
		Peers:            c.Peers,
		HeartbeatTimeout: c.HeartbeatTimeout,
		ElectionTimeout:  c.ElectionTimeout,
		LogLevel:         c.LogLevel,
	}
}

// Configure applies the playback options to b.
func (c BrowserConfig) Configure(b *browser.Browser) error {
	mode, err := browser.ParseIndexDisplayMode(c.IndexDisplayMode)
	if err != nil {
		return err
	}
	b.SetIndexDisplayMode(mode)
	b.SetPlaybackRateFps(c.RateFps)
	b.SetRecordMasterOnly(c.RecordMasterOnly)
	if c.Looped != nil {
		b.SetPlaybackLooped(*c.Looped)
	}
	if c.ItemSkipping != nil {
		b.SetPlaybackItemSkipping(*c.ItemSkipping)
	}
	return nil
}

// SyncSettings returns the browser settings for sequences imported from s.
func (s SequenceConfig) SyncSettings() (browser.SyncSettings, error) {
	st := browser.DefaultSyncSettings()

	mode, err := browser.ParseMissingItemMode(s.MissingItemMode)
	if err != nil {
		return st, err
	}
	st.MissingItemMode = mode
	st.SaveChanges = s.SaveChanges
	if s.Playback != nil {
		st.Playback = *s.Playback
	}
	if s.Recording != nil {
		st.Recording = *s.Recording
	}
	if s.OverwriteProxyName != nil {
		st.OverwriteProxyName = *s.OverwriteProxyName
	}
	return st, nil
}
