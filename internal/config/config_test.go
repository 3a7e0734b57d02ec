package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/playback"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seqsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
playback:
  tick_interval: 50ms
log:
  level: debug
cluster:
  enabled: true
  bind: 127.0.0.1:7000
  peers: [127.0.0.1:7000, 127.0.0.1:7001]
browsers:
  - id: cams
    rate_fps: 2
    looped: false
    index_display_mode: ordinal
    sequences:
      - url: http://example.com/front.m3u8
        name: front
      - url: http://example.com/back.m3u8
        save_changes: true
        playback: false
        missing_item_mode: display-hidden
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "default kept")
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Server.Window)
	assert.Equal(t, 50*time.Millisecond, cfg.Playback.TickInterval)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	rc := cfg.Cluster.Raft()
	assert.Equal(t, "127.0.0.1:7000", rc.RaftID, "raft id defaults to bind address")
	assert.Len(t, rc.Peers, 2)

	require.Len(t, cfg.Browsers, 1)
	bc := cfg.Browsers[0]
	require.Len(t, bc.Sequences, 2)

	b := browser.New(bc.ID, bc.Name)
	require.NoError(t, bc.Configure(b))
	assert.Equal(t, 2.0, b.PlaybackRateFps())
	assert.False(t, b.PlaybackLooped())
	assert.True(t, b.PlaybackItemSkipping())
	assert.Equal(t, browser.DisplayOrdinal, b.IndexDisplayMode())

	st, err := bc.Sequences[1].SyncSettings()
	require.NoError(t, err)
	assert.Equal(t, browser.SyncSettings{
		Playback:           false,
		SaveChanges:        true,
		Recording:          true,
		MissingItemMode:    browser.DisplayHidden,
		OverwriteProxyName: true,
	}, st)

	st, err = bc.Sequences[0].SyncSettings()
	require.NoError(t, err)
	assert.Equal(t, browser.DefaultSyncSettings(), st)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "server: [\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"cluster without peers", "cluster:\n  enabled: true\n  bind: 127.0.0.1:7000\n"},
		{"browser without id", "browsers:\n  - sequences:\n      - url: http://x/a.m3u8\n"},
		{"duplicate browser", "browsers:\n  - id: a\n    sequences: [{url: http://x/a.m3u8}]\n  - id: a\n    sequences: [{url: http://x/b.m3u8}]\n"},
		{"browser without sequences", "browsers:\n  - id: a\n"},
		{"sequence without url", "browsers:\n  - id: a\n    sequences: [{name: x}]\n"},
		{"bad missing item mode", "browsers:\n  - id: a\n    sequences: [{url: http://x/a.m3u8, missing_item_mode: guess}]\n"},
		{"bad display mode", "browsers:\n  - id: a\n    index_display_mode: roman\n    sequences: [{url: http://x/a.m3u8}]\n"},
		{"negative rate", "browsers:\n  - id: a\n    rate_fps: -1\n    sequences: [{url: http://x/a.m3u8}]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Window = 0
	cfg.Playback.TickInterval = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.Server.Window)
	assert.Equal(t, playback.DefaultInterval, cfg.Playback.TickInterval)
}

func TestSaveAndLoad(t *testing.T) {
	looped := false
	cfg := DefaultConfig()
	cfg.Browsers = []BrowserConfig{{
		ID:      "b1",
		Looped:  &looped,
		RateFps: 4,
		Sequences: []SequenceConfig{
			{URL: "http://example.com/a.m3u8", MissingItemMode: "ignore"},
		},
	}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
