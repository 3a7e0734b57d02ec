package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/cluster"
	"github.com/agleyzer/seqsync/internal/config"
	"github.com/agleyzer/seqsync/internal/engine"
	"github.com/agleyzer/seqsync/internal/parser"
	"github.com/agleyzer/seqsync/internal/playback"
	"github.com/agleyzer/seqsync/internal/playlist"
	"github.com/agleyzer/seqsync/internal/scene"
	"github.com/agleyzer/seqsync/internal/server"
)

// defaultBrowserID names the browser built from command-line URLs.
const defaultBrowserID = "default"

type serveOptions struct {
	configPath  string
	host        string
	port        int
	window      int
	rate        float64
	maxDuration time.Duration
	tick        time.Duration
	logFormat   string

	raftID    string
	raftBind  string
	peers     []string
	raftLevel string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	return (&serveOptions{}).command(root)
}

func (o *serveOptions) command(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags] [playlist-url...]",
		Short: "Serve synchronized playback of HLS playlists",
		Long: `Serve imports every configured playlist as a time-indexed sequence and
serves the browsers over HTTP. URLs given on the command line are added to a
browser named "default"; the first one is its master.`,
		Example: `  seqsync serve https://example.com/playlist.m3u8
  seqsync serve --rate 2 --max-duration 1m https://example.com/master.m3u8
  seqsync serve --config seqsync.yaml --raft-bind 127.0.0.1:7000 --peers 127.0.0.1:7000,127.0.0.1:7001`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd, args)
			if err != nil {
				return err
			}

			level, _ := cfg.Log.SlogLevel()
			logger := newLogger(os.Stdout, level, cfg.Log.Format, root.verbose)
			logger.Info("seqsync starting", "version", version)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					logger.Info("received signal", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			if err := runServe(ctx, cfg, o.maxDuration, logger); err != nil {
				return err
			}
			logger.Info("seqsync stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&o.host, "host", "", "HTTP listen host")
	f.IntVarP(&o.port, "port", "p", 8080, "HTTP server port")
	f.IntVar(&o.window, "window-size", 6, "number of segments in served media playlists")
	f.Float64Var(&o.rate, "rate", 0, "playback rate in items per second for command-line playlists")
	f.DurationVar(&o.maxDuration, "max-duration", 0, "maximum duration of content to use before looping (e.g. 10s, 1m30s)")
	f.DurationVar(&o.tick, "tick", playback.DefaultInterval, "playback tick interval")
	f.StringVar(&o.logFormat, "log-format", "", "log format (text|json)")
	f.StringVar(&o.raftID, "raft-id", "", "Raft node ID (defaults to the bind address)")
	f.StringVar(&o.raftBind, "raft-bind", "", "Raft bind address; enables clustering")
	f.StringSliceVar(&o.peers, "peers", nil, "Raft peer addresses, including this node")
	f.StringVar(&o.raftLevel, "raft-log-level", "", "Raft internal log level (off by default)")

	return cmd
}

// load reads the configuration file, if any, and applies flags set on the
// command line over it.
func (o *serveOptions) load(cmd *cobra.Command, urls []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host = o.host
	}
	if f.Changed("port") {
		cfg.Server.Port = o.port
	}
	if f.Changed("window-size") {
		cfg.Server.Window = o.window
	}
	if f.Changed("tick") {
		cfg.Playback.TickInterval = o.tick
	}
	if f.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.raftBind != "" {
		cfg.Cluster.Enabled = true
		cfg.Cluster.Bind = o.raftBind
	}
	if o.raftID != "" {
		cfg.Cluster.RaftID = o.raftID
	}
	if len(o.peers) > 0 {
		cfg.Cluster.Peers = o.peers
	}
	if o.raftLevel != "" {
		cfg.Cluster.LogLevel = o.raftLevel
	}
	if o.maxDuration < 0 {
		return nil, fmt.Errorf("--max-duration must not be negative")
	}
	if o.rate < 0 {
		return nil, fmt.Errorf("--rate must not be negative")
	}

	if len(urls) > 0 {
		bc := config.BrowserConfig{ID: defaultBrowserID, RateFps: o.rate}
		for _, u := range urls {
			bc.Sequences = append(bc.Sequences, config.SequenceConfig{URL: u})
		}
		cfg.Browsers = append(cfg.Browsers, bc)
	}

	if len(cfg.Browsers) == 0 {
		return nil, fmt.Errorf("no playlists: pass playlist URLs or a config with browsers")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServe wires the engine, playback driver, optional cluster and HTTP
// server, and blocks until ctx is done.
func runServe(ctx context.Context, cfg *config.Config, maxDuration time.Duration, logger *slog.Logger) error {
	scn := scene.New(logger)
	e := engine.New(scn, nil, logger)
	scn.Observe(e.HandleNodeModified)

	streams, err := loadBrowsers(ctx, e, cfg.Browsers, parser.New(logger), maxDuration, logger)
	if err != nil {
		return err
	}
	if err := e.UpdateAll(); err != nil {
		logger.Warn("initial proxy update incomplete", "error", err)
	}

	driver := playback.New(e, cfg.Playback.TickInterval, logger)
	srv := server.New(driver, server.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Window: cfg.Server.Window,
	}, logger)
	for id, info := range streams {
		srv.SetStreamInfo(id, info)
	}
	e.OnSelectionChanged(srv.SelectionChanged)

	if cfg.Cluster.Enabled {
		mgr, err := cluster.NewManager(cfg.Cluster.Raft(), logger)
		if err != nil {
			return fmt.Errorf("create cluster manager: %w", err)
		}
		mgr.OnFollowerApply(cluster.Follow(ctx, driver, logger))
		e.OnSelectionChanged(func(b *browser.Browser) { mgr.Publish(cluster.StateOf(b)) })

		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		defer mgr.Shutdown()
		srv.SetCluster(mgr)

		go seedCluster(ctx, mgr, driver, logger)
	}

	go func() {
		if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("playback driver stopped", "error", err)
		}
	}()

	for _, bc := range cfg.Browsers {
		logger.Info("browser ready",
			"browser", bc.ID,
			"master_url", fmt.Sprintf("http://localhost:%d/browsers/%s/playlist.m3u8", cfg.Server.Port, bc.ID),
		)
	}

	return srv.Start(ctx)
}

// loadBrowsers imports the configured playlists and registers the browsers.
// Sequences imported from the same playlist are shared between browsers.
func loadBrowsers(ctx context.Context, e *engine.Engine, configs []config.BrowserConfig, p *parser.Parser, maxDuration time.Duration, logger *slog.Logger) (map[string]playlist.StreamInfo, error) {
	streams := make(map[string]playlist.StreamInfo)

	for _, bc := range configs {
		name := bc.Name
		if name == "" {
			name = bc.ID
		}
		b := browser.New(bc.ID, name)
		if err := bc.Configure(b); err != nil {
			return nil, fmt.Errorf("browser %s: %w", bc.ID, err)
		}
		if err := e.AddBrowser(b); err != nil {
			return nil, err
		}

		for _, sc := range bc.Sequences {
			settings, err := sc.SyncSettings()
			if err != nil {
				return nil, fmt.Errorf("browser %s: %w", bc.ID, err)
			}

			logger.Info("fetching source playlist", "browser", bc.ID, "url", sc.URL)
			info, err := p.ParsePlaylist(ctx, sc.URL, sc.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to parse playlist %s: %w", sc.URL, err)
			}

			for _, track := range info.Tracks {
				seq := track.Sequence
				if existing := e.Sequence(seq.ID()); existing != nil {
					seq = existing
				} else if removed := truncateSequence(seq, maxDuration); removed > 0 {
					logger.Info("applied max-duration",
						"sequence", seq.ID(),
						"includedSegments", seq.Len(),
						"droppedSegments", removed,
						"duration", maxDuration,
					)
				}

				if _, err := e.AddSynchronizedSequence(b, seq, ""); err != nil {
					return nil, fmt.Errorf("browser %s: %w", bc.ID, err)
				}
				*b.Settings(seq.ID()) = settings

				streams[seq.ID()] = playlist.StreamInfo{
					Bandwidth:  track.Bandwidth,
					Resolution: track.Resolution,
					Codecs:     track.Codecs,
				}
				logger.Info("sequence loaded",
					"browser", bc.ID,
					"sequence", seq.ID(),
					"segments", seq.Len(),
					"bandwidth", track.Bandwidth,
					"resolution", track.Resolution,
				)
			}
		}
	}
	return streams, nil
}

// seedCluster replicates the local browser states once this node wins the
// first election, so that followers start from the leader's cursors.
func seedCluster(ctx context.Context, mgr *cluster.Manager, driver *playback.Driver, logger *slog.Logger) {
	if err := mgr.WaitForLeader(ctx); err != nil {
		return
	}
	if !mgr.IsLeader() {
		return
	}

	var state cluster.ClusterState
	err := driver.Do(ctx, func(e *engine.Engine) error {
		for _, b := range e.Browsers() {
			state.Browsers = append(state.Browsers, cluster.StateOf(b))
		}
		return nil
	})
	if err != nil {
		return
	}

	if err := mgr.Initialize(state); err != nil {
		logger.Warn("failed to seed cluster state", "error", err)
		return
	}
	logger.Info("seeded cluster state", "browsers", len(state.Browsers))
}
