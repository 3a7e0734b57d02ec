// The seqsync command browses time-indexed sequences in sync: it imports
// HLS playlists as segment sequences, plays them back at a configurable
// rate and serves the current position as live HLS, optionally replicated
// across a Raft cluster of viewer nodes.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	verbose bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "seqsync",
		Short:         "Synchronized sequence browsing and playback",
		Long:          "seqsync plays time-indexed sequences in lockstep and serves the current position as live HLS.",
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seqsync v%s\n", version)
		},
	}
}

// newLogger creates the process logger. verbose forces debug level.
func newLogger(w io.Writer, level slog.Level, format string, verbose bool) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
