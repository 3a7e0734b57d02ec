package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/parser"
)

// trackSummary describes one imported sequence.
type trackSummary struct {
	Sequence       string  `json:"sequence"`
	Segments       int     `json:"segments"`
	FirstIndex     string  `json:"first_index"`
	LastIndex      string  `json:"last_index"`
	Duration       float64 `json:"duration"`
	TargetDuration int     `json:"target_duration"`
	Bandwidth      int     `json:"bandwidth,omitempty"`
	Resolution     string  `json:"resolution,omitempty"`
	Codecs         string  `json:"codecs,omitempty"`
}

func newInspectCommand(root *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:          "inspect <playlist-url>",
		Short:        "Show the sequences a playlist imports as",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}

			logger := newLogger(cmd.ErrOrStderr(), slog.LevelWarn, "text", root.verbose)
			info, err := parser.New(logger).ParsePlaylist(cmd.Context(), args[0], "")
			if err != nil {
				return fmt.Errorf("failed to parse playlist: %w", err)
			}

			summaries := summarize(info)
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			return writeSummaries(cmd.OutOrStdout(), info.IsMaster, summaries)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}

func summarize(info *parser.PlaylistInfo) []trackSummary {
	out := make([]trackSummary, 0, len(info.Tracks))
	for _, t := range info.Tracks {
		seq := t.Sequence
		s := trackSummary{
			Sequence:       seq.ID(),
			Segments:       seq.Len(),
			TargetDuration: t.TargetDuration,
			Bandwidth:      t.Bandwidth,
			Resolution:     t.Resolution,
			Codecs:         t.Codecs,
		}
		if seq.Len() > 0 {
			s.FirstIndex = seq.NthIndexValue(0)
			s.LastIndex = seq.NthIndexValue(seq.Len() - 1)
		}
		for i := 0; i < seq.Len(); i++ {
			if seg, ok := seq.NthData(i).(*node.Segment); ok {
				s.Duration += seg.Duration()
			}
		}
		out = append(out, s)
	}
	return out
}

func writeSummaries(w io.Writer, master bool, summaries []trackSummary) error {
	kind := "media"
	if master {
		kind = "master"
	}
	fmt.Fprintf(w, "%s playlist, %d sequence(s)\n\n", kind, len(summaries))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQUENCE\tSEGMENTS\tINDEX (s)\tDURATION (s)\tBANDWIDTH\tRESOLUTION")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s..%s\t%.3f\t%d\t%s\n",
			s.Sequence, s.Segments, s.FirstIndex, s.LastIndex, s.Duration, s.Bandwidth, s.Resolution)
	}
	return tw.Flush()
}
