package cluster

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger returns the hclog.Logger handed to Raft. Raft is chatty, so
// it stays silent unless a level is configured.
func newRaftLogger(level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if level == "" || strings.EqualFold(level, "off") || lvl == hclog.NoLevel {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}
	return newHCLogger(os.Stderr, lvl)
}

func newHCLogger(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  level,
		Output: w,
	})
}
