package cluster

import (
	"context"
	"log/slog"

	"github.com/agleyzer/seqsync/internal/engine"
	"github.com/agleyzer/seqsync/internal/playback"
)

// Follow returns an ApplyFunc that moves local browsers to committed
// selections. Engine access goes through the driver so that Raft's apply
// goroutine never touches the engine directly. Playback itself runs only on
// the leader; followers track its selection.
func Follow(ctx context.Context, d *playback.Driver, logger *slog.Logger) ApplyFunc {
	return func(st BrowserState) {
		err := d.Do(ctx, func(e *engine.Engine) error {
			b := e.Browser(st.ID)
			if b == nil || st.SelectedItem < 0 || b.SelectedItem() == st.SelectedItem {
				return nil
			}
			if st.RateFps > 0 {
				b.SetPlaybackRateFps(st.RateFps)
			}
			_, err := e.SetSelectedItem(b, st.SelectedItem)
			return err
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to follow committed selection", "browser", st.ID, "item", st.SelectedItem, "error", err)
		}
	}
}
