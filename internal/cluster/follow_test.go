package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/engine"
	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/playback"
	"github.com/agleyzer/seqsync/internal/scene"
	"github.com/agleyzer/seqsync/internal/sequence"
)

type followView struct {
	selected int
	rate     float64
	pushes   uint64
	uri      string
}

func TestFollow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scn := scene.New(logger)
	e := engine.New(scn, nil, logger)

	seq := sequence.New("cam", "cam")
	for i, uri := range []string{"seg0.ts", "seg1.ts", "seg2.ts"} {
		seg := node.NewSegment()
		seg.SetMedia(uri, 10, i)
		if _, err := seq.Set(seg, sequence.FormatNumericIndex(float64(i)*10)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	b := browser.New("b1", "Browser")
	if err := e.AddBrowser(b); err != nil {
		t.Fatalf("AddBrowser() error = %v", err)
	}
	if _, err := e.AddSynchronizedSequence(b, seq, ""); err != nil {
		t.Fatalf("AddSynchronizedSequence() error = %v", err)
	}
	if _, err := e.SetSelectedItem(b, 0); err != nil {
		t.Fatalf("SetSelectedItem() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := playback.New(e, time.Hour, logger)
	go d.Run(ctx)

	view := func(t *testing.T) followView {
		t.Helper()
		var v followView
		err := d.Do(ctx, func(e *engine.Engine) error {
			b := e.Browser("b1")
			v.selected = b.SelectedItem()
			v.rate = b.PlaybackRateFps()
			v.pushes = e.Stats().Pushes
			if seg, ok := scn.Node(b.ProxyID("cam")).(*node.Segment); ok {
				v.uri = seg.URI()
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		return v
	}

	apply := Follow(ctx, d, logger)
	start := view(t)
	if start.selected != 0 || start.uri != "seg0.ts" {
		t.Fatalf("initial view = %+v", start)
	}

	tests := []struct {
		name       string
		state      BrowserState
		wantItem   int
		wantURI    string
		wantPushed bool
	}{
		{"unknown browser", BrowserState{ID: "missing", SelectedItem: 2}, 0, "seg0.ts", false},
		{"no selection", BrowserState{ID: "b1", SelectedItem: -1}, 0, "seg0.ts", false},
		{"unchanged selection", BrowserState{ID: "b1", SelectedItem: 0, RateFps: 5}, 0, "seg0.ts", false},
		{"changed selection", BrowserState{ID: "b1", SelectedItem: 2, RateFps: 5}, 2, "seg2.ts", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := view(t)
			apply(tt.state)
			after := view(t)

			if after.selected != tt.wantItem {
				t.Errorf("selected = %d, want %d", after.selected, tt.wantItem)
			}
			if after.uri != tt.wantURI {
				t.Errorf("proxy uri = %q, want %q", after.uri, tt.wantURI)
			}
			if pushed := after.pushes > before.pushes; pushed != tt.wantPushed {
				t.Errorf("pushes %d -> %d, want pushed = %v", before.pushes, after.pushes, tt.wantPushed)
			}
		})
	}

	if got := view(t).rate; got != 5 {
		t.Errorf("rate = %v, want 5 from the changed selection", got)
	}
}
