package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/engine"
	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/scene"
	"github.com/agleyzer/seqsync/internal/sequence"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDriver(t *testing.T, items int) (*Driver, *browser.Browser, *fakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := engine.New(scene.New(logger), clock, logger)

	seq := sequence.New("tf", "Transform")
	for i := 0; i < items; i++ {
		_, err := seq.Set(node.NewTransform(), sequence.FormatNumericIndex(float64(i)))
		require.NoError(t, err)
	}
	b := browser.New("b1", "Browser")
	require.NoError(t, e.AddBrowser(b))
	_, err := e.AddSynchronizedSequence(b, seq, "")
	require.NoError(t, err)

	return New(e, time.Millisecond, logger), b, clock
}

func TestIncrement(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  float64
		rate     float64
		skipping bool
		want     int
	}{
		{"rounds down", 1.24, 2, true, 2},
		{"rounds half up", 0.25, 2, true, 1},
		{"below half", 0.2, 2, true, 0},
		{"many items", 1, 30, true, 30},
		{"no skipping clamps to one", 1.24, 2, false, 1},
		{"no skipping below threshold", 0.2, 2, false, 0},
		{"no skipping rounds half up", 0.3, 2, false, 1},
		{"no time", 0, 10, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Increment(tt.elapsed, tt.rate, tt.skipping))
		})
	}
}

func TestTick_AdvancesByElapsedTime(t *testing.T) {
	d, b, clock := newTestDriver(t, 10)
	b.SetPlaybackRateFps(2)
	b.SetPlaybackActive(true)

	d.Tick()
	assert.Equal(t, 0, b.SelectedItem(), "first tick only starts timing")

	clock.Advance(1240 * time.Millisecond)
	d.Tick()
	assert.Equal(t, 2, b.SelectedItem())

	// Not enough time for another item: the timestamp must not move.
	clock.Advance(200 * time.Millisecond)
	d.Tick()
	assert.Equal(t, 2, b.SelectedItem())
	clock.Advance(100 * time.Millisecond)
	d.Tick()
	assert.Equal(t, 3, b.SelectedItem())
}

func TestTick_WithoutItemSkipping(t *testing.T) {
	d, b, clock := newTestDriver(t, 10)
	b.SetPlaybackRateFps(2)
	b.SetPlaybackItemSkipping(false)
	b.SetPlaybackActive(true)

	d.Tick()
	clock.Advance(5 * time.Second)
	d.Tick()
	assert.Equal(t, 1, b.SelectedItem())
}

func TestTick_EndOfSequence(t *testing.T) {
	tests := []struct {
		name       string
		looped     bool
		wantItem   int
		wantActive bool
	}{
		{"looped wraps", true, 1, true},
		{"clamped stops", false, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, b, clock := newTestDriver(t, 4)
			b.SetPlaybackLooped(tt.looped)
			b.SetSelectedItem(3)
			b.SetPlaybackRateFps(2)
			b.SetPlaybackActive(true)

			d.Tick()
			clock.Advance(time.Second)
			d.Tick()
			assert.Equal(t, tt.wantItem, b.SelectedItem())
			assert.Equal(t, tt.wantActive, b.PlaybackActive())
		})
	}
}

func TestTick_ForgetsTimestampWhenStopped(t *testing.T) {
	d, b, clock := newTestDriver(t, 10)
	b.SetPlaybackActive(true)
	d.Tick()
	require.Contains(t, d.lastUpdate, "b1")

	b.SetPlaybackActive(false)
	d.Tick()
	assert.NotContains(t, d.lastUpdate, "b1")

	// Restarting after a long pause must not jump.
	clock.Advance(time.Minute)
	b.SetPlaybackActive(true)
	d.Tick()
	assert.Equal(t, 0, b.SelectedItem())
}

func TestTick_RestartBetweenTicksResetsTiming(t *testing.T) {
	d, b, clock := newTestDriver(t, 10)
	b.SetPlaybackActive(true)
	d.Tick()

	clock.Advance(time.Minute)
	b.SetPlaybackActive(false)
	b.SetPlaybackActive(true)
	d.Tick()
	assert.Equal(t, 0, b.SelectedItem())

	clock.Advance(100 * time.Millisecond)
	d.Tick()
	assert.Equal(t, 1, b.SelectedItem())
}

func TestRunAndDo(t *testing.T) {
	d, b, _ := newTestDriver(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	err := d.Do(ctx, func(e *engine.Engine) error {
		_, err := e.SetSelectedItem(e.Browser("b1"), 4)
		return err
	})
	require.NoError(t, err)

	var selected int
	require.NoError(t, d.Do(ctx, func(e *engine.Engine) error {
		selected = b.SelectedItem()
		return nil
	}))
	assert.Equal(t, 4, selected)

	boom := errors.New("boom")
	assert.ErrorIs(t, d.Do(ctx, func(*engine.Engine) error { return boom }), boom)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	assert.ErrorIs(t, d.Do(ctx, func(*engine.Engine) error { return nil }), context.Canceled)
}
