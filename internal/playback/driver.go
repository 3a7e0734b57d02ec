// Package playback advances browsers in wall-clock time and serializes all
// access to the engine onto one goroutine.
package playback

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/agleyzer/seqsync/internal/engine"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = 20 * time.Millisecond

type request struct {
	fn   func(*engine.Engine) error
	done chan error
}

// Driver ticks playback and runs engine calls submitted through Do.
// Only the goroutine running Run touches the engine once Run has started.
type Driver struct {
	engine   *engine.Engine
	clock    engine.Clock
	interval time.Duration
	logger   *slog.Logger

	lastUpdate map[string]time.Time
	epochs     map[string]uint64

	requests chan request
}

// New creates a driver for e. A non-positive interval selects
// DefaultInterval.
func New(e *engine.Engine, interval time.Duration, logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Driver{
		engine:     e,
		clock:      e.Clock(),
		interval:   interval,
		logger:     logger,
		lastUpdate: make(map[string]time.Time),
		epochs:     make(map[string]uint64),
		requests:   make(chan request),
	}
}

// Increment returns how many items to advance after elapsed seconds at
// rateFps. Rounding is half-up; without item skipping any positive result
// becomes one.
func Increment(elapsed, rateFps float64, itemSkipping bool) int {
	n := int(math.Floor(elapsed*rateFps + 0.5))
	if n <= 0 {
		return 0
	}
	if !itemSkipping {
		return 1
	}
	return n
}

// Tick advances every browser whose playback is active.
func (d *Driver) Tick() {
	now := d.clock.Now()
	for _, b := range d.engine.Browsers() {
		id := b.ID()
		if !b.PlaybackActive() {
			delete(d.lastUpdate, id)
			delete(d.epochs, id)
			continue
		}

		last, ok := d.lastUpdate[id]
		if !ok || d.epochs[id] != b.PlaybackEpoch() {
			// First tick of this run: start timing without jumping.
			d.lastUpdate[id] = now
			d.epochs[id] = b.PlaybackEpoch()
			continue
		}

		inc := Increment(now.Sub(last).Seconds(), b.PlaybackRateFps(), b.PlaybackItemSkipping())
		if inc == 0 {
			continue
		}
		d.lastUpdate[id] = now

		selected, err := d.engine.SelectNextItem(b, inc)
		if err != nil {
			d.logger.Warn("playback update failed", "browser", id, "error", err)
		}
		d.logger.Debug("playback advanced", "browser", id, "increment", inc, "selected", selected)
		if !b.PlaybackActive() {
			d.logger.Info("playback reached end", "browser", id, "selected", selected)
		}
	}
}

// Run ticks at the configured interval and executes submitted requests
// until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("starting playback driver", "interval", d.interval, "browsers", len(d.engine.Browsers()))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stopping playback driver")
			return ctx.Err()
		case <-ticker.C:
			d.Tick()
		case req := <-d.requests:
			req.done <- req.fn(d.engine)
		}
	}
}

// Do runs fn on the driver goroutine and returns its error. It blocks until
// fn has run or ctx is done.
func (d *Driver) Do(ctx context.Context, fn func(*engine.Engine) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
