// Package engine keeps sequences and their proxy nodes in sync.
//
// Pushing copies the selected item of every synchronized sequence into its
// proxy. Pulling writes proxy edits back into the sequence, or records a new
// timepoint while recording. Each direction is guarded per browser so that
// the modified notifications a push raises never start a pull, and the
// reverse.
//
// An Engine is not safe for concurrent use. All calls must come from the
// goroutine that owns the scene; playback.Driver provides one.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/sequence"
)

// Scene registers the proxy nodes the engine creates.
type Scene interface {
	AddNode(n node.Node) (node.Node, error)
	RemoveNode(id string) bool
	Node(id string) node.Node
	CreateDefaultDisplay(n node.Node) error
	CreateDefaultStorage(n node.Node) error
}

// Clock reads the wall clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Stats counts engine activity.
type Stats struct {
	Pushes           uint64
	Pulls            uint64
	SuppressedPushes uint64
	SuppressedPulls  uint64
	Recorded         uint64
}

// Engine owns the browser and sequence registries.
type Engine struct {
	scene  Scene
	clock  Clock
	logger *slog.Logger

	browsers     map[string]*browser.Browser
	browserOrder []string
	sequences    map[string]*sequence.Sequence
	seqOrder     []string

	pushing guardSet
	pulling guardSet

	selectionListeners []func(*browser.Browser)
	stats              Stats
}

// New creates an engine that places proxies in scn. A nil clock selects
// SystemClock.
func New(scn Scene, clock Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		scene:     scn,
		clock:     clock,
		logger:    logger,
		browsers:  make(map[string]*browser.Browser),
		sequences: make(map[string]*sequence.Sequence),
		pushing:   make(guardSet),
		pulling:   make(guardSet),
	}
}

// Clock returns the engine's time source.
func (e *Engine) Clock() Clock { return e.clock }

// Stats returns a copy of the activity counters.
func (e *Engine) Stats() Stats { return e.stats }

// OnSelectionChanged registers fn to be called after a browser's selection
// or playback state changes through the engine.
func (e *Engine) OnSelectionChanged(fn func(*browser.Browser)) {
	e.selectionListeners = append(e.selectionListeners, fn)
}

func (e *Engine) notifySelection(b *browser.Browser) {
	for _, fn := range e.selectionListeners {
		fn(b)
	}
}

// AddSequence registers a sequence so that it can be browsed.
func (e *Engine) AddSequence(seq *sequence.Sequence) error {
	if seq == nil || seq.ID() == "" {
		return fmt.Errorf("add sequence: %w", ErrInvalidReference)
	}
	if existing, ok := e.sequences[seq.ID()]; ok {
		if existing == seq {
			return nil
		}
		return fmt.Errorf("add sequence: duplicate id %q", seq.ID())
	}
	e.sequences[seq.ID()] = seq
	e.seqOrder = append(e.seqOrder, seq.ID())
	return nil
}

// Sequence returns a registered sequence, or nil.
func (e *Engine) Sequence(id string) *sequence.Sequence { return e.sequences[id] }

// Sequences returns the registered sequences in registration order.
func (e *Engine) Sequences() []*sequence.Sequence {
	out := make([]*sequence.Sequence, 0, len(e.seqOrder))
	for _, id := range e.seqOrder {
		out = append(out, e.sequences[id])
	}
	return out
}

// AddBrowser registers a browser and the sequences it already synchronizes.
func (e *Engine) AddBrowser(b *browser.Browser) error {
	if b == nil || b.ID() == "" {
		return fmt.Errorf("add browser: %w", ErrInvalidReference)
	}
	if _, ok := e.browsers[b.ID()]; ok {
		return fmt.Errorf("add browser: duplicate id %q", b.ID())
	}
	for _, seq := range b.Synchronized() {
		if err := e.AddSequence(seq); err != nil {
			return fmt.Errorf("add browser %s: %w", b.ID(), err)
		}
	}
	e.browsers[b.ID()] = b
	e.browserOrder = append(e.browserOrder, b.ID())
	e.logger.Info("browser added", "browser", b.ID(), "sequences", len(b.Synchronized()))
	return nil
}

// RemoveBrowser unregisters a browser. Its proxies stay in the scene.
func (e *Engine) RemoveBrowser(id string) bool {
	if _, ok := e.browsers[id]; !ok {
		return false
	}
	delete(e.browsers, id)
	for i, existing := range e.browserOrder {
		if existing == id {
			e.browserOrder = append(e.browserOrder[:i], e.browserOrder[i+1:]...)
			break
		}
	}
	return true
}

// Browser returns a registered browser, or nil.
func (e *Engine) Browser(id string) *browser.Browser { return e.browsers[id] }

// Browsers returns the registered browsers in registration order.
func (e *Engine) Browsers() []*browser.Browser {
	out := make([]*browser.Browser, 0, len(e.browserOrder))
	for _, id := range e.browserOrder {
		out = append(out, e.browsers[id])
	}
	return out
}

// AddSynchronizedSequence links seq to b and, when proxyID is set, links
// that existing scene node as its proxy. A nil seq creates an empty
// sequence compatible with the master, named after the proxy. Playback and
// recording are stopped first.
func (e *Engine) AddSynchronizedSequence(b *browser.Browser, seq *sequence.Sequence, proxyID string) (*sequence.Sequence, error) {
	if b == nil {
		return nil, fmt.Errorf("add synchronized sequence: %w", ErrInvalidReference)
	}
	var proxy node.Node
	if proxyID != "" {
		if proxy = e.scene.Node(proxyID); proxy == nil {
			return nil, fmt.Errorf("add synchronized sequence: proxy %q: %w", proxyID, ErrInvalidReference)
		}
	}

	b.SetPlaybackActive(false)
	b.SetRecordingActive(false, e.clock.Now())

	if seq == nil {
		name := "Unnamed"
		if proxy != nil && proxy.Name() != "" {
			name = proxy.Name()
		}
		seq = sequence.New(uuid.NewString(), name+"-Sequence")
		if m := b.Master(); m != nil {
			seq.SetIndex(m.IndexName(), m.IndexUnit(), m.IndexType())
		}
	}

	if m := b.Master(); m != nil && !m.Compatible(seq) {
		e.logger.Warn("incompatible sequence rejected",
			"browser", b.ID(), "sequence", seq.ID(),
			"index", seq.IndexName(), "unit", seq.IndexUnit(), "master_index", m.IndexName(), "master_unit", m.IndexUnit())
		return nil, fmt.Errorf("add %s to browser %s: %w", seq.ID(), b.ID(), ErrIncompatibleSequence)
	}
	if err := e.AddSequence(seq); err != nil {
		return nil, err
	}
	if err := b.AddSynchronized(seq); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleSequence, err)
	}

	if proxy != nil {
		b.SetProxyID(seq.ID(), proxy.ID())
		if err := e.createCompanions(proxy); err != nil {
			return seq, err
		}
	}
	e.logger.Debug("sequence synchronized", "browser", b.ID(), "sequence", seq.ID(), "proxy", proxyID)
	return seq, nil
}

// RemoveSynchronizedSequence unlinks a sequence from b. The sequence and
// its proxy are left in place.
func (e *Engine) RemoveSynchronizedSequence(b *browser.Browser, seqID string) bool {
	if b == nil {
		return false
	}
	b.SetPlaybackActive(false)
	b.SetRecordingActive(false, e.clock.Now())
	return b.RemoveSynchronized(seqID)
}

// CompatibleSequences returns the registered sequences, other than master,
// that can be synchronized with it.
func (e *Engine) CompatibleSequences(master *sequence.Sequence) []*sequence.Sequence {
	if master == nil {
		return nil
	}
	var out []*sequence.Sequence
	for _, seq := range e.Sequences() {
		if seq != master && master.Compatible(seq) {
			out = append(out, seq)
		}
	}
	return out
}

// BrowsersForSequence returns the browsers synchronizing a sequence.
func (e *Engine) BrowsersForSequence(seqID string) []*browser.Browser {
	var out []*browser.Browser
	for _, b := range e.Browsers() {
		if b.IsSynchronized(seqID) {
			out = append(out, b)
		}
	}
	return out
}

// BrowsersForProxy returns the browsers that use a node as a proxy.
func (e *Engine) BrowsersForProxy(nodeID string) []*browser.Browser {
	var out []*browser.Browser
	for _, b := range e.Browsers() {
		if b.IsProxy(nodeID) {
			out = append(out, b)
		}
	}
	return out
}

// HandleNodeModified routes a scene modified notification to every browser
// using n as a proxy. Install it with scene.Observe.
func (e *Engine) HandleNodeModified(n node.Node) {
	if n == nil {
		return
	}
	for _, b := range e.BrowsersForProxy(n.ID()) {
		if err := e.ProxyModified(b, n.ID()); err != nil {
			e.logger.Error("proxy update failed", "browser", b.ID(), "proxy", n.ID(), "error", err)
		}
	}
}

// SetSelectedItem selects a master item and pushes it to the proxies.
func (e *Engine) SetSelectedItem(b *browser.Browser, n int) (int, error) {
	if b == nil {
		return -1, fmt.Errorf("select item: %w", ErrInvalidReference)
	}
	selected := b.SetSelectedItem(n)
	err := e.UpdateProxies(b)
	e.notifySelection(b)
	return selected, err
}

// SelectNextItem moves the selection by delta and pushes the result.
func (e *Engine) SelectNextItem(b *browser.Browser, delta int) (int, error) {
	if b == nil {
		return -1, fmt.Errorf("select next item: %w", ErrInvalidReference)
	}
	selected := b.SelectNextItem(delta)
	err := e.UpdateProxies(b)
	e.notifySelection(b)
	return selected, err
}

// SetPlaybackActive starts or stops playback.
func (e *Engine) SetPlaybackActive(b *browser.Browser, active bool) error {
	if b == nil {
		return fmt.Errorf("set playback: %w", ErrInvalidReference)
	}
	if b.PlaybackActive() == active {
		return nil
	}
	b.SetPlaybackActive(active)
	e.logger.Info("playback changed", "browser", b.ID(), "active", active, "rate_fps", b.PlaybackRateFps())
	e.notifySelection(b)
	return nil
}

// SetPlaybackRate changes the playback rate. Non-positive rates are ignored.
func (e *Engine) SetPlaybackRate(b *browser.Browser, fps float64) error {
	if b == nil {
		return fmt.Errorf("set playback rate: %w", ErrInvalidReference)
	}
	if fps <= 0 || fps == b.PlaybackRateFps() {
		return nil
	}
	b.SetPlaybackRateFps(fps)
	e.notifySelection(b)
	return nil
}

// SetRecordingActive starts or stops recording. Proxies are refreshed from
// the sequences when recording stops.
func (e *Engine) SetRecordingActive(b *browser.Browser, active bool) error {
	if b == nil {
		return fmt.Errorf("set recording: %w", ErrInvalidReference)
	}
	if active {
		if m := b.Master(); m == nil || m.IndexType() != sequence.IndexNumeric {
			return fmt.Errorf("start recording on %s: numeric master required: %w", b.ID(), ErrInvalidReference)
		}
	}
	if b.RecordingActive() == active {
		return nil
	}
	b.SetRecordingActive(active, e.clock.Now())
	e.logger.Info("recording changed", "browser", b.ID(), "active", active)
	e.notifySelection(b)
	if !active {
		return e.UpdateProxies(b)
	}
	return nil
}

// UpdateAll pushes every browser.
func (e *Engine) UpdateAll() error {
	var errs []error
	for _, b := range e.Browsers() {
		if err := e.UpdateProxies(b); err != nil {
			errs = append(errs, fmt.Errorf("browser %s: %w", b.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) inProgress(id string) bool {
	return e.pushing.held(id) || e.pulling.held(id)
}

// proxyNode resolves the proxy of seq, dropping links to nodes that left
// the scene.
func (e *Engine) proxyNode(b *browser.Browser, seq *sequence.Sequence) node.Node {
	id := b.ProxyID(seq.ID())
	if id == "" {
		return nil
	}
	n := e.scene.Node(id)
	if n == nil {
		e.logger.Debug("dropping stale proxy link", "browser", b.ID(), "sequence", seq.ID(), "proxy", id)
		b.SetProxyID(seq.ID(), "")
	}
	return n
}

func (e *Engine) createCompanions(n node.Node) error {
	if err := e.scene.CreateDefaultDisplay(n); err != nil {
		return fmt.Errorf("%w: display for %s: %v", ErrRecreateFailed, n.ID(), err)
	}
	if err := e.scene.CreateDefaultStorage(n); err != nil {
		return fmt.Errorf("%w: storage for %s: %v", ErrRecreateFailed, n.ID(), err)
	}
	return nil
}
