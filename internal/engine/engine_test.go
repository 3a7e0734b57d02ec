package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/scene"
	"github.com/agleyzer/seqsync/internal/sequence"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	scene  *scene.Scene
	clock  *fakeClock
	engine *Engine
}

func newHarness() *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scn := scene.New(logger)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := New(scn, clock, logger)
	scn.Observe(e.HandleNodeModified)
	return &harness{scene: scn, clock: clock, engine: e}
}

func markupsAt(x float64) *node.Markups {
	m := node.NewMarkups()
	m.AddPoint(r3.Vec{X: x})
	return m
}

// pointsSequence builds a markups sequence with one point per item whose X
// equals the index value.
func pointsSequence(t *testing.T, id, name string, values ...float64) *sequence.Sequence {
	t.Helper()
	s := sequence.New(id, name)
	for _, v := range values {
		_, err := s.Set(markupsAt(v), sequence.FormatNumericIndex(v))
		require.NoError(t, err)
	}
	return s
}

func (h *harness) browserWith(t *testing.T, seqs ...*sequence.Sequence) *browser.Browser {
	t.Helper()
	b := browser.New("b1", "Browser")
	require.NoError(t, h.engine.AddBrowser(b))
	for _, s := range seqs {
		_, err := h.engine.AddSynchronizedSequence(b, s, "")
		require.NoError(t, err)
	}
	return b
}

func (h *harness) proxy(t *testing.T, b *browser.Browser, seqID string) *node.Markups {
	t.Helper()
	n := h.scene.Node(b.ProxyID(seqID))
	require.NotNil(t, n, "no proxy for %s", seqID)
	m, ok := n.(*node.Markups)
	require.True(t, ok, "proxy is %T", n)
	return m
}

func pointX(t *testing.T, n node.Node) float64 {
	t.Helper()
	m, ok := n.(*node.Markups)
	require.True(t, ok)
	require.Equal(t, 1, m.NumPoints())
	return m.Point(0).X
}

func TestUpdateProxies_CreatesAndReusesProxy(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "pts", "Points", 0, 5, 10)
	b := h.browserWith(t, master)

	_, err := h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)

	p := h.proxy(t, b, "pts")
	assert.Equal(t, 5.0, pointX(t, p))
	assert.Equal(t, "Points [time=5s]", p.Name())
	assert.Equal(t, "Points", p.Attribute(browser.BaseNameAttribute))
	assert.True(t, h.scene.HasDisplay(p.ID()))
	assert.True(t, h.scene.HasStorage(p.ID()))

	_, err = h.engine.SelectNextItem(b, 1)
	require.NoError(t, err)
	assert.Same(t, p, h.proxy(t, b, "pts"), "proxy of matching type must be reused")
	assert.Equal(t, 10.0, pointX(t, p))

	// Without save-changes the proxy holds a private copy.
	p.SetPoint(0, r3.Vec{X: 99})
	assert.Equal(t, 10.0, pointX(t, master.At("10", true)))
}

func TestUpdateProxies_PushNeverEntersPull(t *testing.T) {
	h := newHarness()
	b := h.browserWith(t, pointsSequence(t, "pts", "Points", 0, 5, 10))

	for i := 0; i < 3; i++ {
		_, err := h.engine.SetSelectedItem(b, i)
		require.NoError(t, err)
	}

	stats := h.engine.Stats()
	assert.Equal(t, uint64(3), stats.Pushes)
	assert.Equal(t, uint64(0), stats.Pulls, "pull entered during push")
	assert.Positive(t, stats.SuppressedPulls)
	assert.False(t, h.engine.pushing.held("b1"))
	assert.False(t, h.engine.pulling.held("b1"))

	// An edit outside a push is a real pull.
	h.proxy(t, b, "pts").AddPoint(r3.Vec{X: 1})
	assert.Equal(t, uint64(1), h.engine.Stats().Pulls)
}

func TestUpdateProxies_NothingWhileRecording(t *testing.T) {
	h := newHarness()
	b := h.browserWith(t, pointsSequence(t, "pts", "Points", 0, 5))
	require.NoError(t, h.engine.SetRecordingActive(b, true))

	require.NoError(t, h.engine.UpdateProxies(b))
	assert.Equal(t, uint64(0), h.engine.Stats().Pushes)
	assert.Empty(t, b.ProxyID("pts"))
}

func TestUpdateProxies_NoMasterRemovesProxies(t *testing.T) {
	h := newHarness()
	b := h.browserWith(t, pointsSequence(t, "pts", "Points", 0))
	require.NoError(t, h.engine.UpdateProxies(b))
	proxyID := b.ProxyID("pts")
	require.NotEmpty(t, proxyID)

	b.SetMaster(nil)
	require.NoError(t, h.engine.UpdateProxies(b))
	assert.Nil(t, h.scene.Node(proxyID))
	assert.Empty(t, b.ProxyIDs())
}

func TestUpdateProxies_ReplacesProxyOfOtherType(t *testing.T) {
	h := newHarness()
	tr, err := h.scene.AddNode(node.NewTransform())
	require.NoError(t, err)

	b := h.browserWith(t)
	_, err = h.engine.AddSynchronizedSequence(b, pointsSequence(t, "pts", "Points", 0), tr.ID())
	require.NoError(t, err)

	require.NoError(t, h.engine.UpdateProxies(b))
	assert.Nil(t, h.scene.Node(tr.ID()))
	assert.Equal(t, 0.0, pointX(t, h.proxy(t, b, "pts")))
}

func TestUpdateProxies_MissingItemModes(t *testing.T) {
	tests := []struct {
		name        string
		mode        browser.MissingItemMode
		wantItems   []string
		wantPoints  int
		wantVisible bool
	}{
		{"create from default", browser.CreateFromDefault, []string{"3"}, 0, true},
		{"set to default", browser.SetToDefault, nil, 0, true},
		{"create from previous", browser.CreateFromPrevious, []string{"3"}, 1, true},
		{"ignore", browser.Ignore, nil, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			proxy, err := h.scene.AddNode(markupsAt(7))
			require.NoError(t, err)

			b := h.browserWith(t, pointsSequence(t, "master", "Master", 0, 3))
			labels := sequence.New("labels", "Labels")
			_, err = h.engine.AddSynchronizedSequence(b, labels, proxy.ID())
			require.NoError(t, err)
			st := b.Settings("labels")
			st.SaveChanges = true
			st.MissingItemMode = tt.mode

			_, err = h.engine.SetSelectedItem(b, 1)
			require.NoError(t, err)

			var got []string
			for _, it := range labels.Items() {
				got = append(got, it.IndexValue)
			}
			assert.Equal(t, tt.wantItems, got)
			p := h.proxy(t, b, "labels")
			assert.Equal(t, proxy.ID(), p.ID())
			assert.Equal(t, tt.wantPoints, p.NumPoints())
			assert.Equal(t, tt.wantVisible, p.Visible())
			if len(got) == 1 {
				assert.Equal(t, tt.wantPoints, labels.NthData(0).(*node.Markups).NumPoints())
			}
		})
	}
}

func TestUpdateProxies_DefaultContentWithoutSaveChanges(t *testing.T) {
	for _, mode := range []browser.MissingItemMode{browser.CreateFromDefault, browser.SetToDefault} {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness()
			labels := pointsSequence(t, "labels", "Labels", 0)
			b := h.browserWith(t, pointsSequence(t, "master", "Master", 0, 3), labels)
			st := b.Settings("labels")
			st.SaveChanges = false
			st.MissingItemMode = mode

			_, err := h.engine.SetSelectedItem(b, 0)
			require.NoError(t, err)
			p := h.proxy(t, b, "labels")
			require.Equal(t, 1, p.NumPoints())

			_, err = h.engine.SetSelectedItem(b, 1)
			require.NoError(t, err)
			assert.Same(t, p, h.proxy(t, b, "labels"))
			assert.Equal(t, 0, p.NumPoints(), "proxy shows default content")
			assert.True(t, p.Visible())
			assert.Equal(t, 1, labels.Len(), "no item created")
			assert.Equal(t, 1, labels.NthData(0).(*node.Markups).NumPoints())
		})
	}
}

func TestUpdateProxies_SaveChangesSharesContent(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "pts", "Points", 0, 5)
	b := h.browserWith(t, master)
	b.Settings("pts").SaveChanges = true

	_, err := h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)
	p := h.proxy(t, b, "pts")
	require.Equal(t, 5.0, pointX(t, p))

	stored := master.At("5", true).(*node.Markups)
	stored.SetPoint(0, r3.Vec{X: 42})
	assert.Equal(t, 42.0, pointX(t, p), "proxy shares the stored item's points")
}

func TestUpdateProxies_EmptySequenceWithoutSelectionIsNotSeeded(t *testing.T) {
	h := newHarness()
	proxy, err := h.scene.AddNode(markupsAt(7))
	require.NoError(t, err)

	b := h.browserWith(t)
	labels, err := h.engine.AddSynchronizedSequence(b, nil, proxy.ID())
	require.NoError(t, err)
	b.Settings(labels.ID()).SaveChanges = true

	require.Equal(t, -1, b.SelectedItem())
	require.NoError(t, h.engine.UpdateProxies(b))
	assert.Equal(t, 0, labels.Len())
}

func TestUpdateProxies_DisplayHidden(t *testing.T) {
	h := newHarness()
	b := h.browserWith(t, pointsSequence(t, "master", "Master", 0, 5), pointsSequence(t, "sparse", "Sparse", 0))
	b.Settings("sparse").MissingItemMode = browser.DisplayHidden

	_, err := h.engine.SetSelectedItem(b, 0)
	require.NoError(t, err)
	p := h.proxy(t, b, "sparse")
	require.True(t, p.Visible())

	_, err = h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)
	assert.False(t, p.Visible())
	assert.Equal(t, 0.0, pointX(t, p), "hidden proxy keeps its content")

	_, err = h.engine.SetSelectedItem(b, 0)
	require.NoError(t, err)
	assert.True(t, p.Visible())
}

func TestUpdateProxies_UnresolvableContinuesWithOthers(t *testing.T) {
	h := newHarness()
	b := h.browserWith(t, pointsSequence(t, "master", "Master", 0, 5), pointsSequence(t, "late", "Late", 5))
	b.Settings("late").SaveChanges = true

	_, err := h.engine.SetSelectedItem(b, 0)
	assert.ErrorIs(t, err, ErrUnresolvableSnapshot)
	assert.Equal(t, 0.0, pointX(t, h.proxy(t, b, "master")))
	assert.Empty(t, b.ProxyID("late"))
	assert.False(t, h.engine.pushing.held("b1"))
}

func TestUpdateProxies_Naming(t *testing.T) {
	h := newHarness()
	singleton := node.NewMarkups()
	singleton.SetName("Crosshair")
	singleton.SetSingletonTag("crosshair")
	_, err := h.scene.AddNode(singleton)
	require.NoError(t, err)

	b := h.browserWith(t, pointsSequence(t, "pts", "Points", 0, 5, 10))
	_, err = h.engine.AddSynchronizedSequence(b, pointsSequence(t, "cross", "Cross", 0), singleton.ID())
	require.NoError(t, err)
	b.SetIndexDisplayMode(browser.DisplayOrdinal)

	_, err = h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)
	assert.Equal(t, "Points [2/3]", h.proxy(t, b, "pts").Name())
	assert.Equal(t, "Crosshair", singleton.Name())

	b.Settings("pts").OverwriteProxyName = false
	h.proxy(t, b, "pts").SetName("mine")
	_, err = h.engine.SetSelectedItem(b, 2)
	require.NoError(t, err)
	assert.Equal(t, "mine", h.proxy(t, b, "pts").Name())
}

func TestProxyModified_SavesChanges(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "pts", "Points", 0, 5)
	b := h.browserWith(t, master)
	b.Settings("pts").SaveChanges = true

	_, err := h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)

	edited := markupsAt(42)
	p := h.proxy(t, b, "pts")
	p.StartModify()
	require.NoError(t, p.CopyContent(edited, true))
	p.EndModify()

	assert.Equal(t, uint64(1), h.engine.Stats().Pulls)
	assert.Equal(t, 42.0, pointX(t, master.At("5", true)))
	assert.Equal(t, 0.0, pointX(t, master.At("0", true)))
}

func TestProxyModified_SetToDefaultRevertsEdit(t *testing.T) {
	h := newHarness()
	sparse := pointsSequence(t, "sparse", "Sparse", 0)
	b := h.browserWith(t, pointsSequence(t, "master", "Master", 0, 5), sparse)
	st := b.Settings("sparse")
	st.SaveChanges = true
	st.MissingItemMode = browser.SetToDefault

	_, err := h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)
	p := h.proxy(t, b, "sparse")
	require.Equal(t, 0, p.NumPoints())

	p.AddPoint(r3.Vec{X: 3})
	assert.Equal(t, 0, p.NumPoints(), "edit at a missing item must be reverted")
	assert.Equal(t, 1, sparse.Len())
	assert.Equal(t, 0.0, pointX(t, sparse.NthData(0)))
}

func TestProxyModified_Guards(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "pts", "Points", 0)
	b := h.browserWith(t, master)
	b.Settings("pts").SaveChanges = true
	require.NoError(t, h.engine.UpdateProxies(b))
	p := h.proxy(t, b, "pts")

	require.NoError(t, h.engine.SetPlaybackActive(b, true))
	p.SetPoint(0, r3.Vec{X: 1})
	assert.Equal(t, uint64(0), h.engine.Stats().Pulls, "edits are ignored during playback")

	assert.ErrorIs(t, h.engine.ProxyModified(nil, p.ID()), ErrInvalidReference)

	require.NoError(t, h.engine.SetPlaybackActive(b, false))
	assert.ErrorIs(t, h.engine.ProxyModified(b, "missing"), ErrInvalidReference)

	b.SetMaster(nil)
	assert.ErrorIs(t, h.engine.ProxyModified(b, p.ID()), ErrInvalidReference)
}

func TestRecording(t *testing.T) {
	tests := []struct {
		name       string
		masterOnly bool
		wantAfter  int
	}{
		{"record master only", true, 1},
		{"record every edit", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			master := pointsSequence(t, "master", "Master", 0)
			other := pointsSequence(t, "other", "Other", 0)
			b := h.browserWith(t, master, other)
			b.SetRecordMasterOnly(tt.masterOnly)
			require.NoError(t, h.engine.UpdateProxies(b))

			require.NoError(t, h.engine.SetRecordingActive(b, true))
			h.clock.Advance(2500 * time.Millisecond)

			h.proxy(t, b, "other").SetPoint(0, r3.Vec{X: 8})
			assert.Equal(t, tt.wantAfter, master.Len(), "after non-master edit")

			h.clock.Advance(time.Second)
			h.proxy(t, b, "master").SetPoint(0, r3.Vec{X: 9})
			assert.Equal(t, tt.wantAfter+1, master.Len(), "after master edit")
			assert.Equal(t, master.Len(), other.Len())

			last := master.Len() - 1
			assert.Equal(t, "3.5", master.NthIndexValue(last))
			assert.Equal(t, "3.5", other.NthIndexValue(last))
			assert.Equal(t, 9.0, pointX(t, master.NthData(last)))
			assert.Equal(t, 8.0, pointX(t, other.NthData(last)))
			assert.Equal(t, last, b.SelectedItem())
			assert.Equal(t, uint64(master.Len()-1), h.engine.Stats().Recorded)
		})
	}
}

func TestRecording_IndexAlwaysAppends(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "master", "Master", 0, 10)
	b := h.browserWith(t, master)
	require.NoError(t, h.engine.UpdateProxies(b))
	require.NoError(t, h.engine.SetRecordingActive(b, true))

	h.clock.Advance(time.Second)
	h.proxy(t, b, "master").SetPoint(0, r3.Vec{X: 1})
	assert.Equal(t, "11", master.NthIndexValue(2))
}

func TestRecording_AppendsNearLastIndex(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "master", "Master", 0, 1)
	b := h.browserWith(t, master)
	b.SetRecordMasterOnly(true)
	require.NoError(t, h.engine.UpdateProxies(b))
	require.NoError(t, h.engine.SetRecordingActive(b, true))

	// 1.0012 formats as "1.001", which equals "1" within the index tolerance.
	h.clock.Advance(1001200 * time.Microsecond)
	h.proxy(t, b, "master").SetPoint(0, r3.Vec{X: 7})

	require.Equal(t, 3, master.Len())
	assert.Equal(t, "1", master.NthIndexValue(1))
	assert.Equal(t, 1.0, pointX(t, master.NthData(1)), "existing item untouched")
	assert.Equal(t, "2", master.NthIndexValue(2))
	assert.Equal(t, 7.0, pointX(t, master.NthData(2)))
}

func TestRecording_RequiresNumericMaster(t *testing.T) {
	h := newHarness()
	labels := sequence.New("labels", "Labels")
	labels.SetIndex("phase", "", sequence.IndexText)
	b := h.browserWith(t, labels)
	assert.ErrorIs(t, h.engine.SetRecordingActive(b, true), ErrInvalidReference)
	assert.False(t, b.RecordingActive())
}

func TestAddSynchronizedSequence(t *testing.T) {
	h := newHarness()
	master := pointsSequence(t, "master", "Master", 0)
	b := h.browserWith(t, master)
	require.NoError(t, h.engine.SetPlaybackActive(b, true))

	t.Run("rejects incompatible unit", func(t *testing.T) {
		ms := sequence.New("ms", "Milliseconds")
		ms.SetIndex("time", "ms", sequence.IndexNumeric)
		_, err := h.engine.AddSynchronizedSequence(b, ms, "")
		assert.ErrorIs(t, err, ErrIncompatibleSequence)
		assert.Len(t, b.Synchronized(), 1)
		assert.False(t, b.IsSynchronized("ms"))
	})

	t.Run("creates sequence named after proxy", func(t *testing.T) {
		p := markupsAt(1)
		p.SetName("Fiducials")
		_, err := h.scene.AddNode(p)
		require.NoError(t, err)

		seq, err := h.engine.AddSynchronizedSequence(b, nil, p.ID())
		require.NoError(t, err)
		assert.Equal(t, "Fiducials-Sequence", seq.Name())
		assert.True(t, master.Compatible(seq))
		assert.Equal(t, p.ID(), b.ProxyID(seq.ID()))
		assert.True(t, h.scene.HasDisplay(p.ID()))
		assert.Same(t, seq, h.engine.Sequence(seq.ID()))
		assert.False(t, b.PlaybackActive(), "linking stops playback")
	})

	t.Run("unknown proxy", func(t *testing.T) {
		_, err := h.engine.AddSynchronizedSequence(b, nil, "nope")
		assert.ErrorIs(t, err, ErrInvalidReference)
	})

	t.Run("nil browser", func(t *testing.T) {
		_, err := h.engine.AddSynchronizedSequence(nil, master, "")
		assert.ErrorIs(t, err, ErrInvalidReference)
	})
}

func TestQueries(t *testing.T) {
	h := newHarness()
	a := pointsSequence(t, "a", "A", 0)
	c := pointsSequence(t, "c", "C", 0)
	frames := sequence.New("frames", "Frames")
	frames.SetIndex("frame", "", sequence.IndexNumeric)
	require.NoError(t, h.engine.AddSequence(frames))

	b1 := browser.New("b1", "One")
	b2 := browser.New("b2", "Two")
	require.NoError(t, h.engine.AddBrowser(b1))
	require.NoError(t, h.engine.AddBrowser(b2))
	_, err := h.engine.AddSynchronizedSequence(b1, a, "")
	require.NoError(t, err)
	_, err = h.engine.AddSynchronizedSequence(b2, a, "")
	require.NoError(t, err)
	_, err = h.engine.AddSynchronizedSequence(b2, c, "")
	require.NoError(t, err)

	assert.Equal(t, []*sequence.Sequence{c}, h.engine.CompatibleSequences(a))
	assert.Equal(t, []*browser.Browser{b1, b2}, h.engine.BrowsersForSequence("a"))
	assert.Equal(t, []*browser.Browser{b2}, h.engine.BrowsersForSequence("c"))

	require.NoError(t, h.engine.UpdateProxies(b2))
	assert.Equal(t, []*browser.Browser{b2}, h.engine.BrowsersForProxy(b2.ProxyID("c")))
	assert.Empty(t, h.engine.BrowsersForProxy("unknown"))

	assert.Error(t, h.engine.AddBrowser(browser.New("b1", "dup")))
	assert.True(t, h.engine.RemoveBrowser("b1"))
	assert.False(t, h.engine.RemoveBrowser("b1"))
	assert.Nil(t, h.engine.Browser("b1"))

	assert.True(t, h.engine.RemoveSynchronizedSequence(b2, "c"))
	assert.Same(t, c, h.engine.Sequence("c"), "unlinking keeps the sequence")
}

func TestSelectionListeners(t *testing.T) {
	h := newHarness()
	b := h.browserWith(t, pointsSequence(t, "pts", "Points", 0, 5))
	var seen []int
	h.engine.OnSelectionChanged(func(b *browser.Browser) { seen = append(seen, b.SelectedItem()) })

	_, err := h.engine.SetSelectedItem(b, 1)
	require.NoError(t, err)
	_, err = h.engine.SelectNextItem(b, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, seen)

	var rates []float64
	h.engine.OnSelectionChanged(func(b *browser.Browser) { rates = append(rates, b.PlaybackRateFps()) })
	require.NoError(t, h.engine.SetPlaybackRate(b, 25))
	require.NoError(t, h.engine.SetPlaybackRate(b, 25))
	require.NoError(t, h.engine.SetPlaybackRate(b, -3))
	assert.Equal(t, []float64{25}, rates, "unchanged and invalid rates do not notify")
	assert.Error(t, h.engine.SetPlaybackRate(nil, 5))
}

func TestGuardSet(t *testing.T) {
	g := make(guardSet)
	release, ok := g.acquire("x")
	require.True(t, ok)
	_, again := g.acquire("x")
	assert.False(t, again)
	release()
	assert.False(t, g.held("x"))
}
