package engine

import (
	"errors"
	"fmt"

	"github.com/agleyzer/seqsync/internal/browser"
)

// ProxyModified writes an edited proxy back into b's sequences. While
// recording it appends a timepoint holding every proxy; otherwise it
// updates the item at the selection of the sequence the proxy mirrors,
// when that sequence saves changes. Edits are ignored during playback and
// while b is already being updated.
func (e *Engine) ProxyModified(b *browser.Browser, proxyID string) error {
	if b == nil {
		return fmt.Errorf("proxy modified: %w", ErrInvalidReference)
	}
	if e.inProgress(b.ID()) {
		e.stats.SuppressedPulls++
		e.logger.Debug("pull suppressed", "browser", b.ID(), "proxy", proxyID)
		return nil
	}
	if b.PlaybackActive() {
		return nil
	}
	master := b.Master()
	if master == nil {
		return fmt.Errorf("browser %s has no master sequence: %w", b.ID(), ErrInvalidReference)
	}
	proxy := e.scene.Node(proxyID)
	if proxy == nil {
		return fmt.Errorf("proxy %q: %w", proxyID, ErrInvalidReference)
	}

	release, _ := e.pulling.acquire(b.ID())
	defer release()
	e.stats.Pulls++

	if b.RecordingActive() {
		if b.RecordMasterOnly() && b.ProxyID(master.ID()) != proxyID {
			return nil
		}
		return e.recordTimepoint(b)
	}

	seq := b.SequenceForProxy(proxyID)
	if seq == nil || b.SelectedItem() < 0 {
		return nil
	}
	st := b.Settings(seq.ID())
	if st == nil || !st.SaveChanges {
		return nil
	}

	indexValue := master.NthIndexValue(b.SelectedItem())
	// Without an exact item the selection shows default content that is
	// not stored, so the edit cannot be kept.
	exact := st.MissingItemMode == browser.SetToDefault
	if seq.ItemNumber(indexValue, exact) >= 0 {
		if err := seq.Update(indexValue, proxy, true); err != nil {
			return fmt.Errorf("update %s at %s: %w", seq.ID(), indexValue, err)
		}
		return nil
	}
	if exact {
		e.logger.Debug("reverting edit at missing item", "browser", b.ID(), "sequence", seq.ID(), "index", indexValue)
		if err := proxy.CopyContent(proxy.NewInstance(), true); err != nil {
			return fmt.Errorf("revert proxy %s: %w", proxyID, err)
		}
	}
	return nil
}

// recordTimepoint stores the content of every recorded proxy at a new
// index appended after the master's last item and selects it.
func (e *Engine) recordTimepoint(b *browser.Browser) error {
	master := b.Master()
	indexValue, err := b.NextRecordingIndex(e.clock.Now())
	if err != nil {
		return fmt.Errorf("record %s: %w", b.ID(), err)
	}

	var errs []error
	stored := 0
	for _, seq := range b.Synchronized() {
		if st := b.Settings(seq.ID()); st == nil || !st.Recording {
			continue
		}
		proxy := e.proxyNode(b, seq)
		if proxy == nil {
			continue
		}
		if _, err := seq.Set(proxy, indexValue); err != nil {
			errs = append(errs, fmt.Errorf("record %s at %s: %w", seq.ID(), indexValue, err))
			continue
		}
		stored++
	}
	if stored > 0 {
		e.stats.Recorded++
	}
	if n := master.ItemNumber(indexValue, true); n >= 0 {
		b.SetSelectedItem(n)
	}
	e.logger.Debug("timepoint recorded", "browser", b.ID(), "index", indexValue, "sequences", stored)
	e.notifySelection(b)
	return errors.Join(errs...)
}
