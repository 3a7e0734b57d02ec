// Package browser holds the state of a sequence browser: the master
// sequence, the sequences synchronized with it, their proxies and the
// playback and recording cursor.
package browser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/seqsync/internal/sequence"
)

// Default playback parameters.
const (
	DefaultPlaybackRateFps = 10.0
)

// BaseNameAttribute stores the unadorned proxy name on the proxy node.
const BaseNameAttribute = "Sequences.BaseName"

// Browser coordinates a set of sequences sharing the master's index.
// Proxies are referenced by node ID; the browser never owns them.
//
// Browser is plain state. The engine drives updates after every change.
type Browser struct {
	id   string
	name string

	master   *sequence.Sequence
	synced   []*sequence.Sequence
	settings map[string]*SyncSettings
	proxies  map[string]string

	selected int

	playbackActive bool
	rateFps        float64
	itemSkipping   bool
	looped         bool
	playbackEpoch  uint64

	recordingActive  bool
	recordMasterOnly bool
	recordingStart   time.Time

	indexDisplayMode IndexDisplayMode
}

// New creates a browser without sequences.
func New(id, name string) *Browser {
	return &Browser{
		id:           id,
		name:         name,
		settings:     make(map[string]*SyncSettings),
		proxies:      make(map[string]string),
		selected:     -1,
		rateFps:      DefaultPlaybackRateFps,
		itemSkipping: true,
		looped:       true,
	}
}

// ID returns the browser identifier.
func (b *Browser) ID() string { return b.id }

// Name returns the browser name.
func (b *Browser) Name() string { return b.name }

// Master returns the master sequence, or nil.
func (b *Browser) Master() *sequence.Sequence { return b.master }

// SetMaster makes seq the master sequence. seq is synchronized if it was
// not already; synchronized sequences that are not compatible with the new
// master are unlinked and their IDs returned.
func (b *Browser) SetMaster(seq *sequence.Sequence) []string {
	b.master = seq
	if seq == nil {
		b.selected = -1
		return nil
	}

	var removed []string
	kept := []*sequence.Sequence{seq}
	for _, s := range b.synced {
		if s == seq {
			continue
		}
		if !seq.Compatible(s) {
			removed = append(removed, s.ID())
			delete(b.settings, s.ID())
			delete(b.proxies, s.ID())
			continue
		}
		kept = append(kept, s)
	}
	b.synced = kept
	if _, ok := b.settings[seq.ID()]; !ok {
		st := DefaultSyncSettings()
		b.settings[seq.ID()] = &st
	}
	b.SetSelectedItem(0)
	return removed
}

// AddSynchronized links seq to the browser. The first sequence becomes the
// master. It returns an error if seq is incompatible with the master.
func (b *Browser) AddSynchronized(seq *sequence.Sequence) error {
	if seq == nil {
		return fmt.Errorf("add synchronized sequence: nil sequence")
	}
	if b.master == nil {
		b.SetMaster(seq)
		return nil
	}
	if b.IsSynchronized(seq.ID()) {
		return nil
	}
	if !b.master.Compatible(seq) {
		return fmt.Errorf("sequence %s (%s/%s/%s) is not compatible with master %s (%s/%s/%s)",
			seq.ID(), seq.IndexName(), seq.IndexUnit(), seq.IndexType(),
			b.master.ID(), b.master.IndexName(), b.master.IndexUnit(), b.master.IndexType())
	}
	b.synced = append(b.synced, seq)
	st := DefaultSyncSettings()
	b.settings[seq.ID()] = &st
	return nil
}

// RemoveSynchronized unlinks a sequence and forgets its proxy. Removing the
// master promotes the next synchronized sequence.
func (b *Browser) RemoveSynchronized(seqID string) bool {
	idx := -1
	for i, s := range b.synced {
		if s.ID() == seqID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	removed := b.synced[idx]
	b.synced = append(b.synced[:idx], b.synced[idx+1:]...)
	delete(b.settings, seqID)
	delete(b.proxies, seqID)

	if removed == b.master {
		b.master = nil
		if len(b.synced) > 0 {
			b.master = b.synced[0]
		}
		b.SetSelectedItem(b.selected)
	}
	return true
}

// Synchronized returns the synchronized sequences, master first.
func (b *Browser) Synchronized() []*sequence.Sequence {
	return append([]*sequence.Sequence(nil), b.synced...)
}

// IsSynchronized reports whether the sequence is linked to the browser.
func (b *Browser) IsSynchronized(seqID string) bool {
	return b.Sequence(seqID) != nil
}

// Sequence returns a synchronized sequence by ID, or nil.
func (b *Browser) Sequence(seqID string) *sequence.Sequence {
	for _, s := range b.synced {
		if s.ID() == seqID {
			return s
		}
	}
	return nil
}

// Settings returns the mutable settings of a synchronized sequence, or nil.
func (b *Browser) Settings(seqID string) *SyncSettings {
	return b.settings[seqID]
}

// ProxyID returns the proxy node ID of a sequence, or "".
func (b *Browser) ProxyID(seqID string) string { return b.proxies[seqID] }

// SetProxyID links a proxy node to a synchronized sequence.
func (b *Browser) SetProxyID(seqID, proxyID string) {
	if !b.IsSynchronized(seqID) {
		return
	}
	if proxyID == "" {
		delete(b.proxies, seqID)
		return
	}
	b.proxies[seqID] = proxyID
}

// IsProxy reports whether a node ID is one of the browser's proxies.
func (b *Browser) IsProxy(nodeID string) bool {
	return b.SequenceForProxy(nodeID) != nil
}

// SequenceForProxy returns the sequence mirrored by a proxy node.
func (b *Browser) SequenceForProxy(nodeID string) *sequence.Sequence {
	if nodeID == "" {
		return nil
	}
	for _, s := range b.synced {
		if b.proxies[s.ID()] == nodeID {
			return s
		}
	}
	return nil
}

// ProxyIDs returns a copy of the sequence-to-proxy links.
func (b *Browser) ProxyIDs() map[string]string {
	out := make(map[string]string, len(b.proxies))
	for k, v := range b.proxies {
		out[k] = v
	}
	return out
}

// RemoveAllProxies forgets every proxy link and returns the unlinked IDs.
func (b *Browser) RemoveAllProxies() []string {
	var ids []string
	for _, s := range b.synced {
		if id, ok := b.proxies[s.ID()]; ok {
			ids = append(ids, id)
		}
	}
	for k := range b.proxies {
		delete(b.proxies, k)
	}
	return ids
}

// NumberOfItems returns the number of items of the master sequence.
func (b *Browser) NumberOfItems() int {
	if b.master == nil {
		return 0
	}
	return b.master.Len()
}

// SelectedItem returns the selected master item, or -1.
func (b *Browser) SelectedItem() int { return b.selected }

// SetSelectedItem selects a master item, clamped to the valid range.
// It returns the new selection.
func (b *Browser) SetSelectedItem(n int) int {
	total := b.NumberOfItems()
	switch {
	case total == 0:
		n = -1
	case n < 0:
		n = 0
	case n >= total:
		n = total - 1
	}
	b.selected = n
	return n
}

// SelectNextItem moves the selection by delta items. The selection wraps
// when playback is looped; otherwise it stops at either end and playback
// is deactivated.
func (b *Browser) SelectNextItem(delta int) int {
	total := b.NumberOfItems()
	if total == 0 {
		b.selected = -1
		return -1
	}
	next := b.selected + delta
	if b.selected < 0 {
		next = 0
	}
	if b.looped {
		next = ((next % total) + total) % total
	} else if next >= total || next < 0 {
		next = min(max(next, 0), total-1)
		b.SetPlaybackActive(false)
	}
	b.selected = next
	return next
}

// SelectedIndexValue returns the master index value of the selection, or
// "0" when nothing is selected.
func (b *Browser) SelectedIndexValue() string {
	if b.master == nil || b.selected < 0 || b.selected >= b.master.Len() {
		return "0"
	}
	return b.master.NthIndexValue(b.selected)
}

// PlaybackActive reports whether playback is running.
func (b *Browser) PlaybackActive() bool { return b.playbackActive }

// SetPlaybackActive starts or stops playback. Starting playback stops
// recording. Every change bumps the playback epoch.
func (b *Browser) SetPlaybackActive(active bool) {
	if active == b.playbackActive {
		return
	}
	if active {
		b.recordingActive = false
	}
	b.playbackActive = active
	b.playbackEpoch++
}

// PlaybackEpoch changes whenever playback starts or stops.
func (b *Browser) PlaybackEpoch() uint64 { return b.playbackEpoch }

// PlaybackRateFps returns the playback rate in items per second.
func (b *Browser) PlaybackRateFps() float64 { return b.rateFps }

// SetPlaybackRateFps sets the playback rate. Non-positive rates are ignored.
func (b *Browser) SetPlaybackRateFps(fps float64) {
	if fps > 0 {
		b.rateFps = fps
	}
}

// PlaybackItemSkipping reports whether playback may skip items to keep up
// with the wall clock.
func (b *Browser) PlaybackItemSkipping() bool { return b.itemSkipping }

// SetPlaybackItemSkipping enables or disables item skipping.
func (b *Browser) SetPlaybackItemSkipping(enabled bool) { b.itemSkipping = enabled }

// PlaybackLooped reports whether playback wraps at the end.
func (b *Browser) PlaybackLooped() bool { return b.looped }

// SetPlaybackLooped enables or disables wrapping.
func (b *Browser) SetPlaybackLooped(looped bool) { b.looped = looped }

// RecordingActive reports whether proxy edits are recorded.
func (b *Browser) RecordingActive() bool { return b.recordingActive }

// SetRecordingActive starts or stops recording at time now. Starting
// recording stops playback.
func (b *Browser) SetRecordingActive(active bool, now time.Time) {
	if active == b.recordingActive {
		return
	}
	if active {
		b.SetPlaybackActive(false)
		b.recordingStart = now
	}
	b.recordingActive = active
}

// RecordMasterOnly reports whether only master proxy edits are recorded.
func (b *Browser) RecordMasterOnly() bool { return b.recordMasterOnly }

// SetRecordMasterOnly sets the record-master-only flag.
func (b *Browser) SetRecordMasterOnly(v bool) { b.recordMasterOnly = v }

// IndexDisplayMode returns how proxy names render the position.
func (b *Browser) IndexDisplayMode() IndexDisplayMode { return b.indexDisplayMode }

// SetIndexDisplayMode sets how proxy names render the position.
func (b *Browser) SetIndexDisplayMode(m IndexDisplayMode) { b.indexDisplayMode = m }

// ProxyName builds "base [index=value unit]" or "base [N/Total]" for a
// proxy of seq at indexValue.
func (b *Browser) ProxyName(seq *sequence.Sequence, indexValue string) string {
	var sb strings.Builder
	sb.WriteString(seq.Name())
	sb.WriteString(" [")
	if b.indexDisplayMode == DisplayIndexValue {
		if seq.IndexName() != "" {
			sb.WriteString(seq.IndexName())
			sb.WriteString("=")
		}
		sb.WriteString(indexValue)
		sb.WriteString(seq.IndexUnit())
	} else {
		sb.WriteString(strconv.Itoa(b.selected + 1))
		sb.WriteString("/")
		sb.WriteString(strconv.Itoa(seq.Len()))
	}
	sb.WriteString("]")
	return sb.String()
}

// NextRecordingIndex returns the index value for a timepoint recorded at
// now: seconds since recording started, moved past the master's last item
// when needed so that recording always appends.
func (b *Browser) NextRecordingIndex(now time.Time) (string, error) {
	if b.master == nil {
		return "", fmt.Errorf("no master sequence")
	}
	if b.master.IndexType() != sequence.IndexNumeric {
		return "", fmt.Errorf("recording requires a numeric index, master %s is %s", b.master.ID(), b.master.IndexType())
	}
	candidate := sequence.FormatNumericIndex(now.Sub(b.recordingStart).Seconds())
	n := b.master.Len()
	if n == 0 {
		return candidate, nil
	}

	// Compare the formatted value: rounding can land it within tolerance
	// of the last index even when the raw elapsed time was past it.
	lastValue := b.master.NthIndexValue(n - 1)
	cmp, err := b.master.Compare(candidate, lastValue)
	if err != nil {
		return "", err
	}
	if cmp > 0 {
		return candidate, nil
	}
	last, err := sequence.ParseNumericIndex(lastValue)
	if err != nil {
		return "", err
	}
	return sequence.FormatNumericIndex(last + 1), nil
}
