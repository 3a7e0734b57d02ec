// Package playlist renders browser selections as live HLS playlists.
//
// A media playlist is a window of segments starting at the item the browser
// currently selects. As the playback driver advances the selection, the
// window slides; when it runs past the last segment it wraps to the first
// one and marks the wrap with a discontinuity.
package playlist

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/sequence"
)

var (
	// ErrNotSegments is returned for sequences that do not hold segments.
	ErrNotSegments = errors.New("sequence does not hold segments")
	// ErrNoStreams is returned for a browser without segment sequences.
	ErrNoStreams = errors.New("browser has no segment sequences")
)

// StreamInfo describes a rendition in the master playlist.
type StreamInfo struct {
	Bandwidth  int
	Resolution string
	Codecs     string
}

// Media renders window segments of seq starting at the browser's current
// selection. The media sequence number is the position of the first
// segment. seq does not need to be the master: its first segment is the
// one at or before the selected index value.
func Media(b *browser.Browser, seq *sequence.Sequence, window int) (string, error) {
	if b == nil || seq == nil {
		return "", fmt.Errorf("nil browser or sequence")
	}
	if seq.DataType() != node.SegmentType {
		return "", fmt.Errorf("%s: %w", seq.ID(), ErrNotSegments)
	}
	if window <= 0 {
		return "", fmt.Errorf("window size must be positive")
	}

	total := seq.Len()
	window = min(window, total)

	start := 0
	if b.SelectedItem() >= 0 {
		start = max(seq.ItemNumber(b.SelectedIndexValue(), false), 0)
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(window))
	if err != nil {
		return "", fmt.Errorf("create media playlist: %w", err)
	}
	p.SeqNo = uint64(start)

	for i := 0; i < window; i++ {
		pos := (start + i) % total
		seg, ok := seq.NthData(pos).(*node.Segment)
		if !ok {
			return "", fmt.Errorf("%s item %d: %w", seq.ID(), pos, ErrNotSegments)
		}
		if err := p.Append(seg.URI(), seg.Duration(), ""); err != nil {
			return "", fmt.Errorf("append segment: %w", err)
		}
		// Loop point
		if i > 0 && pos == 0 {
			if err := p.SetDiscontinuity(); err != nil {
				return "", fmt.Errorf("mark discontinuity: %w", err)
			}
		}
	}

	// No ENDLIST: this is a live stream
	return p.String(), nil
}

// Master renders a master playlist with one variant per synchronized segment
// sequence of the browser. Variant URIs are relative to the browser's
// playlist URL. info may be nil.
func Master(b *browser.Browser, info func(seqID string) StreamInfo) (string, error) {
	if b == nil {
		return "", fmt.Errorf("nil browser")
	}

	p := m3u8.NewMasterPlaylist()
	n := 0
	for _, seq := range b.Synchronized() {
		if seq.DataType() != node.SegmentType {
			continue
		}

		var si StreamInfo
		if info != nil {
			si = info(seq.ID())
		}
		p.Append(VariantURI(seq.ID()), nil, m3u8.VariantParams{
			Bandwidth:  uint32(si.Bandwidth),
			Resolution: si.Resolution,
			Codecs:     si.Codecs,
		})
		n++
	}

	if n == 0 {
		return "", fmt.Errorf("%s: %w", b.ID(), ErrNoStreams)
	}
	return p.String(), nil
}

// VariantURI returns the URI of a sequence's media playlist relative to
// its browser's master playlist.
func VariantURI(seqID string) string {
	return "sequences/" + url.PathEscape(seqID) + "/playlist.m3u8"
}
