// Package parser imports HLS playlists as time-indexed segment sequences.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/seqsync/internal/node"
	"github.com/agleyzer/seqsync/internal/sequence"
)

// Track is one imported media playlist.
type Track struct {
	// Sequence holds one Segment node per media segment, indexed by the
	// segment's start time in seconds.
	Sequence *sequence.Sequence

	// Bandwidth, Resolution and Codecs come from the master playlist and are
	// empty for a plain media playlist.
	Bandwidth  int
	Resolution string
	Codecs     string

	// PlaylistURL is the URL of the media playlist.
	PlaylistURL string

	// TargetDuration is the maximum segment duration in seconds.
	TargetDuration int
}

// PlaylistInfo contains the parsed playlist information.
type PlaylistInfo struct {
	// IsMaster indicates whether the source was a master playlist.
	IsMaster bool

	// Tracks holds one track per variant, or a single track for a media
	// playlist. All tracks share the time/s index and can be synchronized.
	Tracks []Track

	// TargetDuration is the maximum across all tracks.
	TargetDuration int
}

// Parser fetches and decodes playlists.
type Parser struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a parser with a 30 second HTTP timeout.
func New(logger *slog.Logger) *Parser {
	return &Parser{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// ParsePlaylist fetches and parses an HLS playlist. Sequence IDs derive
// from name, or from the playlist file name when name is empty; variants
// of a master playlist get a "-variantN" suffix.
func (p *Parser) ParsePlaylist(ctx context.Context, playlistURL, name string) (*PlaylistInfo, error) {
	if name == "" {
		name = nameFromURL(playlistURL)
	}

	playlist, listType, err := p.fetch(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}
		return p.parseMaster(ctx, master, playlistURL, name)
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}
	track, err := p.buildTrack(media, playlistURL, name)
	if err != nil {
		return nil, err
	}
	return &PlaylistInfo{
		IsMaster:       false,
		Tracks:         []Track{track},
		TargetDuration: track.TargetDuration,
	}, nil
}

func (p *Parser) parseMaster(ctx context.Context, master *m3u8.MasterPlaylist, masterURL, name string) (*PlaylistInfo, error) {
	if len(master.Variants) == 0 {
		return nil, fmt.Errorf("master playlist contains no variants")
	}

	info := &PlaylistInfo{IsMaster: true}
	for variantIndex, v := range master.Variants {
		if v == nil {
			continue
		}

		variantURL, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		playlist, listType, err := p.fetch(ctx, variantURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse variant %d media playlist: %w", variantIndex, err)
		}
		if listType != m3u8.MEDIA {
			return nil, fmt.Errorf("variant %d: expected media playlist, got master playlist", variantIndex)
		}
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}

		track, err := p.buildTrack(media, variantURL, fmt.Sprintf("%s-variant%d", name, variantIndex))
		if err != nil {
			return nil, fmt.Errorf("failed to parse variant %d media playlist: %w", variantIndex, err)
		}
		track.Bandwidth = int(v.Bandwidth)
		track.Resolution = v.Resolution
		track.Codecs = v.Codecs

		info.TargetDuration = max(info.TargetDuration, track.TargetDuration)
		info.Tracks = append(info.Tracks, track)
	}

	p.logger.Debug("parsed master playlist", "url", masterURL, "variants", len(info.Tracks))
	return info, nil
}

// buildTrack turns the segments of a media playlist into a sequence.
func (p *Parser) buildTrack(media *m3u8.MediaPlaylist, playlistURL, id string) (Track, error) {
	seq := sequence.New(id, id)
	start := 0.0
	maxDuration := 0.0

	for i, seg := range media.Segments {
		if seg == nil {
			break
		}

		segmentURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return Track{}, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		data := node.NewSegment()
		data.SetName(path.Base(seg.URI))
		data.SetMedia(segmentURL, seg.Duration, i)

		indexValue := sequence.FormatNumericIndex(start)
		if existing := seq.At(indexValue, true); existing != nil {
			p.logger.Warn("segment start collides with previous segment, skipping",
				"url", playlistURL, "segment", i, "start", indexValue)
		} else if _, err := seq.Set(data, indexValue); err != nil {
			return Track{}, fmt.Errorf("store segment %d: %w", i, err)
		}

		start += seg.Duration
		maxDuration = max(maxDuration, seg.Duration)
	}

	if seq.Len() == 0 {
		return Track{}, fmt.Errorf("playlist contains no segments")
	}

	targetDuration := int(media.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		targetDuration = int(maxDuration) + 1
	}

	return Track{
		Sequence:       seq,
		PlaylistURL:    playlistURL,
		TargetDuration: targetDuration,
	}, nil
}

func (p *Parser) fetch(ctx context.Context, playlistURL string) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return playlist, listType, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}

// nameFromURL returns the playlist file name without its extension.
func nameFromURL(playlistURL string) string {
	u, err := url.Parse(playlistURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "playlist"
	}
	base := path.Base(u.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}
