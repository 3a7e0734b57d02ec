package server

import (
	"github.com/agleyzer/seqsync/internal/browser"
	"github.com/agleyzer/seqsync/internal/engine"
)

// SequenceStatus describes one synchronized sequence of a browser.
type SequenceStatus struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Items           int    `json:"items"`
	DataType        string `json:"data_type,omitempty"`
	ProxyID         string `json:"proxy_id,omitempty"`
	Playback        bool   `json:"playback"`
	SaveChanges     bool   `json:"save_changes"`
	Recording       bool   `json:"recording"`
	MissingItemMode string `json:"missing_item_mode"`
}

// BrowserStatus is the JSON view of a browser.
type BrowserStatus struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Master          string           `json:"master,omitempty"`
	Items           int              `json:"items"`
	SelectedItem    int              `json:"selected_item"`
	SelectedIndex   string           `json:"selected_index"`
	PlaybackActive  bool             `json:"playback_active"`
	RateFps         float64          `json:"rate_fps"`
	Looped          bool             `json:"looped"`
	ItemSkipping    bool             `json:"item_skipping"`
	RecordingActive bool             `json:"recording_active"`
	Sequences       []SequenceStatus `json:"sequences"`
}

// StatusOf captures the state of b. It must run on the engine goroutine.
func StatusOf(b *browser.Browser) BrowserStatus {
	st := BrowserStatus{
		ID:              b.ID(),
		Name:            b.Name(),
		Items:           b.NumberOfItems(),
		SelectedItem:    b.SelectedItem(),
		SelectedIndex:   b.SelectedIndexValue(),
		PlaybackActive:  b.PlaybackActive(),
		RateFps:         b.PlaybackRateFps(),
		Looped:          b.PlaybackLooped(),
		ItemSkipping:    b.PlaybackItemSkipping(),
		RecordingActive: b.RecordingActive(),
		Sequences:       []SequenceStatus{},
	}
	if m := b.Master(); m != nil {
		st.Master = m.ID()
	}

	for _, seq := range b.Synchronized() {
		ss := SequenceStatus{
			ID:       seq.ID(),
			Name:     seq.Name(),
			Items:    seq.Len(),
			DataType: seq.DataType(),
			ProxyID:  b.ProxyID(seq.ID()),
		}
		if set := b.Settings(seq.ID()); set != nil {
			ss.Playback = set.Playback
			ss.SaveChanges = set.SaveChanges
			ss.Recording = set.Recording
			ss.MissingItemMode = set.MissingItemMode.String()
		}
		st.Sequences = append(st.Sequences, ss)
	}
	return st
}

// HealthStatus is the body of the health endpoint.
type HealthStatus struct {
	Status   string         `json:"status"`
	Browsers int            `json:"browsers"`
	Stats    engine.Stats   `json:"stats"`
	Cluster  *ClusterHealth `json:"cluster,omitempty"`
}

// ClusterHealth reports the Raft role of this node.
type ClusterHealth struct {
	NodeID string `json:"node_id"`
	State  string `json:"state"`
	Leader string `json:"leader"`
}
