// Package cluster replicates browser cursors across viewer nodes with Raft.
//
// Only the selection and playback state of each browser is replicated; the
// sequences themselves are loaded by every node from the same sources.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/seqsync/internal/browser"
)

func init() {
	gob.Register(SelectItemCommand{})
	gob.Register(SetPlaybackCommand{})
	gob.Register(InitializeCommand{})
}

// BrowserState is the replicated cursor of one browser.
type BrowserState struct {
	// ID is the browser identifier.
	ID string
	// SelectedItem is the selected master item, or -1.
	SelectedItem int
	// PlaybackActive reports whether the leader is playing the browser.
	PlaybackActive bool
	// RateFps is the playback rate in items per second.
	RateFps float64
	// Version counts the commands applied to this browser.
	Version uint64
}

// StateOf captures the replicated fields of a local browser.
func StateOf(b *browser.Browser) BrowserState {
	return BrowserState{
		ID:             b.ID(),
		SelectedItem:   b.SelectedItem(),
		PlaybackActive: b.PlaybackActive(),
		RateFps:        b.PlaybackRateFps(),
	}
}

// ClusterState is the state shared by all cluster nodes.
type ClusterState struct {
	// Browsers is sorted by ID.
	Browsers []BrowserState
}

// Browser returns the state of a browser.
func (s ClusterState) Browser(id string) (BrowserState, bool) {
	for _, b := range s.Browsers {
		if b.ID == id {
			return b, true
		}
	}
	return BrowserState{}, false
}

func (s ClusterState) clone() ClusterState {
	return ClusterState{Browsers: append([]BrowserState(nil), s.Browsers...)}
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandSelectItem moves a browser's selection.
	CommandSelectItem CommandType = 1
	// CommandInitialize replaces the FSM state.
	CommandInitialize CommandType = 2
	// CommandSetPlayback starts or stops playback of a browser.
	CommandSetPlayback CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// SelectItemCommand selects a master item of a browser.
type SelectItemCommand struct {
	BrowserID string
	Item      int
}

// SetPlaybackCommand changes the playback state of a browser.
type SetPlaybackCommand struct {
	BrowserID string
	Active    bool
	RateFps   float64
}

// InitializeCommand sets the initial state.
type InitializeCommand struct {
	State ClusterState
}

// ApplyFunc receives a browser state after a command changed it.
type ApplyFunc func(BrowserState)

// BrowserFSM implements raft.FSM over the browser cursors.
type BrowserFSM struct {
	mu      sync.RWMutex
	state   ClusterState
	onApply ApplyFunc
	logger  *slog.Logger
}

// NewBrowserFSM creates an empty BrowserFSM.
func NewBrowserFSM(logger *slog.Logger) *BrowserFSM {
	return &BrowserFSM{logger: logger}
}

// SetApplyHook installs fn to be called, outside the FSM lock, with every
// browser state changed by an applied command.
func (f *BrowserFSM) SetApplyHook(fn ApplyFunc) {
	f.mu.Lock()
	f.onApply = fn
	f.mu.Unlock()
}

// Apply applies a Raft log entry to the FSM.
func (f *BrowserFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	var (
		changed []BrowserState
		err     error
	)
	switch cmd.Type {
	case CommandSelectItem:
		changed, err = f.applySelectItem(cmd.Data)
	case CommandSetPlayback:
		changed, err = f.applySetPlayback(cmd.Data)
	case CommandInitialize:
		changed, err = f.applyInitialize(cmd.Data)
	default:
		err = fmt.Errorf("unknown command type: %d", cmd.Type)
	}
	hook := f.onApply
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("failed to apply command", "type", cmd.Type, "error", err)
		return err
	}
	if hook != nil {
		for _, st := range changed {
			hook(st)
		}
	}
	return nil
}

func (f *BrowserFSM) applySelectItem(data any) ([]BrowserState, error) {
	c, ok := data.(SelectItemCommand)
	if !ok {
		return nil, fmt.Errorf("invalid select item command data")
	}
	st := f.browser(c.BrowserID)
	st.SelectedItem = c.Item
	st.Version++
	f.logger.Debug("selected item", "browser", c.BrowserID, "item", c.Item, "version", st.Version)
	return []BrowserState{*st}, nil
}

func (f *BrowserFSM) applySetPlayback(data any) ([]BrowserState, error) {
	c, ok := data.(SetPlaybackCommand)
	if !ok {
		return nil, fmt.Errorf("invalid set playback command data")
	}
	st := f.browser(c.BrowserID)
	st.PlaybackActive = c.Active
	if c.RateFps > 0 {
		st.RateFps = c.RateFps
	}
	st.Version++
	f.logger.Debug("playback changed", "browser", c.BrowserID, "active", c.Active, "version", st.Version)
	return []BrowserState{*st}, nil
}

func (f *BrowserFSM) applyInitialize(data any) ([]BrowserState, error) {
	c, ok := data.(InitializeCommand)
	if !ok {
		return nil, fmt.Errorf("invalid initialize command data")
	}
	f.state = c.State.clone()
	sort.Slice(f.state.Browsers, func(i, j int) bool { return f.state.Browsers[i].ID < f.state.Browsers[j].ID })
	f.logger.Info("initialized FSM state", "browsers", len(f.state.Browsers))
	return f.state.clone().Browsers, nil
}

// browser returns the entry for id, inserting it in ID order when missing.
// Caller must hold the write lock.
func (f *BrowserFSM) browser(id string) *BrowserState {
	i := sort.Search(len(f.state.Browsers), func(i int) bool { return f.state.Browsers[i].ID >= id })
	if i == len(f.state.Browsers) || f.state.Browsers[i].ID != id {
		f.state.Browsers = append(f.state.Browsers, BrowserState{})
		copy(f.state.Browsers[i+1:], f.state.Browsers[i:])
		f.state.Browsers[i] = BrowserState{ID: id, SelectedItem: -1}
	}
	return &f.state.Browsers[i]
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *BrowserFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state.clone()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *BrowserFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "browsers", len(state.Browsers))
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *BrowserFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
