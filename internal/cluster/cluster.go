package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
)

// ErrNotLeader is returned when a command is submitted to a follower.
var ErrNotLeader = errors.New("not the cluster leader")

const (
	applyTimeout = 5 * time.Second
	outboxSize   = 64
)

// Manager runs the Raft node that replicates browser cursors.
type Manager struct {
	config    Config
	raft      *raft.Raft
	node      atomic.Pointer[raft.Raft]
	fsm       *BrowserFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool

	outbox chan BrowserState
	done   chan struct{}
}

// NewManager creates a new cluster manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config: config,
		fsm:    NewBrowserFSM(logger),
		logger: logger,
		outbox: make(chan BrowserState, outboxSize),
		done:   make(chan struct{}),
	}, nil
}

// OnFollowerApply installs fn to receive committed browser states while
// this node is not the leader. The leader already holds every state it
// commits, so replaying them would move its browsers backwards.
func (m *Manager) OnFollowerApply(fn ApplyFunc) {
	m.fsm.SetApplyHook(func(st BrowserState) {
		if r := m.node.Load(); r != nil && r.State() == raft.Leader {
			return
		}
		fn(st)
	})
}

// Start initializes and starts the Raft node and the publish loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold
	raftConfig.Logger = newRaftLogger(m.config.LogLevel)

	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	m.node.Store(r)

	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}
	for _, peer := range m.config.Peers {
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		m.logger.Error("failed to bootstrap cluster", "error", err)
		// Continue anyway - node might be joining existing cluster
	}

	go m.publishLoop(ctx)

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// Publish queues a local browser state for replication. It never blocks;
// states queued on a follower, or while the queue is full, are dropped.
func (m *Manager) Publish(st BrowserState) {
	select {
	case m.outbox <- st:
	default:
		m.logger.Warn("replication queue full, dropping browser state", "browser", st.ID)
	}
}

func (m *Manager) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case st := <-m.outbox:
			if !m.IsLeader() {
				m.logger.Debug("not leader, browser state not replicated", "browser", st.ID)
				continue
			}
			if err := m.replicate(st); err != nil {
				m.logger.Warn("failed to replicate browser state", "browser", st.ID, "error", err)
			}
		}
	}
}

// replicate submits the commands that move the committed state to st.
func (m *Manager) replicate(st BrowserState) error {
	committed, ok := m.fsm.GetState().Browser(st.ID)
	if !ok || committed.PlaybackActive != st.PlaybackActive || committed.RateFps != st.RateFps {
		if err := m.SetPlayback(st.ID, st.PlaybackActive, st.RateFps); err != nil {
			return err
		}
	}
	if !ok || committed.SelectedItem != st.SelectedItem {
		return m.SelectItem(st.ID, st.SelectedItem)
	}
	return nil
}

// SelectItem replicates a browser selection.
func (m *Manager) SelectItem(browserID string, item int) error {
	return m.apply(Command{
		Type: CommandSelectItem,
		Data: SelectItemCommand{BrowserID: browserID, Item: item},
	})
}

// SetPlayback replicates a browser's playback state.
func (m *Manager) SetPlayback(browserID string, active bool, rateFps float64) error {
	return m.apply(Command{
		Type: CommandSetPlayback,
		Data: SetPlaybackCommand{BrowserID: browserID, Active: active, RateFps: rateFps},
	})
}

// Initialize replaces the replicated state.
func (m *Manager) Initialize(state ClusterState) error {
	return m.apply(Command{
		Type: CommandInitialize,
		Data: InitializeCommand{State: state},
	})
}

func (m *Manager) apply(cmd Command) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return fmt.Errorf("cluster not started")
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return ErrNotLeader
		}
		return fmt.Errorf("apply command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return fmt.Errorf("apply command: %w", resp)
	}
	return nil
}

// GetState returns the current FSM state.
func (m *Manager) GetState() ClusterState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}
	return r.State().String()
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft node.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true
	close(m.done)

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
