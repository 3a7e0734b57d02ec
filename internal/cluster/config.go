package cluster

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config holds the configuration for a cluster node.
type Config struct {
	// RaftID is the unique identifier for this Raft node.
	RaftID string
	// BindAddr is the address to bind for Raft communication (host:port).
	BindAddr string
	// Peers is the list of peer Raft addresses (including this node).
	Peers []string
	// HeartbeatTimeout is the Raft heartbeat timeout.
	HeartbeatTimeout time.Duration
	// ElectionTimeout is the Raft election timeout.
	ElectionTimeout time.Duration
	// SnapshotInterval is how often to take snapshots.
	SnapshotInterval time.Duration
	// SnapshotThreshold is the number of logs before taking a snapshot.
	SnapshotThreshold uint64
	// LogLevel enables Raft's own logging at an hclog level ("" keeps it off).
	LogLevel string
}

// Validate reports every problem with the configuration and fills unset
// timeouts and snapshot limits with defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.RaftID == "" {
		errs = append(errs, errors.New("raft-id is required"))
	}
	if c.BindAddr == "" {
		errs = append(errs, errors.New("raft-bind is required"))
	} else if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid raft-bind address %q: %w", c.BindAddr, err))
	}

	if len(c.Peers) == 0 {
		errs = append(errs, errors.New("at least one peer is required"))
	}
	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			errs = append(errs, fmt.Errorf("invalid peer address %d %q: %w", i, peer, err))
		}
	}
	// The node joins the bootstrap configuration under its bind address.
	if c.BindAddr != "" && len(c.Peers) > 0 && !slices.Contains(c.Peers, c.BindAddr) {
		errs = append(errs, fmt.Errorf("raft-bind %s is not among the peers", c.BindAddr))
	}

	if c.LogLevel != "" && !strings.EqualFold(c.LogLevel, "off") && hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("invalid raft log level %q", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 2 * time.Minute
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}
	return nil
}
