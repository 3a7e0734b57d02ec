// Package scene provides an in-memory registry of data nodes.
//
// The scene owns the nodes it registers. Other components hold node IDs and
// look nodes up here; they never keep a node alive on their own.
package scene

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agleyzer/seqsync/internal/node"
)

// displayable and storable list the node types that get default display and
// storage companions.
var (
	displayable = map[string]bool{
		node.TransformType: true,
		node.VolumeType:    true,
		node.MarkupsType:   true,
	}
	storable = map[string]bool{
		node.TransformType: true,
		node.VolumeType:    true,
		node.MarkupsType:   true,
	}
)

// Scene is an in-memory node registry with modified-event fan-out.
// It is not safe for concurrent use.
type Scene struct {
	nodes     map[string]node.Node
	order     []string
	observers []func(node.Node)
	displays  map[string]bool
	storages  map[string]bool
	logger    *slog.Logger
}

// New creates an empty scene.
func New(logger *slog.Logger) *Scene {
	return &Scene{
		nodes:    make(map[string]node.Node),
		displays: make(map[string]bool),
		storages: make(map[string]bool),
		logger:   logger,
	}
}

// AddNode registers n. A node without an ID, or whose ID is taken, gets a
// fresh UUID.
func (s *Scene) AddNode(n node.Node) (node.Node, error) {
	if n == nil {
		return nil, fmt.Errorf("add node: nil node")
	}
	if id := n.ID(); id == "" || s.nodes[id] != nil {
		n.SetID(uuid.NewString())
	}
	n.SetObserver(func() { s.NotifyModified(n) })
	s.nodes[n.ID()] = n
	s.order = append(s.order, n.ID())

	s.logger.Debug("node added", "id", n.ID(), "type", n.TypeTag(), "name", n.Name())
	return n, nil
}

// CreateNode creates and registers a default node of the given type.
func (s *Scene) CreateNode(typeTag, name string) (node.Node, error) {
	n, err := node.New(typeTag)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	n.SetName(name)
	return s.AddNode(n)
}

// RemoveNode unregisters the node with the given ID.
func (s *Scene) RemoveNode(id string) bool {
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	n.SetObserver(nil)
	delete(s.nodes, id)
	delete(s.displays, id)
	delete(s.storages, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.logger.Debug("node removed", "id", id)
	return true
}

// Node returns the node with the given ID, or nil.
func (s *Scene) Node(id string) node.Node {
	return s.nodes[id]
}

// NodesByType returns the registered nodes of a type in registration order.
func (s *Scene) NodesByType(typeTag string) []node.Node {
	var out []node.Node
	for _, id := range s.order {
		if n := s.nodes[id]; n.TypeTag() == typeTag {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of registered nodes.
func (s *Scene) Len() int { return len(s.nodes) }

// Observe registers fn to be called whenever a registered node changes.
func (s *Scene) Observe(fn func(node.Node)) {
	s.observers = append(s.observers, fn)
}

// NotifyModified fans a modified event out to the observers.
func (s *Scene) NotifyModified(n node.Node) {
	if n == nil || s.nodes[n.ID()] != n {
		return
	}
	for _, fn := range s.observers {
		fn(n)
	}
}

// CreateDefaultDisplay attaches a default display to displayable nodes.
func (s *Scene) CreateDefaultDisplay(n node.Node) error {
	if n == nil || s.nodes[n.ID()] == nil {
		return fmt.Errorf("create display: node not in scene")
	}
	if displayable[n.TypeTag()] {
		s.displays[n.ID()] = true
	}
	return nil
}

// CreateDefaultStorage attaches a default storage target to storable nodes.
func (s *Scene) CreateDefaultStorage(n node.Node) error {
	if n == nil || s.nodes[n.ID()] == nil {
		return fmt.Errorf("create storage: node not in scene")
	}
	if storable[n.TypeTag()] {
		s.storages[n.ID()] = true
	}
	return nil
}

// HasDisplay reports whether a default display was created for id.
func (s *Scene) HasDisplay(id string) bool { return s.displays[id] }

// HasStorage reports whether a default storage target was created for id.
func (s *Scene) HasStorage(id string) bool { return s.storages[id] }
