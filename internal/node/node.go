// Package node defines the data objects stored in sequences and mirrored into proxies.
package node

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTypeMismatch is returned when content is copied between nodes of different types.
var ErrTypeMismatch = errors.New("node type mismatch")

// ErrUnknownType is returned when no constructor is registered for a type tag.
var ErrUnknownType = errors.New("unknown node type")

// Node is a data object with copyable content.
// Sequence items and proxy targets are both Nodes; a proxy is reused only
// when its TypeTag matches the source item.
type Node interface {
	// ID returns the identifier assigned by the owner (scene or sequence).
	ID() string
	SetID(id string)

	Name() string
	SetName(name string)

	// TypeTag identifies the concrete type.
	TypeTag() string

	// NewInstance returns a default-constructed node of the same concrete type.
	NewInstance() Node

	// CopyContent replaces the content of the node with the content of src.
	// A shallow copy shares the underlying buffers with src.
	CopyContent(src Node, deep bool) error

	Visible() bool
	SetVisible(visible bool)

	// Singleton reports whether the node is a protected singleton that must
	// keep its name.
	Singleton() bool

	Attribute(key string) string
	SetAttribute(key, value string)

	// StartModify and EndModify bracket a batch of content changes.
	// Modified notifications raised inside the batch are coalesced into one
	// notification when the outermost EndModify is called.
	StartModify()
	EndModify()

	// SetObserver installs the function called when content changes.
	SetObserver(fn func())
}

// Base implements the bookkeeping shared by every concrete node type.
type Base struct {
	id           string
	name         string
	hidden       bool
	singletonTag string
	attributes   map[string]string

	modifyDepth int
	pending     bool
	observer    func()
}

// ID returns the node identifier.
func (b *Base) ID() string { return b.id }

// SetID sets the node identifier.
func (b *Base) SetID(id string) { b.id = id }

// Name returns the display name.
func (b *Base) Name() string { return b.name }

// SetName sets the display name.
func (b *Base) SetName(name string) { b.name = name }

// Visible reports whether the node is shown.
func (b *Base) Visible() bool { return !b.hidden }

// SetVisible shows or hides the node.
func (b *Base) SetVisible(visible bool) { b.hidden = !visible }

// Singleton reports whether a singleton tag is set.
func (b *Base) Singleton() bool { return b.singletonTag != "" }

// SetSingletonTag marks the node as a protected singleton.
func (b *Base) SetSingletonTag(tag string) { b.singletonTag = tag }

// Attribute returns the attribute value, or "" when unset.
func (b *Base) Attribute(key string) string {
	return b.attributes[key]
}

// SetAttribute sets an attribute. An empty value removes it.
func (b *Base) SetAttribute(key, value string) {
	if value == "" {
		delete(b.attributes, key)
		return
	}
	if b.attributes == nil {
		b.attributes = make(map[string]string)
	}
	b.attributes[key] = value
}

// StartModify opens a modification batch.
func (b *Base) StartModify() {
	b.modifyDepth++
}

// EndModify closes a modification batch and flushes a pending notification
// when the outermost batch ends.
func (b *Base) EndModify() {
	if b.modifyDepth == 0 {
		return
	}
	b.modifyDepth--
	if b.modifyDepth == 0 && b.pending {
		b.pending = false
		b.Modified()
	}
}

// SetObserver installs the content-changed callback.
func (b *Base) SetObserver(fn func()) { b.observer = fn }

// Modified reports a content change to the observer, or defers it while a
// batch is open.
func (b *Base) Modified() {
	if b.modifyDepth > 0 {
		b.pending = true
		return
	}
	if b.observer != nil {
		b.observer()
	}
}

func mismatch(dst, src Node) error {
	if src == nil {
		return fmt.Errorf("copy into %s: nil source: %w", dst.TypeTag(), ErrTypeMismatch)
	}
	return fmt.Errorf("copy %s into %s: %w", src.TypeTag(), dst.TypeTag(), ErrTypeMismatch)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Node{}
)

// Register associates a constructor with a type tag.
func Register(typeTag string, ctor func() Node) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typeTag] = ctor
}

// New creates a default-constructed node of the given type.
func New(typeTag string) (Node, error) {
	registryMu.RLock()
	ctor, ok := registry[typeTag]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeTag)
	}
	return ctor(), nil
}

// Types returns the registered type tags in sorted order.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func init() {
	Register(TransformType, func() Node { return NewTransform() })
	Register(VolumeType, func() Node { return NewVolume() })
	Register(MarkupsType, func() Node { return NewMarkups() })
	Register(SegmentType, func() Node { return NewSegment() })
}
