// Package sequence implements an ordered repository of index-addressed data nodes.
package sequence

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/agleyzer/seqsync/internal/node"
)

// NumericTolerance is the distance below which two numeric index values are equal.
const NumericTolerance = 1e-3

var (
	// ErrNilData is returned when a nil node is stored.
	ErrNilData = errors.New("nil data node")
	// ErrInvalidIndex is returned when an index value cannot be parsed.
	ErrInvalidIndex = errors.New("invalid index value")
	// ErrNotFound is returned when no item matches an index value.
	ErrNotFound = errors.New("no item at index")
)

// IndexType defines how index values are ordered.
type IndexType int

const (
	// IndexNumeric orders index values as floating point numbers.
	IndexNumeric IndexType = iota
	// IndexText orders index values lexicographically.
	IndexText
)

// String returns the configuration name of the index type.
func (t IndexType) String() string {
	switch t {
	case IndexNumeric:
		return "numeric"
	case IndexText:
		return "text"
	default:
		return fmt.Sprintf("IndexType(%d)", int(t))
	}
}

// ParseIndexType parses "numeric" or "text".
func ParseIndexType(s string) (IndexType, error) {
	switch strings.ToLower(s) {
	case "numeric", "":
		return IndexNumeric, nil
	case "text":
		return IndexText, nil
	default:
		return 0, fmt.Errorf("unknown index type %q", s)
	}
}

// Item is one (index value, data node) entry.
type Item struct {
	IndexValue string
	Data       node.Node
}

// Sequence is an ordered collection of items with unique index values.
// Items are kept sorted by index value; Set inserts at the sorted position.
//
// A Sequence is not safe for concurrent use. The engine serializes access.
type Sequence struct {
	id        string
	name      string
	indexName string
	indexUnit string
	indexType IndexType
	items     []Item
}

// New creates an empty numeric sequence indexed by time in seconds.
func New(id, name string) *Sequence {
	return &Sequence{
		id:        id,
		name:      name,
		indexName: "time",
		indexUnit: "s",
		indexType: IndexNumeric,
	}
}

// ID returns the sequence identifier.
func (s *Sequence) ID() string { return s.id }

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// SetName sets the sequence name.
func (s *Sequence) SetName(name string) { s.name = name }

// IndexName returns the name of the index (e.g. "time").
func (s *Sequence) IndexName() string { return s.indexName }

// IndexUnit returns the index unit (e.g. "s").
func (s *Sequence) IndexUnit() string { return s.indexUnit }

// IndexType returns the ordering used for index values.
func (s *Sequence) IndexType() IndexType { return s.indexType }

// SetIndex configures the index name, unit and type.
func (s *Sequence) SetIndex(name, unit string, t IndexType) {
	s.indexName = name
	s.indexUnit = unit
	s.indexType = t
}

// Compatible reports whether other can be browsed with s as master:
// index name, unit and type must all match.
func (s *Sequence) Compatible(other *Sequence) bool {
	if other == nil {
		return false
	}
	return s.indexName == other.indexName &&
		s.indexUnit == other.indexUnit &&
		s.indexType == other.indexType
}

// Len returns the number of items.
func (s *Sequence) Len() int { return len(s.items) }

// NthIndexValue returns the index value of item n, or "" if out of range.
func (s *Sequence) NthIndexValue(n int) string {
	if n < 0 || n >= len(s.items) {
		return ""
	}
	return s.items[n].IndexValue
}

// NthData returns the data node of item n, or nil if out of range.
func (s *Sequence) NthData(n int) node.Node {
	if n < 0 || n >= len(s.items) {
		return nil
	}
	return s.items[n].Data
}

// Items returns a copy of the item list.
func (s *Sequence) Items() []Item {
	return append([]Item(nil), s.items...)
}

// DataType returns the type tag of the first item, or "" if empty.
func (s *Sequence) DataType() string {
	if len(s.items) == 0 {
		return ""
	}
	return s.items[0].Data.TypeTag()
}

// At returns the data node at value. With exact set only an item whose
// index equals value matches; otherwise the item with the greatest index
// not above value is returned. It returns nil when nothing matches.
func (s *Sequence) At(value string, exact bool) node.Node {
	n := s.ItemNumber(value, exact)
	if n < 0 {
		return nil
	}
	return s.items[n].Data
}

// ItemNumber is like At but returns the item position, or -1.
func (s *Sequence) ItemNumber(value string, exact bool) int {
	pos, found, err := s.search(value)
	if err != nil {
		return -1
	}
	if found {
		return pos
	}
	if exact {
		return -1
	}
	// pos is the insertion point, so the previous item is the nearest below.
	return pos - 1
}

// Set stores a copy of data at value and returns the stored node.
// If an item already exists at value its content is overwritten in place so
// that observers holding the stored node keep a valid reference.
func (s *Sequence) Set(data node.Node, value string) (node.Node, error) {
	if data == nil {
		return nil, ErrNilData
	}
	pos, found, err := s.search(value)
	if err != nil {
		return nil, err
	}

	if found {
		stored := s.items[pos].Data
		if stored.TypeTag() == data.TypeTag() {
			if err := stored.CopyContent(data, true); err != nil {
				return nil, fmt.Errorf("overwrite item at %s: %w", value, err)
			}
			return stored, nil
		}
		// A different type cannot reuse the slot object.
		replacement, err := s.clone(data)
		if err != nil {
			return nil, err
		}
		replacement.SetID(stored.ID())
		s.items[pos].Data = replacement
		return replacement, nil
	}

	stored, err := s.clone(data)
	if err != nil {
		return nil, err
	}
	stored.SetID(s.UniqueID(s.idHint()))

	s.items = append(s.items, Item{})
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = Item{IndexValue: value, Data: stored}
	s.assertOrderedAt(pos)
	return stored, nil
}

// Update overwrites the content of the item nearest to value (at or before
// it) from src.
func (s *Sequence) Update(value string, src node.Node, shallow bool) error {
	if src == nil {
		return ErrNilData
	}
	n := s.ItemNumber(value, false)
	if n < 0 {
		return fmt.Errorf("update %s: %w", value, ErrNotFound)
	}
	return s.items[n].Data.CopyContent(src, !shallow)
}

// Remove deletes the item whose index equals value.
func (s *Sequence) Remove(value string) bool {
	n := s.ItemNumber(value, true)
	if n < 0 {
		return false
	}
	s.items = append(s.items[:n], s.items[n+1:]...)
	return true
}

// Clear removes all items.
func (s *Sequence) Clear() {
	s.items = nil
}

// UniqueID derives an identifier from hint that no item uses yet:
// hint itself, then hint_1, hint_2 and so on.
func (s *Sequence) UniqueID(hint string) string {
	used := make(map[string]struct{}, len(s.items))
	for _, it := range s.items {
		used[it.Data.ID()] = struct{}{}
	}
	candidate := hint
	for i := 1; ; i++ {
		if _, taken := used[candidate]; !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", hint, i)
	}
}

func (s *Sequence) idHint() string {
	if s.name != "" {
		return s.name
	}
	if s.id != "" {
		return s.id
	}
	return "Item"
}

func (s *Sequence) clone(data node.Node) (node.Node, error) {
	stored := data.NewInstance()
	if err := stored.CopyContent(data, true); err != nil {
		return nil, fmt.Errorf("copy item: %w", err)
	}
	stored.SetName(data.Name())
	return stored, nil
}

// Compare orders two index values according to the index type.
func (s *Sequence) Compare(a, b string) (int, error) {
	if s.indexType == IndexText {
		return strings.Compare(a, b), nil
	}
	fa, err := parseNumeric(a)
	if err != nil {
		return 0, err
	}
	fb, err := parseNumeric(b)
	if err != nil {
		return 0, err
	}
	switch {
	case math.Abs(fa-fb) < NumericTolerance:
		return 0, nil
	case fa < fb:
		return -1, nil
	default:
		return 1, nil
	}
}

// search returns the position of the first item not below value and whether
// that item equals value.
func (s *Sequence) search(value string) (int, bool, error) {
	if s.indexType == IndexNumeric {
		if _, err := parseNumeric(value); err != nil {
			return 0, false, err
		}
	}
	var searchErr error
	pos := sort.Search(len(s.items), func(i int) bool {
		c, err := s.Compare(s.items[i].IndexValue, value)
		if err != nil {
			searchErr = err
			return true
		}
		return c >= 0
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if pos < len(s.items) {
		c, _ := s.Compare(s.items[pos].IndexValue, value)
		return pos, c == 0, nil
	}
	return pos, false, nil
}

func (s *Sequence) assertOrderedAt(pos int) {
	for _, pair := range [][2]int{{pos - 1, pos}, {pos, pos + 1}} {
		if pair[0] < 0 || pair[1] >= len(s.items) {
			continue
		}
		if c, _ := s.Compare(s.items[pair[0]].IndexValue, s.items[pair[1]].IndexValue); c >= 0 {
			panic(fmt.Sprintf("sequence %s: items out of order at %d: %q >= %q",
				s.id, pair[0], s.items[pair[0]].IndexValue, s.items[pair[1]].IndexValue))
		}
	}
}

func parseNumeric(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIndex, v)
	}
	return f, nil
}

// ParseNumericIndex parses a numeric index value.
func ParseNumericIndex(v string) (float64, error) {
	return parseNumeric(v)
}

// FormatNumericIndex formats a numeric index value with millisecond precision.
func FormatNumericIndex(f float64) string {
	return strconv.FormatFloat(math.Round(f*1000)/1000, 'f', -1, 64)
}
