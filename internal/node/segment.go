package node

// SegmentType is the type tag of Segment nodes.
const SegmentType = "Segment"

// Segment references one media segment of an HLS rendition.
type Segment struct {
	Base

	// uri is the absolute segment URL.
	uri string

	// duration is the segment duration in seconds.
	duration float64

	// position is the position in the source playlist.
	position int
}

// NewSegment creates an empty segment reference.
func NewSegment() *Segment {
	return &Segment{}
}

// TypeTag implements Node.
func (s *Segment) TypeTag() string { return SegmentType }

// NewInstance implements Node.
func (s *Segment) NewInstance() Node { return NewSegment() }

// CopyContent implements Node. Segment content is immutable, so deep and
// shallow copies are the same.
func (s *Segment) CopyContent(src Node, deep bool) error {
	o, ok := src.(*Segment)
	if !ok {
		return mismatch(s, src)
	}
	s.uri = o.uri
	s.duration = o.duration
	s.position = o.position
	s.Modified()
	return nil
}

// SetMedia sets the segment URL, duration and source position.
func (s *Segment) SetMedia(uri string, duration float64, position int) {
	s.uri = uri
	s.duration = duration
	s.position = position
	s.Modified()
}

// URI returns the segment URL.
func (s *Segment) URI() string { return s.uri }

// Duration returns the segment duration in seconds.
func (s *Segment) Duration() float64 { return s.duration }

// Position returns the position in the source playlist.
func (s *Segment) Position() int { return s.position }
