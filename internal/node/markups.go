package node

import "gonum.org/v1/gonum/spatial/r3"

// MarkupsType is the type tag of Markups nodes.
const MarkupsType = "Markups"

type pointList struct {
	points []r3.Vec
}

// Markups is an ordered list of control points.
type Markups struct {
	Base
	list *pointList
}

// NewMarkups creates a markups node without points.
func NewMarkups() *Markups {
	return &Markups{list: &pointList{}}
}

// TypeTag implements Node.
func (m *Markups) TypeTag() string { return MarkupsType }

// NewInstance implements Node.
func (m *Markups) NewInstance() Node { return NewMarkups() }

// CopyContent implements Node. A shallow copy shares the point list.
func (m *Markups) CopyContent(src Node, deep bool) error {
	s, ok := src.(*Markups)
	if !ok {
		return mismatch(m, src)
	}
	if deep {
		m.list = &pointList{points: append([]r3.Vec(nil), s.list.points...)}
	} else {
		m.list = s.list
	}
	m.Modified()
	return nil
}

// AddPoint appends a control point and returns its index.
func (m *Markups) AddPoint(p r3.Vec) int {
	m.list.points = append(m.list.points, p)
	m.Modified()
	return len(m.list.points) - 1
}

// SetPoint moves an existing control point.
func (m *Markups) SetPoint(i int, p r3.Vec) {
	m.list.points[i] = p
	m.Modified()
}

// NumPoints returns the number of control points.
func (m *Markups) NumPoints() int { return len(m.list.points) }

// Point returns control point i.
func (m *Markups) Point(i int) r3.Vec { return m.list.points[i] }

// Points returns a copy of the control points.
func (m *Markups) Points() []r3.Vec {
	return append([]r3.Vec(nil), m.list.points...)
}

// Centroid returns the mean of the control points, or the origin when empty.
func (m *Markups) Centroid() r3.Vec {
	var c r3.Vec
	if len(m.list.points) == 0 {
		return c
	}
	for _, p := range m.list.points {
		c = r3.Add(c, p)
	}
	return r3.Scale(1/float64(len(m.list.points)), c)
}
