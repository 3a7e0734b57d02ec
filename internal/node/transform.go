package node

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// TransformType is the type tag of Transform nodes.
const TransformType = "Transform"

// Transform holds a 4x4 homogeneous transform matrix.
type Transform struct {
	Base
	matrix *mat.Dense
}

// NewTransform creates an identity transform.
func NewTransform() *Transform {
	return &Transform{matrix: identity4()}
}

func identity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// TypeTag implements Node.
func (t *Transform) TypeTag() string { return TransformType }

// NewInstance implements Node.
func (t *Transform) NewInstance() Node { return NewTransform() }

// CopyContent implements Node. A shallow copy shares the matrix.
func (t *Transform) CopyContent(src Node, deep bool) error {
	s, ok := src.(*Transform)
	if !ok {
		return mismatch(t, src)
	}
	if deep {
		t.matrix = mat.DenseCopyOf(s.matrix)
	} else {
		t.matrix = s.matrix
	}
	t.Modified()
	return nil
}

// Matrix returns a copy of the transform matrix.
func (t *Transform) Matrix() *mat.Dense {
	return mat.DenseCopyOf(t.matrix)
}

// SetMatrix replaces the matrix. m must be 4x4.
func (t *Transform) SetMatrix(m mat.Matrix) {
	if r, c := m.Dims(); r != 4 || c != 4 {
		panic("node: transform matrix must be 4x4")
	}
	t.matrix = mat.DenseCopyOf(m)
	t.Modified()
}

// Element returns matrix element (i, j).
func (t *Transform) Element(i, j int) float64 {
	return t.matrix.At(i, j)
}

// SetElement changes one matrix element in place.
// Shallow copies observe the change.
func (t *Transform) SetElement(i, j int, v float64) {
	t.matrix.Set(i, j, v)
	t.Modified()
}

// Translation returns the translation column.
func (t *Transform) Translation() r3.Vec {
	return r3.Vec{X: t.matrix.At(0, 3), Y: t.matrix.At(1, 3), Z: t.matrix.At(2, 3)}
}

// SetTranslation sets the translation column in place.
func (t *Transform) SetTranslation(v r3.Vec) {
	t.matrix.Set(0, 3, v.X)
	t.matrix.Set(1, 3, v.Y)
	t.matrix.Set(2, 3, v.Z)
	t.Modified()
}

// Apply transforms a point.
func (t *Transform) Apply(p r3.Vec) r3.Vec {
	in := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(t.matrix, in)
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// SharesMatrix reports whether both transforms reference the same matrix.
func (t *Transform) SharesMatrix(other *Transform) bool {
	return t.matrix == other.matrix
}
