package node

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// VolumeType is the type tag of Volume nodes.
const VolumeType = "Volume"

// Volume is a scalar voxel grid stored in x-fastest order.
type Volume struct {
	Base
	dims    [3]int
	spacing r3.Vec
	origin  r3.Vec
	voxels  *mat.VecDense
}

// NewVolume creates an empty volume with unit spacing.
func NewVolume() *Volume {
	return &Volume{spacing: r3.Vec{X: 1, Y: 1, Z: 1}}
}

// NewVolumeWithDims creates a zero-filled volume.
func NewVolumeWithDims(nx, ny, nz int) *Volume {
	v := NewVolume()
	v.Allocate(nx, ny, nz)
	return v
}

// TypeTag implements Node.
func (v *Volume) TypeTag() string { return VolumeType }

// NewInstance implements Node.
func (v *Volume) NewInstance() Node { return NewVolume() }

// CopyContent implements Node. A shallow copy shares the voxel buffer.
func (v *Volume) CopyContent(src Node, deep bool) error {
	s, ok := src.(*Volume)
	if !ok {
		return mismatch(v, src)
	}
	v.dims = s.dims
	v.spacing = s.spacing
	v.origin = s.origin
	switch {
	case s.voxels == nil:
		v.voxels = nil
	case deep:
		v.voxels = mat.VecDenseCopyOf(s.voxels)
	default:
		v.voxels = s.voxels
	}
	v.Modified()
	return nil
}

// Allocate resets the grid to the given dimensions, filled with zeros.
func (v *Volume) Allocate(nx, ny, nz int) {
	if nx < 0 || ny < 0 || nz < 0 {
		panic(fmt.Sprintf("node: negative volume dimensions %dx%dx%d", nx, ny, nz))
	}
	v.dims = [3]int{nx, ny, nz}
	if n := nx * ny * nz; n > 0 {
		v.voxels = mat.NewVecDense(n, nil)
	} else {
		v.voxels = nil
	}
	v.Modified()
}

// Dims returns the grid dimensions.
func (v *Volume) Dims() (nx, ny, nz int) {
	return v.dims[0], v.dims[1], v.dims[2]
}

// Empty reports whether the volume has no voxels.
func (v *Volume) Empty() bool { return v.voxels == nil }

func (v *Volume) offset(i, j, k int) int {
	if i < 0 || j < 0 || k < 0 || i >= v.dims[0] || j >= v.dims[1] || k >= v.dims[2] {
		panic(fmt.Sprintf("node: voxel (%d,%d,%d) out of range %v", i, j, k, v.dims))
	}
	return i + v.dims[0]*(j+v.dims[1]*k)
}

// Voxel returns the scalar at (i, j, k).
func (v *Volume) Voxel(i, j, k int) float64 {
	return v.voxels.AtVec(v.offset(i, j, k))
}

// SetVoxel sets the scalar at (i, j, k) in place.
func (v *Volume) SetVoxel(i, j, k int, value float64) {
	v.voxels.SetVec(v.offset(i, j, k), value)
	v.Modified()
}

// Spacing returns the voxel spacing.
func (v *Volume) Spacing() r3.Vec { return v.spacing }

// SetSpacing sets the voxel spacing.
func (v *Volume) SetSpacing(s r3.Vec) {
	v.spacing = s
	v.Modified()
}

// Origin returns the physical position of voxel (0,0,0).
func (v *Volume) Origin() r3.Vec { return v.origin }

// SetOrigin sets the physical position of voxel (0,0,0).
func (v *Volume) SetOrigin(o r3.Vec) {
	v.origin = o
	v.Modified()
}

// Sum returns the sum of all voxel values.
func (v *Volume) Sum() float64 {
	if v.voxels == nil {
		return 0
	}
	return mat.Sum(v.voxels)
}

// SharesVoxels reports whether both volumes reference the same buffer.
func (v *Volume) SharesVoxels(other *Volume) bool {
	return v.voxels != nil && v.voxels == other.voxels
}
