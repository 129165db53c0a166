// Package geometry provides the geometric primitives shared by the conversion
// pipeline: points in patient space, planar contours and the affine transform
// between voxel index space and patient space.
//
// Voxel indices are expressed as r3.Vec{X: column, Y: row, Z: slice}. Patient
// coordinates follow the DICOM patient coordinate system in millimetres.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Affine is a 4x4 homogeneous transform stored in row-major order.
// The zero value is not a valid transform; use Identity or NewAffine.
type Affine struct {
	m [16]float64
}

// Identity returns the identity transform.
func Identity() Affine {
	var a Affine
	a.m[0], a.m[5], a.m[10], a.m[15] = 1, 1, 1, 1
	return a
}

// NewAffine builds the index-to-patient transform of an image volume.
//
// Parameters:
//   - origin: patient position of voxel (0, 0, 0)
//   - rowCosine: unit direction of increasing column index
//   - columnCosine: unit direction of increasing row index
//   - normal: unit direction of increasing slice index
//   - spacing: millimetres between columns, rows and slices, in that order
func NewAffine(origin, rowCosine, columnCosine, normal r3.Vec, spacing [3]float64) Affine {
	x := r3.Scale(spacing[0], rowCosine)
	y := r3.Scale(spacing[1], columnCosine)
	z := r3.Scale(spacing[2], normal)
	return Affine{m: [16]float64{
		x.X, y.X, z.X, origin.X,
		x.Y, y.Y, z.Y, origin.Y,
		x.Z, y.Z, z.Z, origin.Z,
		0, 0, 0, 1,
	}}
}

// FromMatrix builds an Affine from a 4x4 gonum matrix.
func FromMatrix(m mat.Matrix) (Affine, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Affine{}, fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
	}
	var a Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.m[i*4+j] = m.At(i, j)
		}
	}
	return a, nil
}

// Apply maps p through the transform.
func (a Affine) Apply(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: a.m[0]*p.X + a.m[1]*p.Y + a.m[2]*p.Z + a.m[3],
		Y: a.m[4]*p.X + a.m[5]*p.Y + a.m[6]*p.Z + a.m[7],
		Z: a.m[8]*p.X + a.m[9]*p.Y + a.m[10]*p.Z + a.m[11],
	}
}

// Matrix returns a copy of the transform as a gonum dense matrix.
func (a Affine) Matrix() *mat.Dense {
	data := make([]float64, 16)
	copy(data, a.m[:])
	return mat.NewDense(4, 4, data)
}

// Inverse returns the inverse transform. It fails when the linear part is
// singular, which happens for degenerate spacing or collinear directions.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Matrix()); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	return FromMatrix(&inv)
}

// Origin returns the patient position of voxel (0, 0, 0).
func (a Affine) Origin() r3.Vec {
	return r3.Vec{X: a.m[3], Y: a.m[7], Z: a.m[11]}
}

// Spacing returns the length of each index axis in patient space.
func (a Affine) Spacing() [3]float64 {
	var s [3]float64
	for j := 0; j < 3; j++ {
		s[j] = r3.Norm(a.column(j))
	}
	return s
}

// Directions returns the unit patient-space direction of each index axis.
func (a Affine) Directions() [3]r3.Vec {
	var d [3]r3.Vec
	for j := 0; j < 3; j++ {
		d[j] = r3.Unit(a.column(j))
	}
	return d
}

// Axes returns the patient-space step of each index axis, spacing included.
func (a Affine) Axes() [3]r3.Vec {
	return [3]r3.Vec{a.column(0), a.column(1), a.column(2)}
}

// EqualWithin reports whether every matrix entry of a and b differs by at most tol.
func (a Affine) EqualWithin(b Affine, tol float64) bool {
	for i := range a.m {
		if math.Abs(a.m[i]-b.m[i]) > tol {
			return false
		}
	}
	return true
}

func (a Affine) column(j int) r3.Vec {
	return r3.Vec{X: a.m[j], Y: a.m[4+j], Z: a.m[8+j]}
}

// String formats the transform row by row.
func (a Affine) String() string {
	return fmt.Sprintf("[%g %g %g %g; %g %g %g %g; %g %g %g %g]",
		a.m[0], a.m[1], a.m[2], a.m[3],
		a.m[4], a.m[5], a.m[6], a.m[7],
		a.m[8], a.m[9], a.m[10], a.m[11])
}
