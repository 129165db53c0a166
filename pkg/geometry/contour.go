package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// GeometricType mirrors the DICOM Contour Geometric Type attribute.
type GeometricType string

const (
	ClosedPlanar  GeometricType = "CLOSED_PLANAR"
	OpenPlanar    GeometricType = "OPEN_PLANAR"
	OpenNonPlanar GeometricType = "OPEN_NONPLANAR"
	Point         GeometricType = "POINT"
)

// Contour is an ordered ring of patient-space points lying in one slice plane.
// The last point implicitly connects back to the first.
type Contour struct {
	Points []r3.Vec

	// Type is ClosedPlanar unless the source said otherwise.
	Type GeometricType

	// ReferencedSOPInstanceUID names the image slice the contour was drawn on.
	// Empty when unknown.
	ReferencedSOPInstanceUID string
}

// NewContour returns a closed planar contour over a copy of points.
func NewContour(points []r3.Vec) Contour {
	p := make([]r3.Vec, len(points))
	copy(p, points)
	return Contour{Points: p, Type: ClosedPlanar}
}

// ContourFromFlat builds a contour from a flat x,y,z triplet list as stored in
// the DICOM Contour Data attribute.
func ContourFromFlat(data []float64) (Contour, error) {
	if len(data)%3 != 0 {
		return Contour{}, fmt.Errorf("contour data length %d is not a multiple of 3", len(data))
	}
	points := make([]r3.Vec, len(data)/3)
	for i := range points {
		points[i] = r3.Vec{X: data[3*i], Y: data[3*i+1], Z: data[3*i+2]}
	}
	return Contour{Points: points, Type: ClosedPlanar}, nil
}

// Flat returns the points as a flat x,y,z triplet list.
func (c Contour) Flat() []float64 {
	out := make([]float64, 0, 3*len(c.Points))
	for _, p := range c.Points {
		out = append(out, p.X, p.Y, p.Z)
	}
	return out
}

// Len returns the number of points.
func (c Contour) Len() int { return len(c.Points) }

// Closed reports whether the contour describes a fillable polygon.
func (c Contour) Closed() bool {
	t := c.Type
	if t == "" {
		t = ClosedPlanar
	}
	return t == ClosedPlanar && len(c.Points) >= 3
}

// Reversed returns a copy of c with the point order reversed.
func (c Contour) Reversed() Contour {
	out := c
	out.Points = make([]r3.Vec, len(c.Points))
	for i, p := range c.Points {
		out.Points[len(c.Points)-1-i] = p
	}
	return out
}

// Transform returns a copy of c with every point mapped through a.
func (c Contour) Transform(a Affine) Contour {
	out := c
	out.Points = make([]r3.Vec, len(c.Points))
	for i, p := range c.Points {
		out.Points[i] = a.Apply(p)
	}
	return out
}

// SignedArea returns the shoelace area of the contour's X/Y projection after
// mapping each point through toIndex. Positive values mean the ring turns from
// +X towards +Y, which is how outer boundaries are emitted by the vectorizer.
func (c Contour) SignedArea(toIndex Affine) float64 {
	n := len(c.Points)
	if n < 3 {
		return 0
	}
	var sum float64
	prev := toIndex.Apply(c.Points[n-1])
	for _, p := range c.Points {
		cur := toIndex.Apply(p)
		sum += prev.X*cur.Y - cur.X*prev.Y
		prev = cur
	}
	return sum / 2
}

// Normal returns the unit normal of the contour's best-fit plane using
// Newell's method, or the zero vector when the contour is degenerate.
func (c Contour) Normal() r3.Vec {
	var n r3.Vec
	for i, p := range c.Points {
		q := c.Points[(i+1)%len(c.Points)]
		n.X += (p.Y - q.Y) * (p.Z + q.Z)
		n.Y += (p.Z - q.Z) * (p.X + q.X)
		n.Z += (p.X - q.X) * (p.Y + q.Y)
	}
	if r3.Norm(n) == 0 {
		return n
	}
	return r3.Unit(n)
}
