package geometry

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func vecNear(a, b r3.Vec, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

// TestAffineRoundTrip verifies that Inverse undoes Apply for an oblique volume
func TestAffineRoundTrip(t *testing.T) {
	rowCos := r3.Unit(r3.Vec{X: 1, Y: 1, Z: 0})
	colCos := r3.Unit(r3.Vec{X: -1, Y: 1, Z: 0})
	normal := r3.Cross(rowCos, colCos)

	a := NewAffine(r3.Vec{X: -120, Y: 35.5, Z: 10}, rowCos, colCos, normal, [3]float64{0.8, 0.8, 2.5})
	inv, err := a.Inverse()
	if err != nil {
		t.Fatalf("Inverse failed: %v", err)
	}

	points := []r3.Vec{{}, {X: 1}, {X: 12.5, Y: 7, Z: 3}, {X: -4, Y: 200, Z: 40}}
	for _, p := range points {
		got := inv.Apply(a.Apply(p))
		if !vecNear(got, p, 1e-9) {
			t.Errorf("round trip of %v gave %v", p, got)
		}
	}

	if s := a.Spacing(); math.Abs(s[0]-0.8) > 1e-12 || math.Abs(s[2]-2.5) > 1e-12 {
		t.Errorf("unexpected spacing %v", s)
	}
	if o := a.Origin(); !vecNear(o, r3.Vec{X: -120, Y: 35.5, Z: 10}, 0) {
		t.Errorf("unexpected origin %v", o)
	}
	if d := a.Directions(); !vecNear(d[2], normal, 1e-12) {
		t.Errorf("unexpected slice direction %v", d[2])
	}
}

// TestAffineSingular verifies that a degenerate transform cannot be inverted
func TestAffineSingular(t *testing.T) {
	dir := r3.Vec{X: 1}
	a := NewAffine(r3.Vec{}, dir, dir, r3.Vec{Z: 1}, [3]float64{1, 1, 1})
	if _, err := a.Inverse(); err == nil {
		t.Fatal("expected an error for a singular transform")
	}
}

// TestContourWinding verifies signed area and reversal
func TestContourWinding(t *testing.T) {
	c := NewContour([]r3.Vec{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 3}, {X: 0, Y: 3}})

	area := c.SignedArea(Identity())
	if area != 12 {
		t.Errorf("expected area 12, got %f", area)
	}
	if got := c.Reversed().SignedArea(Identity()); got != -12 {
		t.Errorf("expected reversed area -12, got %f", got)
	}
	if !c.Closed() {
		t.Error("expected closed contour")
	}
	if n := c.Normal(); !vecNear(n, r3.Vec{Z: 1}, 1e-12) {
		t.Errorf("expected +Z normal, got %v", n)
	}
}

// TestContourFlat verifies conversion to and from DICOM contour data
func TestContourFlat(t *testing.T) {
	flat := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	c, err := ContourFromFlat(flat)
	if err != nil {
		t.Fatalf("ContourFromFlat failed: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 points, got %d", c.Len())
	}
	got := c.Flat()
	for i := range flat {
		if got[i] != flat[i] {
			t.Fatalf("flat mismatch at %d: %f != %f", i, got[i], flat[i])
		}
	}

	if _, err := ContourFromFlat([]float64{1, 2}); err == nil {
		t.Error("expected an error for truncated contour data")
	}
}
