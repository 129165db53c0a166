package vectorize

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/pkg/association"
	"rtmask/pkg/geometry"
	"rtmask/pkg/rasterize"
	"rtmask/pkg/volume"
)

const frameUID = "1.2.3.200"

func newMask(t *testing.T, shape volume.Shape, values []uint16, labels ...string) *volume.LabeledMask {
	t.Helper()
	m, err := volume.NewLabeledMask(shape, values, geometry.Identity(), labels)
	if err != nil {
		t.Fatalf("NewLabeledMask failed: %v", err)
	}
	return m
}

// reRasterize fills the vectorized contours back onto the mask's grid.
func reRasterize(t *testing.T, m *volume.LabeledMask, a geometry.Affine) *volume.LabeledMask {
	t.Helper()
	ss, err := Vectorize(m, a, nil, Options{FrameOfReferenceUID: frameUID})
	if err != nil {
		t.Fatalf("Vectorize failed: %v", err)
	}
	grid, err := volume.NewVoxelGrid(m.Shape(), nil, a, volume.GridInfo{FrameOfReferenceUID: frameUID})
	if err != nil {
		t.Fatalf("NewVoxelGrid failed: %v", err)
	}
	reg, err := association.New(m.Labels(), nil)
	if err != nil {
		t.Fatalf("association.New failed: %v", err)
	}
	res, err := rasterize.Rasterize(grid, ss, reg, rasterize.Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if len(res.Rejected) != 0 {
		t.Fatalf("contours rejected on re-rasterization: %v", res.Rejected)
	}
	return res.Mask
}

func assertSameMask(t *testing.T, want, got *volume.LabeledMask) {
	t.Helper()
	w, g := want.Values(), got.Values()
	s := want.Shape()
	for i := range w {
		if w[i] != g[i] {
			k := i / (s.Rows * s.Cols)
			r := (i / s.Cols) % s.Rows
			t.Fatalf("voxel (%d,%d,%d): expected label %d, got %d", k, r, i%s.Cols, w[i], g[i])
		}
	}
}

// TestSingleVoxel traces the smallest possible region
func TestSingleVoxel(t *testing.T) {
	shape := volume.Shape{Slices: 1, Rows: 3, Cols: 3}
	values := make([]uint16, 9)
	values[shape.Index(0, 1, 1)] = 1
	ss, err := Vectorize(newMask(t, shape, values, "Dot"), geometry.Identity(), nil, Options{})
	if err != nil {
		t.Fatalf("Vectorize failed: %v", err)
	}
	if len(ss.Regions) != 1 || len(ss.Regions[0].Contours) != 1 {
		t.Fatalf("expected one contour, got %+v", ss.Regions)
	}
	c := ss.Regions[0].Contours[0]
	want := []r3.Vec{{X: 0.5, Y: 0.5}, {X: 1.5, Y: 0.5}, {X: 1.5, Y: 1.5}, {X: 0.5, Y: 1.5}}
	if !reflect.DeepEqual(c.Points, want) {
		t.Errorf("unexpected points %v", c.Points)
	}
	if a := c.SignedArea(geometry.Identity()); a != 1 {
		t.Errorf("signed area %v, expected 1", a)
	}
}

// TestCollinearDropped verifies straight runs collapse to their corners
func TestCollinearDropped(t *testing.T) {
	shape := volume.Shape{Slices: 1, Rows: 4, Cols: 6}
	values := make([]uint16, shape.Len())
	for i := 1; i < 3; i++ {
		for j := 1; j < 5; j++ {
			values[shape.Index(0, i, j)] = 1
		}
	}
	ss, err := Vectorize(newMask(t, shape, values, "Box"), geometry.Identity(), nil, Options{})
	if err != nil {
		t.Fatalf("Vectorize failed: %v", err)
	}
	c := ss.Regions[0].Contours[0]
	if c.Len() != 4 {
		t.Errorf("expected 4 corners, got %v", c.Points)
	}
	if a := c.SignedArea(geometry.Identity()); a != 8 {
		t.Errorf("signed area %v, expected 8", a)
	}
}

// TestDiagonalSaddle verifies diagonally touching voxels form separate loops
func TestDiagonalSaddle(t *testing.T) {
	shape := volume.Shape{Slices: 1, Rows: 2, Cols: 2}
	m := newMask(t, shape, []uint16{1, 0, 0, 1}, "Diag")
	ss, err := Vectorize(m, geometry.Identity(), nil, Options{FrameOfReferenceUID: frameUID})
	if err != nil {
		t.Fatalf("Vectorize failed: %v", err)
	}
	contours := ss.Regions[0].Contours
	if len(contours) != 2 {
		t.Fatalf("expected 2 loops, got %d", len(contours))
	}
	for i, c := range contours {
		if c.Len() != 4 || c.SignedArea(geometry.Identity()) != 1 {
			t.Errorf("loop %d: %v", i, c.Points)
		}
	}
	assertSameMask(t, m, reRasterize(t, m, geometry.Identity()))
}

// TestRing verifies a ring yields an outer and a hole contour per slice with
// opposite winding, and re-rasterizes exactly
func TestRing(t *testing.T) {
	const size, cx, cy = 110, 55.0, 55.0
	shape := volume.Shape{Slices: 2, Rows: size, Cols: size}
	values := make([]uint16, shape.Len())
	for k := 0; k < shape.Slices; k++ {
		for i := 0; i < size; i++ {
			for j := 0; j < size; j++ {
				d := math.Hypot(float64(i)-cy, float64(j)-cx)
				if d <= 50 && d > 33 {
					values[shape.Index(k, i, j)] = 1
				}
			}
		}
	}
	m := newMask(t, shape, values, "Ring")

	a := geometry.NewAffine(r3.Vec{X: -100, Y: -80, Z: 12}, r3.Vec{X: 1}, r3.Vec{Y: 1}, r3.Vec{Z: 1}, [3]float64{0.9765625, 0.9765625, 3})
	inv, err := a.Inverse()
	if err != nil {
		t.Fatal(err)
	}
	ss, err := Vectorize(m, a, nil, Options{})
	if err != nil {
		t.Fatalf("Vectorize failed: %v", err)
	}
	perSlice := make(map[int][]float64)
	for _, c := range ss.Regions[0].Contours {
		k := int(math.Round(inv.Apply(c.Points[0]).Z))
		perSlice[k] = append(perSlice[k], c.SignedArea(inv))
	}
	for k := 0; k < shape.Slices; k++ {
		areas := perSlice[k]
		if len(areas) != 2 {
			t.Fatalf("slice %d: expected 2 contours, got %d", k, len(areas))
		}
		if areas[0] <= 0 || areas[1] >= 0 {
			t.Errorf("slice %d: expected outer then hole, got areas %v", k, areas)
		}
		if got := areas[0] + areas[1]; math.Abs(got-float64(m.Count(1)/2)) > 1e-6 {
			t.Errorf("slice %d: net area %v, expected %d voxels", k, got, m.Count(1)/2)
		}
	}

	assertSameMask(t, m, reRasterize(t, m, a))
}

// TestRoundTripRandom re-rasterizes noisy multi-label masks
func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	shape := volume.Shape{Slices: 3, Rows: 16, Cols: 13}
	for trial := 0; trial < 5; trial++ {
		values := make([]uint16, shape.Len())
		for i := range values {
			if rng.Float64() < 0.45 {
				values[i] = uint16(1 + rng.Intn(3))
			}
		}
		m := newMask(t, shape, values, "A", "B", "C")
		assertSameMask(t, m, reRasterize(t, m, geometry.Identity()))
	}
}

// TestDeterminism verifies identical input gives identical geometry
func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	shape := volume.Shape{Slices: 2, Rows: 20, Cols: 20}
	values := make([]uint16, shape.Len())
	for i := range values {
		values[i] = uint16(rng.Intn(4))
	}
	m := newMask(t, shape, values, "A", "B", "C")

	first, err := Vectorize(m, geometry.Identity(), nil, Options{Workers: 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := Vectorize(m, geometry.Identity(), nil, Options{Workers: 1})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatal("vectorization is not deterministic")
		}
	}
}

// TestReferencesAndLabels covers slice references, empty labels and bad names
func TestReferencesAndLabels(t *testing.T) {
	shape := volume.Shape{Slices: 2, Rows: 2, Cols: 2}
	m := newMask(t, shape, []uint16{0, 0, 0, 0, 1, 1, 0, 0}, "A", "B")

	opts := Options{
		FrameOfReferenceUID: frameUID,
		StudyInstanceUID:    "1.2.3.1",
		SeriesInstanceUID:   "1.2.3.2",
		SliceRefs:           []volume.SliceRef{{SOPInstanceUID: "1.2.3.2.1"}, {SOPInstanceUID: "1.2.3.2.2"}},
	}
	ss, err := Vectorize(m, geometry.Identity(), []string{"Alpha", "Beta"}, opts)
	if err != nil {
		t.Fatalf("Vectorize failed: %v", err)
	}
	if ss.Regions[0].Name != "Alpha" || ss.Regions[1].Number != 2 {
		t.Errorf("unexpected regions %+v", ss.Regions)
	}
	if len(ss.Regions[1].Contours) != 0 {
		t.Error("empty label produced contours")
	}
	if got := ss.Regions[0].Contours[0].ReferencedSOPInstanceUID; got != "1.2.3.2.2" {
		t.Errorf("contour references %q", got)
	}
	if !ss.References("1.2.3.2") || ss.FrameOfReferenceUID != frameUID {
		t.Error("structure set identifiers not set")
	}

	if _, err := Vectorize(m, geometry.Identity(), []string{}, Options{}); err == nil {
		t.Error("expected an error when labels are not named")
	}
}
