package rasterize

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/pkg/association"
	"rtmask/pkg/geometry"
	"rtmask/pkg/rtstruct"
	"rtmask/pkg/volume"
)

const frameUID = "1.2.3.100"

func newGrid(t *testing.T, shape volume.Shape, affine geometry.Affine) *volume.VoxelGrid {
	t.Helper()
	g, err := volume.NewVoxelGrid(shape, nil, affine, volume.GridInfo{FrameOfReferenceUID: frameUID})
	if err != nil {
		t.Fatalf("NewVoxelGrid failed: %v", err)
	}
	return g
}

// square returns a closed contour through index-space corners (x0,y0)-(x1,y1)
// on slice z, mapped to patient space by a.
func square(a geometry.Affine, x0, y0, x1, y1, z float64) geometry.Contour {
	pts := []r3.Vec{{X: x0, Y: y0, Z: z}, {X: x0, Y: y1, Z: z}, {X: x1, Y: y1, Z: z}, {X: x1, Y: y0, Z: z}}
	for i := range pts {
		pts[i] = a.Apply(pts[i])
	}
	return geometry.NewContour(pts)
}

func registry(t *testing.T, wanted []string, entries ...association.Entry) *association.Registry {
	t.Helper()
	table, err := association.NewTable(entries...)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	reg, err := association.New(wanted, table)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return reg
}

func structureSet(regions ...rtstruct.Region) *rtstruct.StructureSet {
	return &rtstruct.StructureSet{FrameOfReferenceUID: frameUID, Regions: regions}
}

// assertBlock checks that label fills exactly rows/cols [r0,r1)x[c0,c1) of slice k
// and nothing else on any slice.
func assertBlock(t *testing.T, m *volume.LabeledMask, label uint16, k, r0, r1, c0, c1 int) {
	t.Helper()
	s := m.Shape()
	for z := 0; z < s.Slices; z++ {
		for i := 0; i < s.Rows; i++ {
			for j := 0; j < s.Cols; j++ {
				want := z == k && i >= r0 && i < r1 && j >= c0 && j < c1
				if got := m.At(z, i, j) == label; got != want {
					t.Fatalf("voxel (%d,%d,%d): label %d, expected inside=%v", z, i, j, m.At(z, i, j), want)
				}
			}
		}
	}
}

// TestTumorSquare rasterizes a square on the middle slice of a 3x10x10 volume
func TestTumorSquare(t *testing.T) {
	id := geometry.Identity()
	grid := newGrid(t, volume.Shape{Slices: 3, Rows: 10, Cols: 10}, id)
	ss := structureSet(rtstruct.Region{Number: 1, Name: "Tumor", Contours: []geometry.Contour{
		square(id, 2, 2, 6, 6, 1),
	}})
	reg := registry(t, []string{"Tumor"}, association.Entry{Canonical: "Tumor", Synonyms: []string{"tumor"}})

	res, err := Rasterize(grid, ss, reg, Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if len(res.Warnings) != 0 || len(res.Rejected) != 0 {
		t.Errorf("unexpected warnings %v / rejections %v", res.Warnings, res.Rejected)
	}
	if labels := res.Mask.Labels(); len(labels) != 1 || labels[0] != "Tumor" {
		t.Errorf("unexpected labels %v", labels)
	}
	assertBlock(t, res.Mask, 1, 1, 2, 6, 2, 6)
	if n := res.Mask.Count(1); n != 16 {
		t.Errorf("expected 16 voxels, got %d", n)
	}
}

// TestObliqueAffine verifies contours are mapped through the inverse transform
func TestObliqueAffine(t *testing.T) {
	rowCos := r3.Unit(r3.Vec{X: 1, Y: 1})
	colCos := r3.Unit(r3.Vec{X: -1, Y: 1})
	a := geometry.NewAffine(r3.Vec{X: -10, Y: -20, Z: 5}, rowCos, colCos, r3.Cross(rowCos, colCos), [3]float64{0.7, 1.3, 2.5})
	grid := newGrid(t, volume.Shape{Slices: 4, Rows: 8, Cols: 12}, a)
	ss := structureSet(rtstruct.Region{Name: "lesion", Contours: []geometry.Contour{square(a, 3, 1, 9, 4, 2)}})

	res, err := Rasterize(grid, ss, registry(t, []string{"Lesion"}), Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	assertBlock(t, res.Mask, 1, 2, 1, 4, 3, 9)
}

// TestAssociationMerge verifies synonyms share a label and missing regions warn
func TestAssociationMerge(t *testing.T) {
	id := geometry.Identity()
	grid := newGrid(t, volume.Shape{Slices: 2, Rows: 10, Cols: 10}, id)
	ss := structureSet(
		rtstruct.Region{Name: "GTV", Contours: []geometry.Contour{square(id, 1, 1, 3, 3, 0)}},
		rtstruct.Region{Name: "gtv_primary", Contours: []geometry.Contour{square(id, 5, 5, 8, 8, 1), square(id, 2, 2, 4, 4, 0)}},
		rtstruct.Region{Name: "Couch"},
	)
	reg := registry(t, []string{"Tumor", "Liver"},
		association.Entry{Canonical: "Tumor", Synonyms: []string{"gtv", "GTV_Primary"}})

	res, err := Rasterize(grid, ss, reg, Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}

	// overlapping contours from different raw regions union rather than cancel
	if n := res.Mask.Count(1); n != 4+4-1+9 {
		t.Errorf("expected 16 tumor voxels, got %d", n)
	}
	if res.Mask.At(0, 2, 2) != 1 || res.Mask.At(1, 7, 7) != 1 {
		t.Error("merged contours not rasterized")
	}
	if n := res.Mask.Count(2); n != 0 {
		t.Errorf("missing region has %d voxels", n)
	}

	kinds := make(map[string]WarningKind)
	for _, w := range res.Warnings {
		kinds[w.Name] = w.Kind
	}
	if kinds["Liver"] != KindMissing {
		t.Errorf("expected a missing warning for Liver, got %v", res.Warnings)
	}
	if kinds["Couch"] != KindIgnored {
		t.Errorf("expected an ignored warning for Couch, got %v", res.Warnings)
	}
}

// TestOverlapPriority verifies later-painted regions win
func TestOverlapPriority(t *testing.T) {
	id := geometry.Identity()
	grid := newGrid(t, volume.Shape{Slices: 1, Rows: 10, Cols: 10}, id)
	ss := structureSet(
		rtstruct.Region{Name: "A", Contours: []geometry.Contour{square(id, 0, 0, 6, 6, 0)}},
		rtstruct.Region{Name: "B", Contours: []geometry.Contour{square(id, 4, 4, 8, 8, 0)}},
	)
	reg := registry(t, []string{"A", "B"})

	res, err := Rasterize(grid, ss, reg, Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if got := res.Mask.At(0, 5, 5); got != 2 {
		t.Errorf("default order: overlap has label %d, expected 2", got)
	}

	res, err = Rasterize(grid, ss, reg, Options{Priority: []string{"b", "A"}})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if got := res.Mask.At(0, 5, 5); got != 1 {
		t.Errorf("priority order: overlap has label %d, expected 1", got)
	}
	if got := res.Mask.At(0, 7, 7); got != 2 {
		t.Errorf("non-overlapping part of B has label %d", got)
	}
}

// TestRingHole verifies a nested contour cuts a hole
func TestRingHole(t *testing.T) {
	id := geometry.Identity()
	grid := newGrid(t, volume.Shape{Slices: 1, Rows: 10, Cols: 10}, id)
	inner := square(id, 3, 3, 7, 7, 0).Reversed()
	ss := structureSet(rtstruct.Region{Name: "Ring", Contours: []geometry.Contour{square(id, 1, 1, 9, 9, 0), inner}})

	res, err := Rasterize(grid, ss, registry(t, []string{"Ring"}), Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if n := res.Mask.Count(1); n != 64-16 {
		t.Errorf("expected 48 ring voxels, got %d", n)
	}
	if res.Mask.At(0, 5, 5) != 0 || res.Mask.At(0, 2, 5) != 1 {
		t.Error("hole not cut")
	}
}

// TestTriangle checks centre sampling on slanted edges
func TestTriangle(t *testing.T) {
	id := geometry.Identity()
	grid := newGrid(t, volume.Shape{Slices: 1, Rows: 6, Cols: 6}, id)
	tri := geometry.NewContour([]r3.Vec{{X: 0, Y: 0}, {X: 4, Y: 4}, {X: 0, Y: 4}})
	ss := structureSet(rtstruct.Region{Name: "T", Contours: []geometry.Contour{tri}})

	res, err := Rasterize(grid, ss, registry(t, []string{"T"}), Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	// row i spans 0 <= x < i
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			want := i < 4 && j < i
			if got := res.Mask.At(0, i, j) == 1; got != want {
				t.Errorf("voxel (%d,%d): inside=%v, expected %v", i, j, got, want)
			}
		}
	}
}

// TestSliceAlignment verifies off-plane contours are rejected individually
func TestSliceAlignment(t *testing.T) {
	id := geometry.Identity()
	grid := newGrid(t, volume.Shape{Slices: 3, Rows: 10, Cols: 10}, id)
	ss := structureSet(rtstruct.Region{Name: "Tumor", Contours: []geometry.Contour{
		square(id, 2, 2, 6, 6, 1.4),
		square(id, 2, 2, 6, 6, 2.05),
		square(id, 2, 2, 6, 6, 7),
		{Points: []r3.Vec{{X: 1, Y: 1}, {X: 2, Y: 2}}, Type: geometry.OpenPlanar},
	}})

	res, err := Rasterize(grid, ss, registry(t, []string{"Tumor"}), Options{})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	assertBlock(t, res.Mask, 1, 2, 2, 6, 2, 6)

	if len(res.Rejected) != 2 {
		t.Fatalf("expected 2 rejected contours, got %v", res.Rejected)
	}
	if res.Rejected[0].Contour != 0 || res.Rejected[0].Slice != 1 {
		t.Errorf("unexpected first rejection %+v", res.Rejected[0])
	}
	if res.Rejected[1].Contour != 2 || res.Rejected[1].Slice != 7 {
		t.Errorf("unexpected second rejection %+v", res.Rejected[1])
	}
	var alignErr *SliceAlignmentError
	if !errors.As(error(res.Rejected[0]), &alignErr) {
		t.Error("rejection is not a SliceAlignmentError")
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != KindNotClosed || res.Warnings[0].Contour != 3 {
		t.Errorf("expected one not-closed warning, got %v", res.Warnings)
	}

	// a looser tolerance accepts the first contour
	res, err = Rasterize(grid, ss, registry(t, []string{"Tumor"}), Options{SliceTolerance: 0.45})
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if res.Mask.At(1, 3, 3) != 1 {
		t.Error("contour within tolerance was not rasterized")
	}
}

// TestFrameOfReferenceMismatch verifies the pairing is rejected without a mask
func TestFrameOfReferenceMismatch(t *testing.T) {
	grid := newGrid(t, volume.Shape{Slices: 1, Rows: 4, Cols: 4}, geometry.Identity())
	ss := structureSet(rtstruct.Region{Name: "A"})
	ss.FrameOfReferenceUID = "9.9.9"

	res, err := Rasterize(grid, ss, registry(t, []string{"A"}), Options{})
	var mismatch *FrameOfReferenceMismatchError
	if !errors.As(err, &mismatch) || res != nil {
		t.Fatalf("expected FrameOfReferenceMismatchError, got %v", err)
	}
	if mismatch.Grid != frameUID || mismatch.StructureSet != "9.9.9" {
		t.Errorf("unexpected error contents %+v", mismatch)
	}

	ss = structureSet(rtstruct.Region{Name: "A", FrameOfReferenceUID: "9.9.9"})
	if _, err := Rasterize(grid, ss, registry(t, []string{"A"}), Options{}); !errors.As(err, &mismatch) || mismatch.Region != "A" {
		t.Errorf("expected a region-level mismatch, got %v", err)
	}
}

// TestNoWantedRegions verifies the configuration error
func TestNoWantedRegions(t *testing.T) {
	grid := newGrid(t, volume.Shape{Slices: 1, Rows: 4, Cols: 4}, geometry.Identity())
	if _, err := Rasterize(grid, structureSet(), nil, Options{}); !errors.Is(err, association.ErrNoWantedRegions) {
		t.Fatalf("expected ErrNoWantedRegions, got %v", err)
	}
}
