// Package volume assembles DICOM image series into 3D voxel grids and defines
// the labeled mask that shares a grid's geometry.
package volume

import (
	"fmt"

	"rtmask/pkg/geometry"
)

// Shape is the size of a volume as (slices, rows, columns).
type Shape struct {
	Slices, Rows, Cols int
}

// Len returns the number of voxels.
func (s Shape) Len() int { return s.Slices * s.Rows * s.Cols }

// Index returns the flat offset of voxel (slice, row, col).
func (s Shape) Index(slice, row, col int) int {
	return (slice*s.Rows+row)*s.Cols + col
}

// Contains reports whether (slice, row, col) lies inside the volume.
func (s Shape) Contains(slice, row, col int) bool {
	return slice >= 0 && slice < s.Slices && row >= 0 && row < s.Rows && col >= 0 && col < s.Cols
}

func (s Shape) valid() error {
	if s.Slices <= 0 || s.Rows <= 0 || s.Cols <= 0 {
		return fmt.Errorf("invalid volume shape %v", s)
	}
	return nil
}

// String formats the shape as slices x rows x cols.
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Slices, s.Rows, s.Cols)
}

// SliceRef identifies the image instance a grid slice came from.
type SliceRef struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// VoxelGrid is an immutable 3D intensity volume with its index-to-patient
// transform. Values are stored slice-major, then row, then column.
type VoxelGrid struct {
	shape   Shape
	values  []float64
	affine  geometry.Affine
	inverse geometry.Affine

	frameOfReferenceUID string
	seriesInstanceUID   string
	studyInstanceUID    string
	slices              []SliceRef
}

// GridInfo carries the identifiers attached to a grid.
type GridInfo struct {
	FrameOfReferenceUID string
	SeriesInstanceUID   string
	StudyInstanceUID    string

	// Slices optionally lists the source instance of every slice
	Slices []SliceRef
}

// NewVoxelGrid builds a grid over a copy of values. It is used by the
// assembler and by callers that hold volumes from other sources.
func NewVoxelGrid(shape Shape, values []float64, affine geometry.Affine, info GridInfo) (*VoxelGrid, error) {
	if err := shape.valid(); err != nil {
		return nil, err
	}
	if values == nil {
		values = make([]float64, shape.Len())
	}
	if len(values) != shape.Len() {
		return nil, fmt.Errorf("volume has %d values, shape %v needs %d", len(values), shape, shape.Len())
	}
	if info.Slices != nil && len(info.Slices) != shape.Slices {
		return nil, fmt.Errorf("got %d slice references for %d slices", len(info.Slices), shape.Slices)
	}
	inv, err := affine.Inverse()
	if err != nil {
		return nil, err
	}
	g := &VoxelGrid{
		shape:               shape,
		values:              make([]float64, len(values)),
		affine:              affine,
		inverse:             inv,
		frameOfReferenceUID: info.FrameOfReferenceUID,
		seriesInstanceUID:   info.SeriesInstanceUID,
		studyInstanceUID:    info.StudyInstanceUID,
	}
	copy(g.values, values)
	if info.Slices != nil {
		g.slices = make([]SliceRef, len(info.Slices))
		copy(g.slices, info.Slices)
	}
	return g, nil
}

// Shape returns the grid dimensions.
func (g *VoxelGrid) Shape() Shape { return g.shape }

// Affine returns the index-to-patient transform.
func (g *VoxelGrid) Affine() geometry.Affine { return g.affine }

// InverseAffine returns the patient-to-index transform.
func (g *VoxelGrid) InverseAffine() geometry.Affine { return g.inverse }

// FrameOfReferenceUID returns the coordinate system identifier of the grid.
func (g *VoxelGrid) FrameOfReferenceUID() string { return g.frameOfReferenceUID }

// SeriesInstanceUID returns the series the grid was assembled from.
func (g *VoxelGrid) SeriesInstanceUID() string { return g.seriesInstanceUID }

// StudyInstanceUID returns the study of the source series.
func (g *VoxelGrid) StudyInstanceUID() string { return g.studyInstanceUID }

// SliceRefs returns a copy of the per-slice source instances, nil when unknown.
func (g *VoxelGrid) SliceRefs() []SliceRef {
	if g.slices == nil {
		return nil
	}
	out := make([]SliceRef, len(g.slices))
	copy(out, g.slices)
	return out
}

// At returns the value of voxel (slice, row, col).
func (g *VoxelGrid) At(slice, row, col int) float64 {
	return g.values[g.shape.Index(slice, row, col)]
}

// Values returns a copy of the voxel values.
func (g *VoxelGrid) Values() []float64 {
	out := make([]float64, len(g.values))
	copy(out, g.values)
	return out
}

// Slice returns a copy of one slice as rows*cols values.
func (g *VoxelGrid) Slice(k int) []float64 {
	n := g.shape.Rows * g.shape.Cols
	out := make([]float64, n)
	copy(out, g.values[k*n:(k+1)*n])
	return out
}
