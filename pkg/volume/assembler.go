package volume

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"rtmask/internal/models"
	"rtmask/pkg/geometry"
)

// ImageSeries and SliceHeader are the scanned series description consumed by
// the assembler.
type (
	ImageSeries = models.ImageSeries
	SliceHeader = models.SliceHeader
)

// ProgressCallback is a function that reports progress during assembly.
type ProgressCallback func(completed, total int, message string)

// InconsistentGeometryError reports a series whose slices cannot form one
// regular grid. Only the assembly of that series fails.
type InconsistentGeometryError struct {
	SeriesInstanceUID string
	Reason            string

	// Path is the offending slice, empty when the problem is series-wide
	Path string
}

func (e *InconsistentGeometryError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("inconsistent geometry in series %s: %s (%s)", e.SeriesInstanceUID, e.Reason, e.Path)
	}
	return fmt.Sprintf("inconsistent geometry in series %s: %s", e.SeriesInstanceUID, e.Reason)
}

// Layout is the validated spatial arrangement of a series: slices in
// through-plane order and the resulting transform. No pixel data is involved.
type Layout struct {
	Shape   Shape
	Affine  geometry.Affine
	Slices  []SliceHeader
	Spacing [3]float64
}

// Assembler builds voxel grids from image series.
type Assembler struct {
	// Loader reads the pixels of one slice; DICOMLoader when nil
	Loader PixelLoader

	// GeometryTolerance bounds differences in pixel spacing (mm) and
	// direction cosines between slices
	GeometryTolerance float64

	// SpacingTolerance bounds the deviation of each slice gap from the mean
	// gap, as a fraction of the mean
	SpacingTolerance float64

	// PositionTolerance bounds the in-plane drift of slice origins in mm
	PositionTolerance float64

	// Progress is called after each slice is loaded, when set
	Progress ProgressCallback
}

// NewAssembler returns an assembler with default tolerances that reads
// pixels from DICOM files.
func NewAssembler() *Assembler {
	return &Assembler{
		Loader:            DICOMLoader{},
		GeometryTolerance: 1e-3,
		SpacingTolerance:  0.01,
		PositionTolerance: 0.1,
	}
}

// Assemble validates the geometry of series, loads its pixel data and
// returns the grid. On any error no grid is returned.
func (a *Assembler) Assemble(ctx context.Context, series *ImageSeries) (*VoxelGrid, error) {
	layout, err := a.Layout(series)
	if err != nil {
		return nil, err
	}
	loader := a.Loader
	if loader == nil {
		loader = DICOMLoader{}
	}

	shape := layout.Shape
	plane := shape.Rows * shape.Cols
	values := make([]float64, shape.Len())
	refs := make([]SliceRef, shape.Slices)
	for k, h := range layout.Slices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pix, err := loader.Load(h)
		if err != nil {
			return nil, fmt.Errorf("failed to load pixels of %s: %w", h.Path, err)
		}
		if len(pix) != plane {
			return nil, fmt.Errorf("slice %s has %d pixels, expected %d", h.Path, len(pix), plane)
		}
		copy(values[k*plane:], pix)
		refs[k] = SliceRef{SOPClassUID: h.SOPClassUID, SOPInstanceUID: h.SOPInstanceUID}
		if a.Progress != nil {
			a.Progress(k+1, shape.Slices, h.Path)
		}
	}

	return NewVoxelGrid(shape, values, layout.Affine, GridInfo{
		FrameOfReferenceUID: series.FrameOfReferenceUID,
		SeriesInstanceUID:   series.SeriesInstanceUID,
		StudyInstanceUID:    series.StudyInstanceUID,
		Slices:              refs,
	})
}

// Layout orders the slices of series along the through-plane direction,
// checks that they form a regular grid and computes the index-to-patient
// transform.
func (a *Assembler) Layout(series *ImageSeries) (*Layout, error) {
	fail := func(path, format string, args ...interface{}) error {
		return &InconsistentGeometryError{
			SeriesInstanceUID: series.SeriesInstanceUID,
			Reason:            fmt.Sprintf(format, args...),
			Path:              path,
		}
	}
	if len(series.Slices) == 0 {
		return nil, fail("", "series has no slices")
	}

	tol := a.GeometryTolerance
	ref := series.Slices[0]
	if ref.Rows <= 0 || ref.Columns <= 0 {
		return nil, fail(ref.Path, "invalid dimensions %dx%d", ref.Rows, ref.Columns)
	}
	if ref.PixelSpacing[0] <= 0 || ref.PixelSpacing[1] <= 0 {
		return nil, fail(ref.Path, "invalid pixel spacing %v", ref.PixelSpacing)
	}
	if math.Abs(r3.Norm(ref.RowCosine)-1) > 1e-2 || math.Abs(r3.Norm(ref.ColumnCosine)-1) > 1e-2 ||
		math.Abs(r3.Dot(ref.RowCosine, ref.ColumnCosine)) > 1e-2 {
		return nil, fail(ref.Path, "direction cosines are not orthonormal")
	}
	rowCos := r3.Unit(ref.RowCosine)
	colCos := r3.Unit(ref.ColumnCosine)
	normal := r3.Unit(r3.Cross(rowCos, colCos))

	for _, s := range series.Slices[1:] {
		switch {
		case s.Rows != ref.Rows || s.Columns != ref.Columns:
			return nil, fail(s.Path, "dimensions %dx%d differ from %dx%d", s.Rows, s.Columns, ref.Rows, ref.Columns)
		case !floats.EqualApprox(s.PixelSpacing[:], ref.PixelSpacing[:], tol):
			return nil, fail(s.Path, "pixel spacing %v differs from %v", s.PixelSpacing, ref.PixelSpacing)
		case !floats.EqualApprox(vec(s.RowCosine), vec(ref.RowCosine), tol) ||
			!floats.EqualApprox(vec(s.ColumnCosine), vec(ref.ColumnCosine), tol):
			return nil, fail(s.Path, "orientation differs from the first slice")
		}
	}

	slices := make([]SliceHeader, len(series.Slices))
	copy(slices, series.Slices)
	proj := func(h SliceHeader) float64 { return r3.Dot(h.Position, normal) }
	sort.SliceStable(slices, func(i, j int) bool {
		pi, pj := proj(slices[i]), proj(slices[j])
		if pi != pj {
			return pi < pj
		}
		return slices[i].Path < slices[j].Path
	})

	origin := slices[0].Position
	for _, s := range slices[1:] {
		d := r3.Sub(s.Position, origin)
		inPlane := r3.Sub(d, r3.Scale(r3.Dot(d, normal), normal))
		if r3.Norm(inPlane) > a.PositionTolerance {
			return nil, fail(s.Path, "slice origin drifts %.3f mm in-plane", r3.Norm(inPlane))
		}
	}

	sliceSpacing := ref.Thickness
	if len(slices) > 1 {
		gaps := make([]float64, len(slices)-1)
		for i := range gaps {
			gaps[i] = proj(slices[i+1]) - proj(slices[i])
			if gaps[i] <= tol {
				return nil, fail(slices[i+1].Path, "duplicate slice position")
			}
		}
		mean := stat.Mean(gaps, nil)
		for i, g := range gaps {
			if math.Abs(g-mean) > a.SpacingTolerance*mean {
				return nil, fail(slices[i+1].Path,
					"non-uniform slice spacing: gap %.4f mm vs mean %.4f mm (std %.4f)", g, mean, stat.StdDev(gaps, nil))
			}
		}
		sliceSpacing = mean
	}
	if sliceSpacing <= 0 {
		sliceSpacing = 1
	}

	spacing := [3]float64{ref.PixelSpacing[1], ref.PixelSpacing[0], sliceSpacing}
	return &Layout{
		Shape:   Shape{Slices: len(slices), Rows: ref.Rows, Cols: ref.Columns},
		Affine:  geometry.NewAffine(origin, rowCos, colCos, normal, spacing),
		Slices:  slices,
		Spacing: spacing,
	}, nil
}

func vec(v r3.Vec) []float64 { return []float64{v.X, v.Y, v.Z} }
