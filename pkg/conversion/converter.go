// Package conversion runs the conversion workflow between image series,
// structure sets and labeled masks: one request at a time or a batch of
// series/structure pairs on a worker pool.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"rtmask/pkg/association"
	"rtmask/pkg/export"
	"rtmask/pkg/index"
	"rtmask/pkg/rasterize"
	"rtmask/pkg/rtstruct"
	"rtmask/pkg/vectorize"
	"rtmask/pkg/volume"
)

// ProgressCallback is a function that reports batch progress.
type ProgressCallback func(completed, total int, message string)

// Params holds the conversion parameters.
type Params struct {
	// Registry names the wanted regions and their synonyms. Required for
	// mask conversions.
	Registry *association.Registry

	// Workers is the number of pairs converted concurrently; NumCPU when zero
	Workers int

	// Assembler builds voxel grids; volume.NewAssembler() when nil
	Assembler *volume.Assembler

	// Rasterize controls contour filling
	Rasterize rasterize.Options

	// OutputDir receives NRRD volumes and generated structure sets when set
	OutputDir string

	// Verbose prints progress entries as they are recorded
	Verbose bool

	// Log collects progress entries; a new log when nil
	Log *Log

	// Progress is called as batch pairs complete, when set
	Progress ProgressCallback
}

// Converter runs conversion requests. It is safe for concurrent use.
type Converter struct {
	params *Params
}

// NewConverter creates a converter, filling unset parameters with defaults.
func NewConverter(params *Params) *Converter {
	p := *params
	if p.Assembler == nil {
		p.Assembler = volume.NewAssembler()
	}
	if p.Workers <= 0 {
		p.Workers = runtime.NumCPU()
	}
	if p.Log == nil {
		p.Log = NewLog()
	}
	return &Converter{params: &p}
}

// Log returns the converter's progress log.
func (c *Converter) Log() *Log { return c.params.Log }

// MaskResult is a completed structure set to mask conversion.
type MaskResult struct {
	Grid *volume.VoxelGrid
	Mask *volume.LabeledMask

	StructurePath string
	Warnings      []rasterize.UnresolvedRegionWarning
	Rejected      []*rasterize.SliceAlignmentError

	// ImagePath and MaskPath are the written NRRD files, empty without an
	// output directory
	ImagePath string
	MaskPath  string

	History []Stage
}

// StructureResult is a completed mask to structure set conversion.
type StructureResult struct {
	StructureSet *rtstruct.StructureSet

	// Path is the written RTSTRUCT file, empty without an output directory
	Path string

	History []Stage
}

func (c *Converter) newRecorder(worker int) *recorder {
	return &recorder{worker: worker, verbose: c.params.Verbose}
}

// ToMask assembles series and rasterizes the structure set at structurePath
// onto it. On failure no grid or mask is returned and the error is a
// *RequestError naming the terminal stage.
func (c *Converter) ToMask(ctx context.Context, series *index.ImageSeries, structurePath string) (*MaskResult, error) {
	if c.params.Registry == nil {
		return nil, association.ErrNoWantedRegions
	}
	rec := c.newRecorder(0)
	rec.start(0, series.SeriesInstanceUID)
	res, err := c.toMask(ctx, series, structurePath, rec)
	c.params.Log.merge(rec.entries)
	return res, err
}

// MaskFromGrid rasterizes the structure set at structurePath onto an
// already assembled grid. The request starts at Assembled.
func (c *Converter) MaskFromGrid(ctx context.Context, grid *volume.VoxelGrid, structurePath string) (*MaskResult, error) {
	if c.params.Registry == nil {
		return nil, association.ErrNoWantedRegions
	}
	rec := c.newRecorder(0)
	rec.start(0, grid.SeriesInstanceUID())
	res, err := c.maskFromGrid(ctx, NewRequest(Assembled), grid, structurePath, rec)
	c.params.Log.merge(rec.entries)
	return res, err
}

func (c *Converter) toMask(ctx context.Context, series *index.ImageSeries, structurePath string, rec *recorder) (*MaskResult, error) {
	req := NewRequest(Indexed)

	// Step 1: Assemble the voxel grid
	rec.record(req.Stage(), "Step 1: Assembling series %s (%d slices)...", series.SeriesInstanceUID, len(series.Slices))
	grid, err := c.params.Assembler.Assemble(ctx, series)
	if err != nil {
		var geomErr *volume.InconsistentGeometryError
		if errors.As(err, &geomErr) {
			err = req.Fail(GeometryError, err)
		} else {
			err = req.Fail(Failed, err)
		}
		rec.record(req.Stage(), "Error: %v", err)
		return nil, err
	}
	if err := req.Advance(Assembled); err != nil {
		return nil, err
	}
	return c.maskFromGrid(ctx, req, grid, structurePath, rec)
}

func (c *Converter) maskFromGrid(ctx context.Context, req *Request, grid *volume.VoxelGrid, structurePath string, rec *recorder) (*MaskResult, error) {
	fail := func(stage Stage, err error) (*MaskResult, error) {
		err = req.Fail(stage, err)
		rec.record(req.Stage(), "Error: %v", err)
		return nil, err
	}

	// Step 2: Read the structure set
	rec.record(req.Stage(), "Step 2: Reading structure set %s...", structurePath)
	ss, err := rtstruct.ReadFile(structurePath)
	if err != nil {
		return fail(Failed, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(Failed, err)
	}

	// Step 3: Rasterize the wanted regions
	rec.record(req.Stage(), "Step 3: Rasterizing %d wanted regions from %d structure set regions...",
		len(c.params.Registry.WantedRegions()), len(ss.Regions))
	raster, err := rasterize.Rasterize(grid, ss, c.params.Registry, c.params.Rasterize)
	if err != nil {
		var mismatch *rasterize.FrameOfReferenceMismatchError
		if errors.As(err, &mismatch) {
			return fail(AlignmentError, err)
		}
		return fail(Failed, err)
	}
	for _, w := range raster.Warnings {
		rec.record(req.Stage(), "Warning: %s", w)
	}
	for _, r := range raster.Rejected {
		rec.record(req.Stage(), "Warning: %v", r)
	}

	res := &MaskResult{
		Grid:          grid,
		Mask:          raster.Mask,
		StructurePath: structurePath,
		Warnings:      raster.Warnings,
		Rejected:      raster.Rejected,
	}

	if err := ctx.Err(); err != nil {
		return fail(Failed, err)
	}

	// Step 4: Write volumes
	if c.params.OutputDir != "" {
		dir := filepath.Join(c.params.OutputDir, safeName(grid.SeriesInstanceUID()))
		rec.record(req.Stage(), "Step 4: Writing image and mask to %s...", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fail(Failed, fmt.Errorf("failed to create output directory: %w", err))
		}
		res.ImagePath = filepath.Join(dir, "image.nrrd")
		res.MaskPath = filepath.Join(dir, "mask_"+safeName(strings.TrimSuffix(filepath.Base(structurePath), filepath.Ext(structurePath)))+".nrrd")
		if err := export.WriteGridFile(res.ImagePath, grid); err != nil {
			return fail(Failed, err)
		}
		if err := export.WriteMaskFile(res.MaskPath, raster.Mask); err != nil {
			os.Remove(res.ImagePath)
			return fail(Failed, err)
		}
	}

	if err := req.Advance(MaskReady); err != nil {
		return nil, err
	}
	rec.record(req.Stage(), "Mask ready: %s", labelSummary(raster.Mask))
	res.History = req.History()
	return res, nil
}

// ToStructure traces mask into a structure set referencing series. Only the
// slice geometry of series is used; no pixel data is read. labels names the
// mask labels; the mask's own names are used when nil.
func (c *Converter) ToStructure(ctx context.Context, series *index.ImageSeries, mask *volume.LabeledMask, labels []string) (*StructureResult, error) {
	rec := c.newRecorder(0)
	rec.start(0, series.SeriesInstanceUID)
	res, err := c.toStructure(ctx, series, mask, labels, rec)
	c.params.Log.merge(rec.entries)
	return res, err
}

func (c *Converter) toStructure(ctx context.Context, series *index.ImageSeries, mask *volume.LabeledMask, labels []string, rec *recorder) (*StructureResult, error) {
	req := NewRequest(Indexed)
	fail := func(stage Stage, err error) (*StructureResult, error) {
		err = req.Fail(stage, err)
		rec.record(req.Stage(), "Error: %v", err)
		return nil, err
	}

	// Step 1: Lay out the reference series
	rec.record(req.Stage(), "Step 1: Laying out series %s...", series.SeriesInstanceUID)
	layout, err := c.params.Assembler.Layout(series)
	if err != nil {
		return fail(GeometryError, err)
	}
	if err := req.Advance(Assembled); err != nil {
		return nil, err
	}
	if mask.Shape() != layout.Shape {
		return fail(Failed, fmt.Errorf("mask shape %v does not match series shape %v", mask.Shape(), layout.Shape))
	}
	if !mask.Affine().EqualWithin(layout.Affine, 1e-3) {
		rec.record(req.Stage(), "Warning: mask transform differs from the series; using the series transform")
	}
	if err := ctx.Err(); err != nil {
		return fail(Failed, err)
	}

	// Step 2: Trace the labels
	refs := make([]volume.SliceRef, len(layout.Slices))
	images := make([]rtstruct.ImageRef, len(layout.Slices))
	for k, h := range layout.Slices {
		refs[k] = volume.SliceRef{SOPClassUID: h.SOPClassUID, SOPInstanceUID: h.SOPInstanceUID}
		images[k] = rtstruct.ImageRef{SOPClassUID: h.SOPClassUID, SOPInstanceUID: h.SOPInstanceUID}
	}
	rec.record(req.Stage(), "Step 2: Tracing contours...")
	ss, err := vectorize.Vectorize(mask, layout.Affine, labels, vectorize.Options{
		FrameOfReferenceUID: series.FrameOfReferenceUID,
		StudyInstanceUID:    series.StudyInstanceUID,
		SeriesInstanceUID:   series.SeriesInstanceUID,
		SliceRefs:           refs,
		Label:               "RTMASK",
		Workers:             c.params.Workers,
	})
	if err != nil {
		return fail(Failed, err)
	}
	res := &StructureResult{StructureSet: ss}

	// Step 3: Write the structure set
	if c.params.OutputDir != "" {
		if err := os.MkdirAll(c.params.OutputDir, 0755); err != nil {
			return fail(Failed, fmt.Errorf("failed to create output directory: %w", err))
		}
		res.Path = filepath.Join(c.params.OutputDir, "RS_"+safeName(series.SeriesInstanceUID)+".dcm")
		rec.record(req.Stage(), "Step 3: Writing structure set to %s...", res.Path)
		err := rtstruct.WriteFile(res.Path, ss, rtstruct.WriteOptions{
			PatientName:       series.PatientName,
			PatientID:         series.PatientID,
			SeriesDescription: "rtmask contours",
			Images:            images,
		})
		if err != nil {
			return fail(Failed, err)
		}
	}

	if err := req.Advance(StructureReady); err != nil {
		return nil, err
	}
	rec.record(req.Stage(), "Structure set ready: %d regions, %d contours", len(ss.Regions), ss.ContourCount())
	res.History = req.History()
	return res, nil
}

func labelSummary(m *volume.LabeledMask) string {
	var parts []string
	for i, name := range m.Labels() {
		parts = append(parts, fmt.Sprintf("%s=%d", name, m.Count(uint16(i+1))))
	}
	return strings.Join(parts, ", ")
}

// safeName keeps a UID or file stem usable as a path element.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
