// Package vectorize extracts planar contours from a labeled voxel mask and
// packages them as a structure set.
//
// Contours follow voxel edges exactly, so filling them again with the
// rasterize package reproduces the mask voxel for voxel.
package vectorize

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/pkg/geometry"
	"rtmask/pkg/rtstruct"
	"rtmask/pkg/volume"
)

// Options carries the identifiers the structure set must reference.
type Options struct {
	FrameOfReferenceUID string
	StudyInstanceUID    string
	SeriesInstanceUID   string

	// SliceRefs, when it has one entry per slice, sets the referenced image
	// of every contour
	SliceRefs []volume.SliceRef

	// Label is the structure set label
	Label string

	// Workers bounds the labels traced concurrently; NumCPU when zero
	Workers int
}

// FromGrid returns options referencing the series grid was assembled from.
func FromGrid(grid *volume.VoxelGrid) Options {
	return Options{
		FrameOfReferenceUID: grid.FrameOfReferenceUID(),
		StudyInstanceUID:    grid.StudyInstanceUID(),
		SeriesInstanceUID:   grid.SeriesInstanceUID(),
		SliceRefs:           grid.SliceRefs(),
	}
}

// Vectorize traces every non-background label of mask. Label n becomes the
// region labels[n-1]; when labels is nil the mask's own names are used. Each
// region holds, per slice, one contour per boundary: outer boundaries with
// positive signed area in voxel index space and holes with negative. ref maps
// voxel indices to patient coordinates.
func Vectorize(mask *volume.LabeledMask, ref geometry.Affine, labels []string, opts Options) (*rtstruct.StructureSet, error) {
	if labels == nil {
		labels = mask.Labels()
	}
	values := mask.Values()
	for i, v := range values {
		if int(v) > len(labels) {
			return nil, fmt.Errorf("voxel %d has label %d but only %d names were given", i, v, len(labels))
		}
	}
	shape := mask.Shape()

	refs := opts.SliceRefs
	if len(refs) != shape.Slices {
		refs = nil
	}

	regions := make([]rtstruct.Region, len(labels))
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for n := range labels {
		wg.Add(1)
		sem <- struct{}{}
		go func(label int) {
			defer wg.Done()
			defer func() { <-sem }()
			regions[label-1] = rtstruct.Region{
				Number:              label,
				Name:                labels[label-1],
				FrameOfReferenceUID: opts.FrameOfReferenceUID,
				Contours:            traceLabel(values, shape, uint16(label), ref, refs),
			}
		}(n + 1)
	}
	wg.Wait()

	ss := &rtstruct.StructureSet{
		Label:               opts.Label,
		FrameOfReferenceUID: opts.FrameOfReferenceUID,
		StudyInstanceUID:    opts.StudyInstanceUID,
		Regions:             regions,
	}
	if opts.SeriesInstanceUID != "" {
		ss.ReferencedSeriesUIDs = []string{opts.SeriesInstanceUID}
	}
	return ss, nil
}

func traceLabel(values []uint16, shape volume.Shape, label uint16, ref geometry.Affine, refs []volume.SliceRef) []geometry.Contour {
	plane := shape.Rows * shape.Cols
	fg := make([]bool, plane)
	var contours []geometry.Contour
	for k := 0; k < shape.Slices; k++ {
		found := false
		for i := range fg {
			fg[i] = values[k*plane+i] == label
			found = found || fg[i]
		}
		if !found {
			continue
		}
		for _, loop := range newTracer(fg, shape.Rows, shape.Cols).loops() {
			pts := make([]r3.Vec, len(loop))
			for i, v := range loop {
				pts[i] = ref.Apply(r3.Vec{X: float64(v.x) - 0.5, Y: float64(v.y) - 0.5, Z: float64(k)})
			}
			c := geometry.NewContour(pts)
			if refs != nil {
				c.ReferencedSOPInstanceUID = refs[k].SOPInstanceUID
			}
			contours = append(contours, c)
		}
	}
	return contours
}
