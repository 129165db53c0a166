// Package rasterize converts the planar contours of a structure set into a
// labeled voxel mask aligned with an image grid.
//
// Contours are mapped into voxel index space through the grid's inverse
// transform and filled with an even-odd scan-line rule sampled at voxel
// centres. A voxel belongs to a polygon when its centre lies inside it; a
// centre exactly on a left or top edge is inside, one on a right or bottom
// edge is outside. Contours of one region on one slice are filled together,
// so nested contours cut holes.
package rasterize

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/pkg/association"
	"rtmask/pkg/geometry"
	"rtmask/pkg/rtstruct"
	"rtmask/pkg/volume"
)

// DefaultSliceTolerance is the largest through-plane offset, in slices,
// accepted for a contour point.
const DefaultSliceTolerance = 0.1

// snap is the distance below which index coordinates are rounded to the
// nearest integer to absorb transform round-off.
const snap = 1e-6

// Grid is the geometry a mask is rasterized onto. *volume.VoxelGrid
// satisfies it.
type Grid interface {
	Shape() volume.Shape
	Affine() geometry.Affine
	FrameOfReferenceUID() string
}

// Options controls rasterization.
type Options struct {
	// SliceTolerance bounds the through-plane offset of contour points, in
	// slices; DefaultSliceTolerance when zero
	SliceTolerance float64

	// Priority lists canonical region names in painting order. Listed
	// regions are painted after every unlisted one, so where regions overlap
	// the last listed region wins. Unlisted regions are painted in label
	// order.
	Priority []string
}

// Result is the outcome of a rasterization.
type Result struct {
	Mask *volume.LabeledMask

	// Warnings lists regions and contours that contributed nothing
	Warnings []UnresolvedRegionWarning

	// Rejected lists contours left out because they are off-plane
	Rejected []*SliceAlignmentError
}

// Rasterize builds the labeled mask of ss on grid. Each wanted region of reg
// becomes its label; raw regions resolving to the same canonical name share
// it. A frame-of-reference mismatch rejects the pairing and no mask is
// returned.
func Rasterize(grid Grid, ss *rtstruct.StructureSet, reg *association.Registry, opts Options) (*Result, error) {
	if reg == nil {
		return nil, association.ErrNoWantedRegions
	}
	wanted := reg.WantedRegions()
	if len(wanted) == 0 {
		return nil, association.ErrNoWantedRegions
	}

	frame := grid.FrameOfReferenceUID()
	if ss.FrameOfReferenceUID != frame {
		return nil, &FrameOfReferenceMismatchError{Grid: frame, StructureSet: ss.FrameOfReferenceUID}
	}

	tol := opts.SliceTolerance
	if tol <= 0 {
		tol = DefaultSliceTolerance
	}
	shape := grid.Shape()
	inverse, err := grid.Affine().Inverse()
	if err != nil {
		return nil, err
	}

	res := &Result{}

	// sources[label-1] holds the raw regions feeding each label
	sources := make([][]rtstruct.Region, len(wanted))
	for _, r := range ss.Regions {
		_, label, ok := reg.Lookup(r.Name)
		if !ok {
			res.Warnings = append(res.Warnings, UnresolvedRegionWarning{Name: r.Name, Kind: KindIgnored, Contour: -1})
			continue
		}
		if f := ss.RegionFrame(r); f != frame {
			return nil, &FrameOfReferenceMismatchError{Grid: frame, StructureSet: f, Region: r.Name}
		}
		sources[label-1] = append(sources[label-1], r)
	}
	for i, name := range wanted {
		if len(sources[i]) == 0 {
			res.Warnings = append(res.Warnings, UnresolvedRegionWarning{Name: name, Kind: KindMissing, Contour: -1})
		}
	}

	values := make([]uint16, shape.Len())
	plane := shape.Rows * shape.Cols
	for _, label := range paintOrder(reg, opts.Priority) {
		for _, slice := range regionSlices(sources[label-1], inverse, shape, tol, res) {
			inside := make([]bool, plane)
			for _, polys := range slice.perRegion {
				fillEvenOdd(inside, polys, shape.Rows, shape.Cols)
			}
			base := slice.index * plane
			for i, in := range inside {
				if in {
					values[base+i] = uint16(label)
				}
			}
		}
	}

	mask, err := volume.NewLabeledMask(shape, values, grid.Affine(), wanted)
	if err != nil {
		return nil, err
	}
	res.Mask = mask
	return res, nil
}

// paintOrder returns labels in the order they are painted.
func paintOrder(reg *association.Registry, priority []string) []int {
	n := len(reg.WantedRegions())
	listed := make(map[int]bool)
	var tail []int
	for _, name := range priority {
		if l := reg.Label(reg.Resolve(name)); l > 0 && !listed[l] {
			listed[l] = true
			tail = append(tail, l)
		}
	}
	order := make([]int, 0, n)
	for l := 1; l <= n; l++ {
		if !listed[l] {
			order = append(order, l)
		}
	}
	return append(order, tail...)
}

type slicePolys struct {
	index int

	// perRegion holds, for every raw region, its polygons on this slice in
	// index coordinates
	perRegion [][][]r3.Vec
}

// regionSlices maps every contour of regions into index space and groups
// them by slice, recording rejected and unfillable contours in res.
func regionSlices(regions []rtstruct.Region, inverse geometry.Affine, shape volume.Shape, tol float64, res *Result) []slicePolys {
	bySlice := make(map[int]*slicePolys)
	for ri, r := range regions {
		for ci, c := range r.Contours {
			if !c.Closed() {
				res.Warnings = append(res.Warnings, UnresolvedRegionWarning{Name: r.Name, Kind: KindNotClosed, Contour: ci})
				continue
			}
			pts := make([]r3.Vec, len(c.Points))
			for i, p := range c.Points {
				pts[i] = snapVec(inverse.Apply(p))
			}
			k, offset := nearestSlice(pts)
			switch {
			case offset > tol:
				res.Rejected = append(res.Rejected, &SliceAlignmentError{
					Region: r.Name, Contour: ci, Offset: offset, Slice: k,
					Reason: "contour does not lie on a slice plane",
				})
				continue
			case k < 0 || k >= shape.Slices:
				res.Rejected = append(res.Rejected, &SliceAlignmentError{
					Region: r.Name, Contour: ci, Offset: offset, Slice: k,
					Reason: "contour lies outside the volume",
				})
				continue
			}
			sp, ok := bySlice[k]
			if !ok {
				sp = &slicePolys{index: k, perRegion: make([][][]r3.Vec, len(regions))}
				bySlice[k] = sp
			}
			sp.perRegion[ri] = append(sp.perRegion[ri], pts)
		}
	}

	out := make([]slicePolys, 0, len(bySlice))
	for _, sp := range bySlice {
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// nearestSlice returns the slice of the first point and the largest
// through-plane distance of any point from it.
func nearestSlice(pts []r3.Vec) (int, float64) {
	k := math.Round(pts[0].Z)
	var worst float64
	for _, p := range pts {
		if d := math.Abs(p.Z - k); d > worst {
			worst = d
		}
	}
	return int(k), worst
}

// fillEvenOdd sets inside[row*cols+col] for every voxel centre enclosed by
// polys under the even-odd rule. Voxels already set stay set.
func fillEvenOdd(inside []bool, polys [][]r3.Vec, rows, cols int) {
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, poly := range polys {
		for _, p := range poly {
			minY = math.Min(minY, p.Y)
			maxY = math.Max(maxY, p.Y)
		}
	}
	first := int(math.Max(0, math.Ceil(minY)))
	last := int(math.Min(float64(rows-1), math.Ceil(maxY)-1))

	row := make([]bool, cols)
	var xs []float64
	for i := first; i <= last; i++ {
		y := float64(i)
		xs = xs[:0]
		for _, poly := range polys {
			n := len(poly)
			for e := 0; e < n; e++ {
				p, q := poly[e], poly[(e+1)%n]
				if p.Y == q.Y {
					continue
				}
				lo, hi := p, q
				if lo.Y > hi.Y {
					lo, hi = hi, lo
				}
				if y < lo.Y || y >= hi.Y {
					continue
				}
				x := lo.X + (y-lo.Y)*(hi.X-lo.X)/(hi.Y-lo.Y)
				xs = append(xs, snapf(x))
			}
		}
		if len(xs) < 2 {
			continue
		}
		sort.Float64s(xs)

		for j := range row {
			row[j] = false
		}
		for s := 0; s+1 < len(xs); s += 2 {
			from := int(math.Max(0, math.Ceil(xs[s])))
			to := int(math.Min(float64(cols), math.Ceil(xs[s+1])))
			for j := from; j < to; j++ {
				row[j] = true
			}
		}
		base := i * cols
		for j, in := range row {
			if in {
				inside[base+j] = true
			}
		}
	}
}

func snapf(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < snap {
		return r
	}
	return v
}

func snapVec(v r3.Vec) r3.Vec {
	return r3.Vec{X: snapf(v.X), Y: snapf(v.Y), Z: snapf(v.Z)}
}
