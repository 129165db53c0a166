package rasterize

import "fmt"

// FrameOfReferenceMismatchError rejects a structure set whose coordinate
// system differs from the grid's.
type FrameOfReferenceMismatchError struct {
	Grid         string
	StructureSet string

	// Region is set when a single region carries its own frame of reference
	Region string
}

func (e *FrameOfReferenceMismatchError) Error() string {
	if e.Region != "" {
		return fmt.Sprintf("region %q uses frame of reference %s, grid uses %s", e.Region, e.StructureSet, e.Grid)
	}
	return fmt.Sprintf("structure set uses frame of reference %s, grid uses %s", e.StructureSet, e.Grid)
}

// SliceAlignmentError reports a contour that does not lie on a slice plane
// of the grid. The contour is left out; the rest of its region is still
// rasterized.
type SliceAlignmentError struct {
	// Region is the raw region name
	Region string

	// Contour is the index of the contour within its region
	Contour int

	// Offset is the through-plane distance, in slices, between the worst
	// point and the nearest slice
	Offset float64

	// Slice is the nearest slice index, possibly outside the grid
	Slice int

	Reason string
}

func (e *SliceAlignmentError) Error() string {
	return fmt.Sprintf("contour %d of region %q rejected: %s (slice %d, offset %.3f)",
		e.Contour, e.Region, e.Reason, e.Slice, e.Offset)
}

// WarningKind classifies an UnresolvedRegionWarning.
type WarningKind string

const (
	// KindMissing marks a wanted region no raw name resolved to. Its label
	// stays empty.
	KindMissing WarningKind = "missing"

	// KindIgnored marks a raw region that does not resolve to a wanted region.
	KindIgnored WarningKind = "ignored"

	// KindNotClosed marks an open or degenerate contour that cannot be filled.
	KindNotClosed WarningKind = "not-closed"
)

// UnresolvedRegionWarning records a region or contour that contributed
// nothing to the mask. It is informational, never an error.
type UnresolvedRegionWarning struct {
	Name string
	Kind WarningKind

	// Contour is the contour index for KindNotClosed, -1 otherwise
	Contour int
}

func (w UnresolvedRegionWarning) String() string {
	if w.Contour >= 0 {
		return fmt.Sprintf("%s: contour %d %s", w.Name, w.Contour, w.Kind)
	}
	return fmt.Sprintf("%s: %s", w.Name, w.Kind)
}
