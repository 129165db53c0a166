// Package rtstruct models DICOM RT Structure Sets: named regions described by
// planar contours in patient coordinates. It reads structure sets from DICOM
// files and encodes new ones that reference an existing image series.
package rtstruct

import (
	"strings"

	"rtmask/pkg/geometry"
)

// Region is one named region of interest as authored in a structure set.
type Region struct {
	// Number is the ROI Number, unique within the structure set
	Number int

	// Name is the raw ROI Name
	Name string

	// FrameOfReferenceUID is the coordinate system the contours live in
	FrameOfReferenceUID string

	// Color is the display color as RGB, zero when unset
	Color [3]int

	// InterpretedType is the RT ROI Interpreted Type, e.g. ORGAN or GTV
	InterpretedType string

	// Contours holds the planar contours, possibly several per slice
	Contours []geometry.Contour
}

// StructureSet is a parsed or generated RT Structure Set.
type StructureSet struct {
	// SOPInstanceUID identifies the structure set instance, empty for
	// structure sets that have not been written yet
	SOPInstanceUID string

	// Label is the Structure Set Label
	Label string

	// FrameOfReferenceUID is the referenced frame of reference
	FrameOfReferenceUID string

	// StudyInstanceUID is the study of the referenced images
	StudyInstanceUID string

	// ReferencedSeriesUIDs lists the image series the structure set refers to
	ReferencedSeriesUIDs []string

	// Regions holds the regions in ROI sequence order
	Regions []Region
}

// RegionNames returns the raw names of every region in order.
func (s *StructureSet) RegionNames() []string {
	names := make([]string, len(s.Regions))
	for i, r := range s.Regions {
		names[i] = r.Name
	}
	return names
}

// Region returns the first region whose name matches name case-insensitively.
func (s *StructureSet) Region(name string) (*Region, bool) {
	for i := range s.Regions {
		if strings.EqualFold(s.Regions[i].Name, name) {
			return &s.Regions[i], true
		}
	}
	return nil, false
}

// ContourCount returns the total number of contours over all regions.
func (s *StructureSet) ContourCount() int {
	n := 0
	for _, r := range s.Regions {
		n += len(r.Contours)
	}
	return n
}

// References reports whether the structure set lists seriesUID among its
// referenced series. Structure sets without series references match nothing.
func (s *StructureSet) References(seriesUID string) bool {
	for _, uid := range s.ReferencedSeriesUIDs {
		if uid == seriesUID {
			return true
		}
	}
	return false
}

// RegionFrame returns the frame of reference of r, falling back to the
// structure set's.
func (s *StructureSet) RegionFrame(r Region) string {
	if r.FrameOfReferenceUID != "" {
		return r.FrameOfReferenceUID
	}
	return s.FrameOfReferenceUID
}
