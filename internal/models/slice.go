package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// SliceHeader holds the header-level metadata of a single image slice.
// It is read during scanning; pixel data is loaded later on demand.
type SliceHeader struct {
	// Path is the file the slice was read from
	Path string

	// SOPInstanceUID identifies this slice
	SOPInstanceUID string

	// SOPClassUID is the storage class of the slice (CT, MR, PET, ...)
	SOPClassUID string

	// InstanceNumber is the acquisition-order number, informational only
	InstanceNumber int

	// Position is the patient-space position of the first transmitted pixel
	Position r3.Vec

	// RowCosine is the direction of increasing column index
	RowCosine r3.Vec

	// ColumnCosine is the direction of increasing row index
	ColumnCosine r3.Vec

	// PixelSpacing holds the distance between rows and between columns in mm,
	// in that order
	PixelSpacing [2]float64

	// Rows and Columns are the in-plane dimensions of the slice
	Rows, Columns int

	// Thickness is the nominal slice thickness in mm, 0 when absent
	Thickness float64

	// RescaleSlope and RescaleIntercept map stored values to output units
	RescaleSlope     float64
	RescaleIntercept float64
}

// ImageSeries is the set of slices sharing one series identifier.
// Slices are kept in scan order; the volume assembler establishes the
// spatial order.
type ImageSeries struct {
	// SeriesInstanceUID identifies the series
	SeriesInstanceUID string

	// FrameOfReferenceUID identifies the patient coordinate system
	FrameOfReferenceUID string

	// StudyInstanceUID identifies the study the series belongs to
	StudyInstanceUID string

	// Modality is the DICOM modality string, e.g. CT or MR
	Modality string

	// Description is the series description, informational only
	Description string

	// PatientID and PatientName are repeated into derived structure sets
	PatientID   string
	PatientName string

	// Slices holds the per-slice headers
	Slices []SliceHeader
}

// Clone returns a deep copy of the series.
func (s *ImageSeries) Clone() *ImageSeries {
	out := *s
	out.Slices = make([]SliceHeader, len(s.Slices))
	copy(out.Slices, s.Slices)
	return &out
}
