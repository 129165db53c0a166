// Package dicomtest writes small synthetic DICOM image series for tests.
package dicomtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/internal/dcm"
	"rtmask/pkg/geometry"
	"rtmask/pkg/rtstruct"
)

// CTImageStorage is the CT Image Storage SOP class.
const CTImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// Series describes a synthetic single-frame image series.
type Series struct {
	Dir          string
	StudyUID     string
	SeriesUID    string
	FrameUID     string
	Modality     string
	Rows, Cols   int
	PixelSpacing [2]float64
	RowCosine    r3.Vec
	ColumnCosine r3.Vec
	Positions    []r3.Vec

	// Pixel returns the stored value of a voxel; zero when nil
	Pixel func(slice, row, col int) uint16

	// Intercept is written as the rescale intercept
	Intercept float64
}

// Axial returns an identity-oriented series of n slices with unit spacing.
func Axial(dir string, n, rows, cols int) Series {
	s := Series{
		Dir:          dir,
		StudyUID:     "1.2.826.0.1.3680043.8.498.1",
		SeriesUID:    "1.2.826.0.1.3680043.8.498.2",
		FrameUID:     "1.2.826.0.1.3680043.8.498.3",
		Modality:     "CT",
		Rows:         rows,
		Cols:         cols,
		PixelSpacing: [2]float64{1, 1},
		RowCosine:    r3.Vec{X: 1},
		ColumnCosine: r3.Vec{Y: 1},
	}
	for k := 0; k < n; k++ {
		s.Positions = append(s.Positions, r3.Vec{Z: float64(k)})
	}
	return s
}

// SOPInstanceUID returns the instance UID written for slice k.
func (s Series) SOPInstanceUID(k int) string {
	return fmt.Sprintf("%s.%d", s.SeriesUID, k+1)
}

// Write writes one file per slice and returns their paths. Slices are written
// in reverse order so readers cannot rely on file order.
func (s Series) Write() ([]string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for k := len(s.Positions) - 1; k >= 0; k-- {
		path := filepath.Join(s.Dir, fmt.Sprintf("img_%03d.dcm", k))
		if err := WriteDataset(path, s.slice(k)); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s Series) slice(k int) []*dicom.Element {
	nf := frame.NewNativeFrame[uint16](16, s.Rows, s.Cols, s.Rows*s.Cols, 1)
	for i := 0; i < s.Rows; i++ {
		for j := 0; j < s.Cols; j++ {
			if s.Pixel != nil {
				nf.RawData[i*s.Cols+j] = s.Pixel(k, i, j)
			}
		}
	}
	pos := s.Positions[k]
	modality := s.Modality
	if modality == "" {
		modality = "CT"
	}
	return []*dicom.Element{
		Must(tag.MediaStorageSOPClassUID, []string{CTImageStorage}),
		Must(tag.MediaStorageSOPInstanceUID, []string{s.SOPInstanceUID(k)}),
		Must(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		Must(tag.SOPClassUID, []string{CTImageStorage}),
		Must(tag.SOPInstanceUID, []string{s.SOPInstanceUID(k)}),
		Must(tag.Modality, []string{modality}),
		Must(tag.PatientName, []string{"FIXTURE^PATIENT"}),
		Must(tag.PatientID, []string{"FIXTURE"}),
		Must(tag.StudyInstanceUID, []string{s.StudyUID}),
		Must(tag.SeriesInstanceUID, []string{s.SeriesUID}),
		Must(tag.FrameOfReferenceUID, []string{s.FrameUID}),
		Must(tag.InstanceNumber, []string{strconv.Itoa(k + 1)}),
		Must(tag.ImagePositionPatient, dcm.FormatDSList([]float64{pos.X, pos.Y, pos.Z})),
		Must(tag.ImageOrientationPatient, dcm.FormatDSList([]float64{
			s.RowCosine.X, s.RowCosine.Y, s.RowCosine.Z,
			s.ColumnCosine.X, s.ColumnCosine.Y, s.ColumnCosine.Z,
		})),
		Must(tag.PixelSpacing, dcm.FormatDSList(s.PixelSpacing[:])),
		Must(tag.SliceThickness, []string{"1"}),
		Must(tag.Rows, []int{s.Rows}),
		Must(tag.Columns, []int{s.Cols}),
		Must(tag.SamplesPerPixel, []int{1}),
		Must(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		Must(tag.BitsAllocated, []int{16}),
		Must(tag.BitsStored, []int{16}),
		Must(tag.HighBit, []int{15}),
		Must(tag.PixelRepresentation, []int{0}),
		Must(tag.RescaleIntercept, []string{dcm.FormatDS(s.Intercept)}),
		Must(tag.RescaleSlope, []string{"1"}),
		Must(tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
		}),
	}
}

// Must builds an element and panics on error; fixtures are static.
func Must(t tag.Tag, v interface{}) *dicom.Element {
	e, err := dicom.NewElement(t, v)
	if err != nil {
		panic(fmt.Sprintf("dicomtest: element %v: %v", t, err))
	}
	return e
}

// WriteDataset writes elems, sorted by tag, as a DICOM file.
func WriteDataset(path string, elems []*dicom.Element) error {
	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dicom.Write(f, dicom.Dataset{Elements: elems}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// StructureSet returns a structure set over the frame, study and series of s.
func (s Series) StructureSet(regions ...rtstruct.Region) *rtstruct.StructureSet {
	return &rtstruct.StructureSet{
		Label:                "FIXTURE",
		FrameOfReferenceUID:  s.FrameUID,
		StudyInstanceUID:     s.StudyUID,
		ReferencedSeriesUIDs: []string{s.SeriesUID},
		Regions:              regions,
	}
}

// WriteStructureSet writes ss to path, referencing every slice of s.
func (s Series) WriteStructureSet(path string, ss *rtstruct.StructureSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	images := make([]rtstruct.ImageRef, len(s.Positions))
	for k := range s.Positions {
		images[k] = rtstruct.ImageRef{SOPClassUID: CTImageStorage, SOPInstanceUID: s.SOPInstanceUID(k)}
	}
	return rtstruct.WriteFile(path, ss, rtstruct.WriteOptions{PatientID: "FIXTURE", Images: images})
}

// Polygon returns a closed planar contour through the given (x, y) patient
// coordinates at height z.
func Polygon(z float64, xy ...[2]float64) geometry.Contour {
	points := make([]r3.Vec, len(xy))
	for i, p := range xy {
		points[i] = r3.Vec{X: p[0], Y: p[1], Z: z}
	}
	return geometry.NewContour(points)
}
