package rtstruct

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"rtmask/internal/dcm"
)

const (
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	studyComponentClassUID = "1.2.840.10008.3.1.2.3.1"
)

// ImageRef identifies one image slice referenced by a structure set.
type ImageRef struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// WriteOptions carries the patient/study context a new structure set must
// repeat from the images it annotates.
type WriteOptions struct {
	PatientName string
	PatientID   string

	// SeriesDescription describes the new structure set series
	SeriesDescription string

	// Images lists every slice of the referenced series, in slice order
	Images []ImageRef

	// Now fixes the structure set date and time; zero means time.Now
	Now time.Time
}

// NewUID returns a globally unique DICOM UID derived from a random UUID,
// following the 2.25 root defined in PS3.5 Annex B.2.
func NewUID() string {
	id := uuid.New()
	return "2.25." + new(big.Int).SetBytes(id[:]).String()
}

// Encode builds a DICOM dataset for ss. The structure set must name its frame
// of reference, study and exactly one referenced series. A SOP instance UID
// is generated when ss does not carry one.
func Encode(ss *StructureSet, opts WriteOptions) (dicom.Dataset, error) {
	if ss.FrameOfReferenceUID == "" {
		return dicom.Dataset{}, fmt.Errorf("structure set has no frame of reference")
	}
	if len(ss.ReferencedSeriesUIDs) != 1 {
		return dicom.Dataset{}, fmt.Errorf("structure set must reference exactly one series, got %d", len(ss.ReferencedSeriesUIDs))
	}
	if ss.StudyInstanceUID == "" {
		return dicom.Dataset{}, fmt.Errorf("structure set has no study instance UID")
	}
	sopUID := ss.SOPInstanceUID
	if sopUID == "" {
		sopUID = NewUID()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	label := ss.Label
	if label == "" {
		label = "RTMASK"
	}

	b := &builder{}
	b.add(tag.MediaStorageSOPClassUID, []string{SOPClassUID})
	b.add(tag.MediaStorageSOPInstanceUID, []string{sopUID})
	b.add(tag.TransferSyntaxUID, []string{explicitVRLittleEndian})
	b.add(tag.SOPClassUID, []string{SOPClassUID})
	b.add(tag.SOPInstanceUID, []string{sopUID})
	b.add(tag.Modality, []string{Modality})
	b.add(tag.PatientName, []string{opts.PatientName})
	b.add(tag.PatientID, []string{opts.PatientID})
	b.add(tag.StudyInstanceUID, []string{ss.StudyInstanceUID})
	b.add(tag.SeriesInstanceUID, []string{NewUID()})
	b.add(tag.SeriesNumber, []string{"1"})
	b.add(tag.InstanceNumber, []string{"1"})
	if opts.SeriesDescription != "" {
		b.add(tag.SeriesDescription, []string{opts.SeriesDescription})
	}
	b.add(tag.StructureSetLabel, []string{label})
	b.add(tag.StructureSetDate, []string{now.Format("20060102")})
	b.add(tag.StructureSetTime, []string{now.Format("150405")})

	images := make([][]*dicom.Element, 0, len(opts.Images))
	for _, img := range opts.Images {
		images = append(images, imageItem(b, img))
	}
	series := b.item(
		b.elem(tag.SeriesInstanceUID, []string{ss.ReferencedSeriesUIDs[0]}),
		b.elem(tag.ContourImageSequence, images),
	)
	study := b.item(
		b.elem(tag.ReferencedSOPClassUID, []string{studyComponentClassUID}),
		b.elem(tag.ReferencedSOPInstanceUID, []string{ss.StudyInstanceUID}),
		b.elem(tag.RTReferencedSeriesSequence, [][]*dicom.Element{series}),
	)
	frame := b.item(
		b.elem(tag.FrameOfReferenceUID, []string{ss.FrameOfReferenceUID}),
		b.elem(tag.RTReferencedStudySequence, [][]*dicom.Element{study}),
	)
	b.add(tag.ReferencedFrameOfReferenceSequence, [][]*dicom.Element{frame})

	classOf := make(map[string]string, len(opts.Images))
	for _, img := range opts.Images {
		classOf[img.SOPInstanceUID] = img.SOPClassUID
	}

	var roiItems, contourItems, observationItems [][]*dicom.Element
	for i, r := range ss.Regions {
		num := r.Number
		if num == 0 {
			num = i + 1
		}
		numStr := strconv.Itoa(num)
		roiItems = append(roiItems, b.item(
			b.elem(tag.ROINumber, []string{numStr}),
			b.elem(tag.ReferencedFrameOfReferenceUID, []string{ss.RegionFrame(r)}),
			b.elem(tag.ROIName, []string{r.Name}),
			b.elem(tag.ROIGenerationAlgorithm, []string{"AUTOMATIC"}),
		))

		var seq [][]*dicom.Element
		for j, c := range r.Contours {
			ctype := string(c.Type)
			if ctype == "" {
				ctype = "CLOSED_PLANAR"
			}
			elems := []*dicom.Element{
				b.elem(tag.ContourNumber, []string{strconv.Itoa(j + 1)}),
				b.elem(tag.ContourGeometricType, []string{ctype}),
				b.elem(tag.NumberOfContourPoints, []string{strconv.Itoa(c.Len())}),
				b.elem(tag.ContourData, dcm.FormatDSList(c.Flat())),
			}
			if c.ReferencedSOPInstanceUID != "" {
				ref := imageItem(b, ImageRef{SOPClassUID: classOf[c.ReferencedSOPInstanceUID], SOPInstanceUID: c.ReferencedSOPInstanceUID})
				elems = append(elems, b.elem(tag.ContourImageSequence, [][]*dicom.Element{ref}))
			}
			seq = append(seq, b.item(elems...))
		}
		color := r.Color
		if color == [3]int{} {
			color = DefaultColor(i)
		}
		contourItems = append(contourItems, b.item(
			b.elem(tag.ROIDisplayColor, []string{strconv.Itoa(color[0]), strconv.Itoa(color[1]), strconv.Itoa(color[2])}),
			b.elem(tag.ContourSequence, seq),
			b.elem(tag.ReferencedROINumber, []string{numStr}),
		))

		interpreted := r.InterpretedType
		if interpreted == "" {
			interpreted = "ORGAN"
		}
		observationItems = append(observationItems, b.item(
			b.elem(tag.ObservationNumber, []string{numStr}),
			b.elem(tag.ReferencedROINumber, []string{numStr}),
			b.elem(tag.RTROIInterpretedType, []string{interpreted}),
			b.elem(tag.ROIInterpreter, []string{""}),
		))
	}
	b.add(tag.StructureSetROISequence, roiItems)
	b.add(tag.ROIContourSequence, contourItems)
	b.add(tag.RTROIObservationsSequence, observationItems)

	if b.err != nil {
		return dicom.Dataset{}, b.err
	}
	return dicom.Dataset{Elements: sortElements(b.elems)}, nil
}

// WriteFile encodes ss and writes it to path.
func WriteFile(path string, ss *StructureSet, opts WriteOptions) error {
	ds, err := Encode(ss, opts)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := dicom.Write(f, ds); err != nil {
		f.Close()
		return fmt.Errorf("failed to write structure set: %w", err)
	}
	return f.Close()
}

func imageItem(b *builder, img ImageRef) []*dicom.Element {
	return b.item(
		b.elem(tag.ReferencedSOPClassUID, []string{img.SOPClassUID}),
		b.elem(tag.ReferencedSOPInstanceUID, []string{img.SOPInstanceUID}),
	)
}

// builder accumulates elements and remembers the first construction error so
// the encoding code can stay linear.
type builder struct {
	elems []*dicom.Element
	err   error
}

func (b *builder) elem(t tag.Tag, v interface{}) *dicom.Element {
	e, err := dicom.NewElement(t, v)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to build element %v: %w", t, err)
	}
	return e
}

func (b *builder) add(t tag.Tag, v interface{}) {
	if e := b.elem(t, v); e != nil {
		b.elems = append(b.elems, e)
	}
}

func (b *builder) item(elems ...*dicom.Element) []*dicom.Element {
	out := make([]*dicom.Element, 0, len(elems))
	for _, e := range elems {
		if e != nil {
			out = append(out, e)
		}
	}
	return sortElements(out)
}

// sortElements orders elements by tag as the DICOM encoding requires.
func sortElements(elems []*dicom.Element) []*dicom.Element {
	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
	return elems
}

var palette = [][3]int{
	{255, 0, 0}, {0, 255, 0}, {0, 0, 255}, {255, 255, 0},
	{0, 255, 255}, {255, 0, 255}, {255, 128, 0}, {128, 0, 255},
}

// DefaultColor returns the display color given to the i-th region when none
// is set.
func DefaultColor(i int) [3]int {
	return palette[i%len(palette)]
}
