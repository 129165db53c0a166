package rtstruct

import (
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"rtmask/internal/dcm"
	"rtmask/pkg/geometry"
)

// Modality is the DICOM modality of structure set files.
const Modality = "RTSTRUCT"

// SOPClassUID is the RT Structure Set Storage SOP class.
const SOPClassUID = "1.2.840.10008.5.1.4.1.1.481.3"

// ErrNotStructureSet is returned when a dataset is not an RT Structure Set.
var ErrNotStructureSet = errors.New("not an RT structure set")

// Summary is the header-level description of a structure set file: enough to
// pair it with image series without decoding any contour data.
type Summary struct {
	SOPInstanceUID       string
	FrameOfReferenceUID  string
	StudyInstanceUID     string
	ReferencedSeriesUIDs []string
	RegionNames          []string
}

// ReadFile parses the structure set stored at path.
func ReadFile(path string) (*StructureSet, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	ss, err := Parse(ds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ss, nil
}

// Summarize extracts the header-level description of a structure set.
func Summarize(ds dicom.Dataset) (*Summary, error) {
	if m := dcm.StringOr(ds.Elements, tag.Modality, ""); m != Modality {
		return nil, fmt.Errorf("%w: modality %q", ErrNotStructureSet, m)
	}
	s := &Summary{
		SOPInstanceUID:   dcm.StringOr(ds.Elements, tag.SOPInstanceUID, ""),
		StudyInstanceUID: dcm.StringOr(ds.Elements, tag.StudyInstanceUID, ""),
	}
	s.FrameOfReferenceUID, s.ReferencedSeriesUIDs = readReferences(ds.Elements)

	rois, _ := dcm.Items(ds.Elements, tag.StructureSetROISequence)
	for _, item := range rois {
		s.RegionNames = append(s.RegionNames, dcm.StringOr(item, tag.ROIName, ""))
		if s.FrameOfReferenceUID == "" {
			s.FrameOfReferenceUID = dcm.StringOr(item, tag.ReferencedFrameOfReferenceUID, "")
		}
	}
	if s.FrameOfReferenceUID == "" {
		return nil, fmt.Errorf("structure set has no frame of reference: %w", dcm.ErrMissing)
	}
	return s, nil
}

// Parse decodes a complete structure set, including contour geometry.
func Parse(ds dicom.Dataset) (*StructureSet, error) {
	sum, err := Summarize(ds)
	if err != nil {
		return nil, err
	}
	ss := &StructureSet{
		SOPInstanceUID:       sum.SOPInstanceUID,
		Label:                dcm.StringOr(ds.Elements, tag.StructureSetLabel, ""),
		FrameOfReferenceUID:  sum.FrameOfReferenceUID,
		StudyInstanceUID:     sum.StudyInstanceUID,
		ReferencedSeriesUIDs: sum.ReferencedSeriesUIDs,
	}

	byNumber := make(map[int]int)
	rois, err := dcm.Items(ds.Elements, tag.StructureSetROISequence)
	if err != nil && !errors.Is(err, dcm.ErrMissing) {
		return nil, err
	}
	for _, item := range rois {
		num, err := dcm.Int(item, tag.ROINumber)
		if err != nil {
			return nil, fmt.Errorf("structure set ROI: %w", err)
		}
		if _, dup := byNumber[num]; dup {
			return nil, fmt.Errorf("duplicate ROI number %d", num)
		}
		byNumber[num] = len(ss.Regions)
		ss.Regions = append(ss.Regions, Region{
			Number:              num,
			Name:                dcm.StringOr(item, tag.ROIName, ""),
			FrameOfReferenceUID: dcm.StringOr(item, tag.ReferencedFrameOfReferenceUID, ""),
		})
	}

	contours, err := dcm.Items(ds.Elements, tag.ROIContourSequence)
	if err != nil && !errors.Is(err, dcm.ErrMissing) {
		return nil, err
	}
	for _, item := range contours {
		num, err := dcm.Int(item, tag.ReferencedROINumber)
		if err != nil {
			return nil, fmt.Errorf("ROI contour: %w", err)
		}
		idx, ok := byNumber[num]
		if !ok {
			// Contours for an ROI that is not declared cannot be named.
			continue
		}
		region := &ss.Regions[idx]
		if color, err := dcm.Floats(item, tag.ROIDisplayColor); err == nil && len(color) == 3 {
			region.Color = [3]int{int(color[0]), int(color[1]), int(color[2])}
		}
		seq, err := dcm.Items(item, tag.ContourSequence)
		if err != nil {
			continue
		}
		for _, c := range seq {
			contour, err := parseContour(c)
			if err != nil {
				return nil, fmt.Errorf("ROI %d (%s): %w", num, region.Name, err)
			}
			region.Contours = append(region.Contours, contour)
		}
	}

	observations, _ := dcm.Items(ds.Elements, tag.RTROIObservationsSequence)
	for _, item := range observations {
		num, err := dcm.Int(item, tag.ReferencedROINumber)
		if err != nil {
			continue
		}
		if idx, ok := byNumber[num]; ok {
			ss.Regions[idx].InterpretedType = dcm.StringOr(item, tag.RTROIInterpretedType, "")
		}
	}
	return ss, nil
}

func parseContour(item []*dicom.Element) (geometry.Contour, error) {
	data, err := dcm.Floats(item, tag.ContourData)
	if err != nil {
		return geometry.Contour{}, err
	}
	c, err := geometry.ContourFromFlat(data)
	if err != nil {
		return geometry.Contour{}, err
	}
	if t := dcm.StringOr(item, tag.ContourGeometricType, ""); t != "" {
		c.Type = geometry.GeometricType(t)
	}
	if images, err := dcm.Items(item, tag.ContourImageSequence); err == nil && len(images) > 0 {
		c.ReferencedSOPInstanceUID = dcm.StringOr(images[0], tag.ReferencedSOPInstanceUID, "")
	}
	return c, nil
}

// readReferences walks Referenced Frame of Reference Sequence > RT Referenced
// Study Sequence > RT Referenced Series Sequence.
func readReferences(elems []*dicom.Element) (frame string, series []string) {
	frames, err := dcm.Items(elems, tag.ReferencedFrameOfReferenceSequence)
	if err != nil {
		return dcm.StringOr(elems, tag.FrameOfReferenceUID, ""), nil
	}
	for _, f := range frames {
		if frame == "" {
			frame = dcm.StringOr(f, tag.FrameOfReferenceUID, "")
		}
		studies, _ := dcm.Items(f, tag.RTReferencedStudySequence)
		for _, st := range studies {
			refs, _ := dcm.Items(st, tag.RTReferencedSeriesSequence)
			for _, r := range refs {
				if uid := dcm.StringOr(r, tag.SeriesInstanceUID, ""); uid != "" {
					series = append(series, uid)
				}
			}
		}
	}
	if frame == "" {
		frame = dcm.StringOr(elems, tag.FrameOfReferenceUID, "")
	}
	return frame, series
}
