package rtstruct

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/pkg/geometry"
)

func sampleStructureSet() *StructureSet {
	square := geometry.NewContour([]r3.Vec{
		{X: -10.5, Y: -10.5, Z: 2.5},
		{X: 10.5, Y: -10.5, Z: 2.5},
		{X: 10.5, Y: 10.5, Z: 2.5},
		{X: -10.5, Y: 10.5, Z: 2.5},
	})
	square.ReferencedSOPInstanceUID = "1.2.3.4.2"
	hole := geometry.NewContour([]r3.Vec{
		{X: -2, Y: -2, Z: 2.5},
		{X: -2, Y: 2, Z: 2.5},
		{X: 2, Y: 2, Z: 2.5},
	})
	return &StructureSet{
		Label:                "TEST",
		FrameOfReferenceUID:  "1.2.3.9",
		StudyInstanceUID:     "1.2.3.1",
		ReferencedSeriesUIDs: []string{"1.2.3.4"},
		Regions: []Region{
			{Number: 1, Name: "Tumor", Color: [3]int{255, 0, 0}, Contours: []geometry.Contour{square, hole}},
			{Number: 7, Name: "Liver", InterpretedType: "ORGAN"},
		},
	}
}

// TestEncodeParseRoundTrip verifies that an encoded structure set parses back
// to the same geometry and references
func TestEncodeParseRoundTrip(t *testing.T) {
	ss := sampleStructureSet()
	ds, err := Encode(ss, WriteOptions{
		PatientID: "P1",
		Images: []ImageRef{
			{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SOPInstanceUID: "1.2.3.4.1"},
			{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", SOPInstanceUID: "1.2.3.4.2"},
		},
		Now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	parsed, err := dicom.Parse(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	got, err := Parse(parsed)
	if err != nil {
		t.Fatalf("rtstruct Parse failed: %v", err)
	}
	if got.FrameOfReferenceUID != "1.2.3.9" {
		t.Errorf("unexpected frame of reference %q", got.FrameOfReferenceUID)
	}
	if !got.References("1.2.3.4") {
		t.Errorf("expected reference to series 1.2.3.4, got %v", got.ReferencedSeriesUIDs)
	}
	if !strings.HasPrefix(got.SOPInstanceUID, "2.25.") {
		t.Errorf("expected generated 2.25 UID, got %q", got.SOPInstanceUID)
	}
	if names := got.RegionNames(); len(names) != 2 || names[0] != "Tumor" || names[1] != "Liver" {
		t.Fatalf("unexpected regions %v", names)
	}

	tumor, ok := got.Region("TUMOR")
	if !ok {
		t.Fatal("Tumor region missing")
	}
	if tumor.Color != [3]int{255, 0, 0} {
		t.Errorf("unexpected color %v", tumor.Color)
	}
	if len(tumor.Contours) != 2 {
		t.Fatalf("expected 2 contours, got %d", len(tumor.Contours))
	}
	want := ss.Regions[0].Contours[0]
	gotC := tumor.Contours[0]
	if gotC.Len() != want.Len() {
		t.Fatalf("expected %d points, got %d", want.Len(), gotC.Len())
	}
	for i := range want.Points {
		if math.Abs(gotC.Points[i].X-want.Points[i].X) > 1e-9 || math.Abs(gotC.Points[i].Z-want.Points[i].Z) > 1e-9 {
			t.Errorf("point %d: got %v want %v", i, gotC.Points[i], want.Points[i])
		}
	}
	if gotC.ReferencedSOPInstanceUID != "1.2.3.4.2" {
		t.Errorf("unexpected referenced image %q", gotC.ReferencedSOPInstanceUID)
	}
	if gotC.Type != geometry.ClosedPlanar {
		t.Errorf("unexpected geometric type %q", gotC.Type)
	}

	liver, _ := got.Region("liver")
	if liver.Number != 7 || liver.InterpretedType != "ORGAN" || len(liver.Contours) != 0 {
		t.Errorf("unexpected liver region %+v", liver)
	}
}

// TestWriteReadFile verifies the file-based helpers
func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rs.dcm")
	if err := WriteFile(path, sampleStructureSet(), WriteOptions{}); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ss, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if ss.ContourCount() != 2 {
		t.Errorf("expected 2 contours, got %d", ss.ContourCount())
	}
}

func TestEncodeValidation(t *testing.T) {
	ss := sampleStructureSet()
	ss.ReferencedSeriesUIDs = nil
	if _, err := Encode(ss, WriteOptions{}); err == nil {
		t.Error("expected an error without a referenced series")
	}
	ss = sampleStructureSet()
	ss.FrameOfReferenceUID = ""
	if _, err := Encode(ss, WriteOptions{}); err == nil {
		t.Error("expected an error without a frame of reference")
	}
}

func TestSummarizeRejectsImages(t *testing.T) {
	e, err := dicom.NewElement(tag.Modality, []string{"CT"})
	if err != nil {
		t.Fatalf("NewElement failed: %v", err)
	}
	_, err = Summarize(dicom.Dataset{Elements: []*dicom.Element{e}})
	if !errors.Is(err, ErrNotStructureSet) {
		t.Errorf("expected ErrNotStructureSet, got %v", err)
	}
}

func TestNewUIDUnique(t *testing.T) {
	a, b := NewUID(), NewUID()
	if a == b {
		t.Error("expected distinct UIDs")
	}
	if len(a) > 64 {
		t.Errorf("UID %q exceeds 64 characters", a)
	}
}
