package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/internal/dcm"
	"rtmask/internal/models"
	"rtmask/pkg/rtstruct"
)

// ProgressCallback is a function that reports scan progress.
type ProgressCallback func(completed, total int, message string)

// nonImage lists modalities that never form an image volume.
var nonImage = map[string]bool{
	"RTPLAN":   true,
	"RTDOSE":   true,
	"RTRECORD": true,
	"RTIMAGE":  true,
	"SR":       true,
	"PR":       true,
	"KO":       true,
	"REG":      true,
	"SEG":      true,
	"DOC":      true,
}

// Scanner walks a directory tree and indexes the DICOM files in it. Only
// headers are parsed.
type Scanner struct {
	// Workers is the number of files parsed concurrently; NumCPU when zero
	Workers int

	// Modalities restricts image series to these modalities; every image
	// modality is accepted when empty
	Modalities []string

	// Progress is called after each file, when set
	Progress ProgressCallback

	// walk replaces filepath.WalkDir in tests
	walk func(root string, fn fs.WalkDirFunc) error
}

// NewScanner returns a scanner using all CPUs.
func NewScanner() *Scanner {
	return &Scanner{Workers: runtime.NumCPU()}
}

type fileKind int

const (
	kindSkipped fileKind = iota
	kindImage
	kindStructure
)

type fileResult struct {
	kind      fileKind
	series    ImageSeries // identifiers only, no slices
	slice     models.SliceHeader
	structure StructureSetRef
	warning   ScanWarning
}

// Scan indexes every regular file under root, following symlinks to files.
// Unreadable or unsupported entries are recorded in Skipped; only a failure
// to read root itself or cancellation of ctx fails the scan.
func (s *Scanner) Scan(ctx context.Context, root string) (*Index, error) {
	walk := s.walk
	if walk == nil {
		walk = filepath.WalkDir
	}
	var paths []string
	var skipped []ScanWarning
	err := walk(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			skipped = append(skipped, ScanWarning{Path: path, Reason: ReasonUnreadable, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case d.Type().IsRegular():
			paths = append(paths, path)
		case d.Type()&fs.ModeSymlink != 0:
			info, err := os.Stat(path)
			switch {
			case err != nil:
				skipped = append(skipped, ScanWarning{Path: path, Reason: ReasonUnreadable, Err: err})
			case info.Mode().IsRegular():
				paths = append(paths, path)
			default:
				// linked directories are not followed
				skipped = append(skipped, ScanWarning{Path: path, Reason: ReasonUnreadable,
					Err: fmt.Errorf("symlink target is not a regular file (%s)", info.Mode().Type())})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(paths)

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	type indexedResult struct {
		i   int
		res fileResult
	}
	jobs := make(chan int)
	resultChan := make(chan indexedResult)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				resultChan <- indexedResult{i: i, res: s.scanFile(paths[i])}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range paths {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Results are stored by position so the index does not depend on
	// completion order.
	results := make([]fileResult, len(paths))
	completed := 0
	for r := range resultChan {
		results[r.i] = r.res
		completed++
		if s.Progress != nil {
			s.Progress(completed, len(paths), paths[r.i])
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.merge(root, skipped, results), nil
}

func (s *Scanner) merge(root string, skipped []ScanWarning, results []fileResult) *Index {
	ix := &Index{root: root, series: make(map[string]*ImageSeries), skipped: skipped}
	for _, r := range results {
		switch r.kind {
		case kindSkipped:
			ix.skipped = append(ix.skipped, r.warning)
		case kindStructure:
			ix.structures = append(ix.structures, r.structure)
		case kindImage:
			series, ok := ix.series[r.series.SeriesInstanceUID]
			if !ok {
				series = &ImageSeries{
					SeriesInstanceUID:   r.series.SeriesInstanceUID,
					FrameOfReferenceUID: r.series.FrameOfReferenceUID,
					StudyInstanceUID:    r.series.StudyInstanceUID,
					Modality:            r.series.Modality,
					Description:         r.series.Description,
					PatientID:           r.series.PatientID,
					PatientName:         r.series.PatientName,
				}
				ix.series[series.SeriesInstanceUID] = series
			}
			if r.series.FrameOfReferenceUID != series.FrameOfReferenceUID {
				ix.skipped = append(ix.skipped, ScanWarning{
					Path:   r.slice.Path,
					Reason: ReasonInvalidValue,
					Err: fmt.Errorf("frame of reference %s differs from %s used by series %s",
						r.series.FrameOfReferenceUID, series.FrameOfReferenceUID, series.SeriesInstanceUID),
				})
				continue
			}
			series.Slices = append(series.Slices, r.slice)
		}
	}
	return ix
}

func (s *Scanner) scanFile(path string) fileResult {
	skip := func(reason Reason, err error) fileResult {
		return fileResult{kind: kindSkipped, warning: ScanWarning{Path: path, Reason: reason, Err: err}}
	}

	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return skip(ReasonUnreadable, err)
	}

	modality := strings.ToUpper(dcm.StringOr(ds.Elements, tag.Modality, ""))
	if modality == rtstruct.Modality {
		sum, err := rtstruct.Summarize(ds)
		if err != nil {
			return skip(classify(err), err)
		}
		return fileResult{kind: kindStructure, structure: StructureSetRef{
			Path:                 path,
			SOPInstanceUID:       sum.SOPInstanceUID,
			FrameOfReferenceUID:  sum.FrameOfReferenceUID,
			StudyInstanceUID:     sum.StudyInstanceUID,
			ReferencedSeriesUIDs: sum.ReferencedSeriesUIDs,
			RegionNames:          sum.RegionNames,
		}}
	}
	if !s.acceptsModality(modality) {
		return skip(ReasonUnsupportedModality, fmt.Errorf("modality %q", modality))
	}

	res, err := readImageHeader(ds, path)
	if err != nil {
		return skip(classify(err), err)
	}
	res.series.Modality = modality
	return res
}

func (s *Scanner) acceptsModality(m string) bool {
	if nonImage[m] {
		return false
	}
	if len(s.Modalities) == 0 {
		return true
	}
	for _, want := range s.Modalities {
		if strings.EqualFold(want, m) {
			return true
		}
	}
	return false
}

func readImageHeader(ds dicom.Dataset, path string) (fileResult, error) {
	el := ds.Elements
	seriesUID, err := dcm.String(el, tag.SeriesInstanceUID)
	if err != nil {
		return fileResult{}, err
	}
	frameUID, err := dcm.String(el, tag.FrameOfReferenceUID)
	if err != nil {
		return fileResult{}, err
	}
	pos, err := dcm.FloatN(el, tag.ImagePositionPatient, 3)
	if err != nil {
		return fileResult{}, err
	}
	orient, err := dcm.FloatN(el, tag.ImageOrientationPatient, 6)
	if err != nil {
		return fileResult{}, err
	}
	spacing, err := dcm.FloatN(el, tag.PixelSpacing, 2)
	if err != nil {
		return fileResult{}, err
	}
	rows, err := dcm.Int(el, tag.Rows)
	if err != nil {
		return fileResult{}, err
	}
	cols, err := dcm.Int(el, tag.Columns)
	if err != nil {
		return fileResult{}, err
	}
	if rows <= 0 || cols <= 0 || spacing[0] <= 0 || spacing[1] <= 0 {
		return fileResult{}, fmt.Errorf("invalid geometry: %dx%d pixels, spacing %v", rows, cols, spacing)
	}

	return fileResult{
		kind: kindImage,
		series: ImageSeries{
			SeriesInstanceUID:   seriesUID,
			FrameOfReferenceUID: frameUID,
			StudyInstanceUID:    dcm.StringOr(el, tag.StudyInstanceUID, ""),
			Description:         dcm.StringOr(el, tag.SeriesDescription, ""),
			PatientID:           dcm.StringOr(el, tag.PatientID, ""),
			PatientName:         dcm.StringOr(el, tag.PatientName, ""),
		},
		slice: models.SliceHeader{
			Path:             path,
			SOPInstanceUID:   dcm.StringOr(el, tag.SOPInstanceUID, ""),
			SOPClassUID:      dcm.StringOr(el, tag.SOPClassUID, ""),
			InstanceNumber:   dcm.IntOr(el, tag.InstanceNumber, 0),
			Position:         r3.Vec{X: pos[0], Y: pos[1], Z: pos[2]},
			RowCosine:        r3.Vec{X: orient[0], Y: orient[1], Z: orient[2]},
			ColumnCosine:     r3.Vec{X: orient[3], Y: orient[4], Z: orient[5]},
			PixelSpacing:     [2]float64{spacing[0], spacing[1]},
			Rows:             rows,
			Columns:          cols,
			Thickness:        dcm.FloatOr(el, tag.SliceThickness, 0),
			RescaleSlope:     dcm.FloatOr(el, tag.RescaleSlope, 1),
			RescaleIntercept: dcm.FloatOr(el, tag.RescaleIntercept, 0),
		},
	}, nil
}

func classify(err error) Reason {
	if errors.Is(err, dcm.ErrMissing) {
		return ReasonMissingTag
	}
	return ReasonInvalidValue
}
