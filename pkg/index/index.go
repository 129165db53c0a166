// Package index discovers DICOM image series and RT structure sets under a
// directory tree and pairs them by frame of reference.
package index

import (
	"fmt"
	"sort"
	"strings"

	"rtmask/internal/models"
	"rtmask/pkg/association"
)

// ImageSeries is the header-level description of one image series.
type ImageSeries = models.ImageSeries

// Reason classifies why a file was skipped.
type Reason string

const (
	ReasonUnreadable          Reason = "unreadable"
	ReasonMissingTag          Reason = "missing-tag"
	ReasonUnsupportedModality Reason = "unsupported-modality"
	ReasonInvalidValue        Reason = "invalid-value"
)

// ScanWarning records a file the scan skipped. It never aborts a scan.
type ScanWarning struct {
	Path   string
	Reason Reason
	Err    error
}

func (w ScanWarning) Error() string {
	if w.Err == nil {
		return fmt.Sprintf("%s: %s", w.Path, w.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", w.Path, w.Reason, w.Err)
}

func (w ScanWarning) Unwrap() error { return w.Err }

// StructureSetRef points at an RT structure set file found during a scan.
type StructureSetRef struct {
	Path                 string
	SOPInstanceUID       string
	FrameOfReferenceUID  string
	StudyInstanceUID     string
	ReferencedSeriesUIDs []string
	RegionNames          []string
}

// Candidate pairs an image series with the structure sets that share its
// frame of reference. StructureSets may be empty.
type Candidate struct {
	Series        *ImageSeries
	StructureSets []StructureSetRef
}

// RegionCount is the number of structure sets that contain a raw region name.
type RegionCount struct {
	Name  string
	Count int
}

// Index is the result of a scan. It is read-only.
type Index struct {
	root       string
	series     map[string]*ImageSeries
	structures []StructureSetRef
	skipped    []ScanWarning
}

// Root returns the scanned directory.
func (ix *Index) Root() string { return ix.root }

// Series returns the image series with the given UID.
func (ix *Index) Series(uid string) (*ImageSeries, bool) {
	s, ok := ix.series[uid]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// SeriesUIDs returns the UIDs of all image series, sorted.
func (ix *Index) SeriesUIDs() []string {
	uids := make([]string, 0, len(ix.series))
	for uid := range ix.series {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// StructureSets returns every structure set found, sorted by path.
func (ix *Index) StructureSets() []StructureSetRef {
	out := make([]StructureSetRef, len(ix.structures))
	copy(out, ix.structures)
	return out
}

// Skipped returns the warnings recorded for skipped files, sorted by path.
func (ix *Index) Skipped() []ScanWarning {
	out := make([]ScanWarning, len(ix.skipped))
	copy(out, ix.skipped)
	return out
}

// Candidates pairs every image series, ordered by series UID, with the
// structure sets sharing its frame of reference.
func (ix *Index) Candidates() []Candidate {
	var out []Candidate
	for _, uid := range ix.SeriesUIDs() {
		s := ix.series[uid]
		c := Candidate{Series: s.Clone()}
		for _, ref := range ix.structures {
			if ref.FrameOfReferenceUID == s.FrameOfReferenceUID {
				c.StructureSets = append(c.StructureSets, ref)
			}
		}
		out = append(out, c)
	}
	return out
}

// RegionNames returns every raw region name with the number of structure
// sets that contain it, sorted by name.
func (ix *Index) RegionNames() []RegionCount {
	counts := make(map[string]int)
	for _, ref := range ix.structures {
		seen := make(map[string]bool)
		for _, name := range ref.RegionNames {
			if !seen[name] {
				seen[name] = true
				counts[name]++
			}
		}
	}
	out := make([]RegionCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, RegionCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CandidatesWithRegions returns the candidates whose structure sets provide
// every wanted region of reg, keeping only those structure sets. Candidates
// left without a structure set are dropped.
func (ix *Index) CandidatesWithRegions(reg *association.Registry) []Candidate {
	var out []Candidate
	for _, c := range ix.Candidates() {
		var keep []StructureSetRef
		for _, ref := range c.StructureSets {
			if providesAll(ref, reg) {
				keep = append(keep, ref)
			}
		}
		if len(keep) > 0 {
			c.StructureSets = keep
			out = append(out, c)
		}
	}
	return out
}

func providesAll(ref StructureSetRef, reg *association.Registry) bool {
	found := make(map[string]bool)
	for _, name := range ref.RegionNames {
		if canonical, _, ok := reg.Lookup(name); ok {
			found[canonical] = true
		}
	}
	for _, want := range reg.WantedRegions() {
		if !found[want] {
			return false
		}
	}
	return true
}

// WhereIsRegion returns the structure sets containing a region named name,
// compared case-insensitively.
func (ix *Index) WhereIsRegion(name string) []StructureSetRef {
	var out []StructureSetRef
	for _, ref := range ix.structures {
		for _, n := range ref.RegionNames {
			if strings.EqualFold(strings.TrimSpace(n), strings.TrimSpace(name)) {
				out = append(out, ref)
				break
			}
		}
	}
	return out
}
