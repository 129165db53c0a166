// Package dcm provides typed accessors over parsed DICOM element lists.
//
// The DICOM library returns element values as loosely typed slices; decimal
// and integer strings (DS, IS) arrive as text. These helpers convert them to
// Go values and report missing or malformed attributes uniformly.
package dcm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrMissing is returned when a requested attribute is absent or empty.
var ErrMissing = errors.New("missing attribute")

// Find returns the element with tag t from elems, or nil.
func Find(elems []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, e := range elems {
		if e != nil && e.Tag == t {
			return e
		}
	}
	return nil
}

// Strings returns the string values of t, split on the DICOM value separator
// and trimmed of padding.
func Strings(elems []*dicom.Element, t tag.Tag) ([]string, error) {
	e := Find(elems, t)
	if e == nil || e.Value == nil {
		return nil, fmt.Errorf("%v: %w", t, ErrMissing)
	}
	raw, ok := e.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("%v: expected string values, got %T", t, e.Value.GetValue())
	}
	var out []string
	for _, s := range raw {
		for _, part := range strings.Split(s, `\`) {
			out = append(out, strings.Trim(part, " \x00"))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%v: %w", t, ErrMissing)
	}
	return out, nil
}

// String returns the first string value of t.
func String(elems []*dicom.Element, t tag.Tag) (string, error) {
	v, err := Strings(elems, t)
	if err != nil {
		return "", err
	}
	if v[0] == "" {
		return "", fmt.Errorf("%v: %w", t, ErrMissing)
	}
	return v[0], nil
}

// StringOr returns the first string value of t, or def when it is absent.
func StringOr(elems []*dicom.Element, t tag.Tag, def string) string {
	v, err := String(elems, t)
	if err != nil {
		return def
	}
	return v
}

// Floats returns the numeric values of t. Decimal strings and binary
// floating point values are both accepted.
func Floats(elems []*dicom.Element, t tag.Tag) ([]float64, error) {
	e := Find(elems, t)
	if e == nil || e.Value == nil {
		return nil, fmt.Errorf("%v: %w", t, ErrMissing)
	}
	switch v := e.Value.GetValue().(type) {
	case []float64:
		if len(v) == 0 {
			return nil, fmt.Errorf("%v: %w", t, ErrMissing)
		}
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	case []int:
		if len(v) == 0 {
			return nil, fmt.Errorf("%v: %w", t, ErrMissing)
		}
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	}
	strs, err := Strings(elems, t)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(strs))
	for _, s := range strs {
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%v: invalid decimal %q: %w", t, s, err)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%v: %w", t, ErrMissing)
	}
	return out, nil
}

// FloatN returns exactly n numeric values of t.
func FloatN(elems []*dicom.Element, t tag.Tag, n int) ([]float64, error) {
	v, err := Floats(elems, t)
	if err != nil {
		return nil, err
	}
	if len(v) != n {
		return nil, fmt.Errorf("%v: expected %d values, got %d", t, n, len(v))
	}
	return v, nil
}

// FloatOr returns the first numeric value of t, or def when it is absent or
// malformed.
func FloatOr(elems []*dicom.Element, t tag.Tag, def float64) float64 {
	v, err := Floats(elems, t)
	if err != nil {
		return def
	}
	return v[0]
}

// Int returns the first integer value of t. Binary integers (US, SS, UL) and
// integer strings (IS) are both accepted.
func Int(elems []*dicom.Element, t tag.Tag) (int, error) {
	e := Find(elems, t)
	if e == nil || e.Value == nil {
		return 0, fmt.Errorf("%v: %w", t, ErrMissing)
	}
	if v, ok := e.Value.GetValue().([]int); ok {
		if len(v) == 0 {
			return 0, fmt.Errorf("%v: %w", t, ErrMissing)
		}
		return v[0], nil
	}
	s, err := String(elems, t)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%v: invalid integer %q: %w", t, s, err)
	}
	return n, nil
}

// IntOr returns the first integer value of t, or def.
func IntOr(elems []*dicom.Element, t tag.Tag, def int) int {
	n, err := Int(elems, t)
	if err != nil {
		return def
	}
	return n
}

// Items returns the element lists of every item in sequence t. An absent
// sequence yields ErrMissing; an empty one yields no items and no error.
func Items(elems []*dicom.Element, t tag.Tag) ([][]*dicom.Element, error) {
	e := Find(elems, t)
	if e == nil || e.Value == nil {
		return nil, fmt.Errorf("%v: %w", t, ErrMissing)
	}
	seq, ok := e.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil, fmt.Errorf("%v: expected a sequence, got %T", t, e.Value.GetValue())
	}
	out := make([][]*dicom.Element, 0, len(seq))
	for _, item := range seq {
		if item == nil {
			continue
		}
		inner, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			return nil, fmt.Errorf("%v: malformed sequence item %T", t, item.GetValue())
		}
		out = append(out, inner)
	}
	return out, nil
}

// FormatDS renders f as a DICOM decimal string, which is limited to 16 bytes.
func FormatDS(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if len(s) <= 16 {
		return s
	}
	for prec := 12; prec > 0; prec-- {
		s = strconv.FormatFloat(f, 'g', prec, 64)
		if len(s) <= 16 {
			return s
		}
	}
	return s
}

// FormatDSList renders values as decimal strings.
func FormatDSList(values []float64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = FormatDS(v)
	}
	return out
}
