package volume

import (
	"fmt"

	"rtmask/pkg/geometry"
)

// LabeledMask is an immutable integer-labeled volume. Label 0 is background;
// label n is the region Labels()[n-1].
type LabeledMask struct {
	shape  Shape
	values []uint16
	affine geometry.Affine
	labels []string
}

// NewLabeledMask builds a mask over a copy of values. A nil values slice
// yields an all-background mask.
func NewLabeledMask(shape Shape, values []uint16, affine geometry.Affine, labels []string) (*LabeledMask, error) {
	if err := shape.valid(); err != nil {
		return nil, err
	}
	if values == nil {
		values = make([]uint16, shape.Len())
	}
	if len(values) != shape.Len() {
		return nil, fmt.Errorf("mask has %d values, shape %v needs %d", len(values), shape, shape.Len())
	}
	for i, v := range values {
		if int(v) > len(labels) {
			return nil, fmt.Errorf("voxel %d has label %d but only %d labels are named", i, v, len(labels))
		}
	}
	m := &LabeledMask{
		shape:  shape,
		values: make([]uint16, len(values)),
		affine: affine,
		labels: make([]string, len(labels)),
	}
	copy(m.values, values)
	copy(m.labels, labels)
	return m, nil
}

// Shape returns the mask dimensions.
func (m *LabeledMask) Shape() Shape { return m.shape }

// Affine returns the index-to-patient transform shared with the image grid.
func (m *LabeledMask) Affine() geometry.Affine { return m.affine }

// Labels returns the region names in label order.
func (m *LabeledMask) Labels() []string {
	out := make([]string, len(m.labels))
	copy(out, m.labels)
	return out
}

// At returns the label of voxel (slice, row, col).
func (m *LabeledMask) At(slice, row, col int) uint16 {
	return m.values[m.shape.Index(slice, row, col)]
}

// Values returns a copy of the labels.
func (m *LabeledMask) Values() []uint16 {
	out := make([]uint16, len(m.values))
	copy(out, m.values)
	return out
}

// Binary returns one slice as a row-major boolean image of voxels carrying label.
func (m *LabeledMask) Binary(slice int, label uint16) []bool {
	n := m.shape.Rows * m.shape.Cols
	out := make([]bool, n)
	base := slice * n
	for i := 0; i < n; i++ {
		out[i] = m.values[base+i] == label
	}
	return out
}

// Count returns the number of voxels carrying label.
func (m *LabeledMask) Count(label uint16) int {
	n := 0
	for _, v := range m.values {
		if v == label {
			n++
		}
	}
	return n
}

// LabelsFromChannels collapses a stack of per-class channels (one-hot or
// probabilities, each shape.Len() long) into a single label per voxel. Channel
// c becomes label c+1. A voxel stays background when its best channel is zero,
// below threshold, or tied with another channel.
func LabelsFromChannels(shape Shape, channels [][]float32, threshold float32) ([]uint16, error) {
	if err := shape.valid(); err != nil {
		return nil, err
	}
	if len(channels) > 65535 {
		return nil, fmt.Errorf("too many channels: %d", len(channels))
	}
	for c, ch := range channels {
		if len(ch) != shape.Len() {
			return nil, fmt.Errorf("channel %d has %d values, expected %d", c, len(ch), shape.Len())
		}
	}
	out := make([]uint16, shape.Len())
	for i := range out {
		best, bestC, tie := float32(0), -1, false
		for c, ch := range channels {
			v := ch[i]
			switch {
			case bestC < 0 || v > best:
				best, bestC, tie = v, c, false
			case v == best:
				tie = true
			}
		}
		if bestC >= 0 && !tie && best >= threshold && best > 0 {
			out[i] = uint16(bestC + 1)
		}
	}
	return out, nil
}
