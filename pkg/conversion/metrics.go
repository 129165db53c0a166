package conversion

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"rtmask/pkg/association"
	"rtmask/pkg/rasterize"
	"rtmask/pkg/vectorize"
	"rtmask/pkg/volume"
)

// LabelAgreement compares one label of a mask with its reconstruction.
type LabelAgreement struct {
	Name          string
	Label         uint16
	Original      int
	Reconstructed int

	// Dice is 2|A∩B| / (|A|+|B|), 1 when both are empty
	Dice float64
}

// Agreement is the result of a mask -> contours -> mask round trip.
type Agreement struct {
	Labels   []LabelAgreement
	MeanDice float64

	// Exact is true when every voxel came back with its original label
	Exact bool
}

// RoundTrip vectorizes mask on grid's geometry, rasterizes the result back
// and reports per-label agreement.
func RoundTrip(grid *volume.VoxelGrid, mask *volume.LabeledMask) (*Agreement, error) {
	if grid.Shape() != mask.Shape() {
		return nil, fmt.Errorf("mask shape %v does not match grid shape %v", mask.Shape(), grid.Shape())
	}
	ss, err := vectorize.Vectorize(mask, grid.Affine(), nil, vectorize.FromGrid(grid))
	if err != nil {
		return nil, err
	}
	reg, err := association.New(mask.Labels(), nil)
	if err != nil {
		return nil, err
	}
	res, err := rasterize.Rasterize(grid, ss, reg, rasterize.Options{})
	if err != nil {
		return nil, err
	}

	orig, back := mask.Values(), res.Mask.Values()
	n := len(mask.Labels())
	inter := make([]int, n+1)
	origCount := make([]int, n+1)
	backCount := make([]int, n+1)
	exact := true
	for i := range orig {
		a, b := orig[i], back[i]
		origCount[a]++
		backCount[b]++
		if a == b {
			inter[a]++
		} else {
			exact = false
		}
	}

	out := &Agreement{Exact: exact}
	dice := make([]float64, n)
	for i, name := range mask.Labels() {
		l := i + 1
		la := LabelAgreement{
			Name:          name,
			Label:         uint16(l),
			Original:      origCount[l],
			Reconstructed: backCount[l],
			Dice:          1,
		}
		if sum := origCount[l] + backCount[l]; sum > 0 {
			la.Dice = 2 * float64(inter[l]) / float64(sum)
		}
		dice[i] = la.Dice
		out.Labels = append(out.Labels, la)
	}
	if n > 0 {
		out.MeanDice = stat.Mean(dice, nil)
	}
	return out, nil
}
