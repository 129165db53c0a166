// Package visualization renders slices of a voxel grid with its labeled mask
// overlaid, for visual checks of a conversion.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/floats"

	"rtmask/pkg/rtstruct"
	"rtmask/pkg/volume"
)

// Viewer extracts overlay images from a grid and an optional mask.
type Viewer struct {
	grid *volume.VoxelGrid
	mask *volume.LabeledMask

	// Window is the intensity range mapped from black to white
	Window [2]float64

	// Opacity of the label colors, 0 to 1
	Opacity float64

	// Scale multiplies the output size
	Scale int

	// Legend draws the label names in the top left corner
	Legend bool
}

// NewViewer creates a viewer over grid. mask may be nil; otherwise it must
// have the grid's shape. The window spans the grid's intensity range.
func NewViewer(grid *volume.VoxelGrid, mask *volume.LabeledMask) (*Viewer, error) {
	if mask != nil && mask.Shape() != grid.Shape() {
		return nil, fmt.Errorf("mask shape %v does not match grid shape %v", mask.Shape(), grid.Shape())
	}
	values := grid.Values()
	lo, hi := floats.Min(values), floats.Max(values)
	if hi <= lo {
		hi = lo + 1
	}
	return &Viewer{
		grid:    grid,
		mask:    mask,
		Window:  [2]float64{lo, hi},
		Opacity: 0.5,
		Scale:   1,
	}, nil
}

// ExtractSlice extracts a slice along the given axis: "z" is a grid slice
// (columns by rows), "y" fixes a row (columns by slices) and "x" fixes a
// column (rows by slices). The image is stretched to the physical aspect
// ratio of the voxels.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	shape := v.grid.Shape()
	sp := v.grid.Affine().Spacing()

	var w, h int
	var sw, sh float64
	var at func(x, y int) (k, i, j int)
	switch axis {
	case "x", "X":
		if position >= shape.Cols {
			return nil, fmt.Errorf("position %d exceeds width %d", position, shape.Cols)
		}
		w, h, sw, sh = shape.Rows, shape.Slices, sp[1], sp[2]
		at = func(x, y int) (int, int, int) { return y, x, position }
	case "y", "Y":
		if position >= shape.Rows {
			return nil, fmt.Errorf("position %d exceeds height %d", position, shape.Rows)
		}
		w, h, sw, sh = shape.Cols, shape.Slices, sp[0], sp[2]
		at = func(x, y int) (int, int, int) { return y, position, x }
	case "z", "Z":
		if position >= shape.Slices {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, shape.Slices)
		}
		w, h, sw, sh = shape.Cols, shape.Rows, sp[0], sp[1]
		at = func(x, y int) (int, int, int) { return position, y, x }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	raw := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			raw.SetRGBA(x, y, v.voxel(at(x, y)))
		}
	}

	scale := v.Scale
	if scale < 1 {
		scale = 1
	}
	unit := math.Min(sw, sh)
	if unit <= 0 {
		sw, sh, unit = 1, 1, 1
	}
	outW := int(math.Round(float64(w)*sw/unit)) * scale
	outH := int(math.Round(float64(h)*sh/unit)) * scale
	img := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.NearestNeighbor.Scale(img, img.Bounds(), raw, raw.Bounds(), draw.Src, nil)

	if v.Legend && v.mask != nil {
		v.drawLegend(img)
	}
	return img, nil
}

func (v *Viewer) voxel(k, i, j int) color.RGBA {
	t := (v.grid.At(k, i, j) - v.Window[0]) / (v.Window[1] - v.Window[0])
	g := math.Max(0, math.Min(1, t)) * 255
	r, gr, b := g, g, g
	if v.mask != nil {
		if l := v.mask.At(k, i, j); l > 0 {
			c := rtstruct.DefaultColor(int(l) - 1)
			a := v.Opacity
			r = (1-a)*r + a*float64(c[0])
			gr = (1-a)*gr + a*float64(c[1])
			b = (1-a)*b + a*float64(c[2])
		}
	}
	return color.RGBA{R: uint8(r), G: uint8(gr), B: uint8(b), A: 255}
}

func (v *Viewer) drawLegend(img *image.RGBA) {
	face := basicfont.Face7x13
	for n, name := range v.mask.Labels() {
		c := rtstruct.DefaultColor(n)
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.RGBA{R: uint8(c[0]), G: uint8(c[1]), B: uint8(c[2]), A: 255}),
			Face: face,
			Dot:  fixed.P(4, 13*(n+1)),
		}
		d.DrawString(name)
	}
}

// LabeledSlices returns the grid slices that contain at least one labeled
// voxel, in order.
func (v *Viewer) LabeledSlices() []int {
	if v.mask == nil {
		return nil
	}
	shape := v.mask.Shape()
	plane := shape.Rows * shape.Cols
	values := v.mask.Values()
	var out []int
	for k := 0; k < shape.Slices; k++ {
		for _, l := range values[k*plane : (k+1)*plane] {
			if l != 0 {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves slices along the specified axis. When
// positions is empty every slice along the axis is saved.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, positions ...int) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	if len(positions) == 0 {
		shape := v.grid.Shape()
		var maxPos int
		switch axis {
		case "x", "X":
			maxPos = shape.Cols
		case "y", "Y":
			maxPos = shape.Rows
		case "z", "Z":
			maxPos = shape.Slices
		default:
			return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
		}
		for pos := 0; pos < maxPos; pos++ {
			positions = append(positions, pos)
		}
	}

	for _, pos := range positions {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
