// Package export writes voxel grids and labeled masks as NRRD volumes
// (raw little-endian data with a patient-space header) and reads them back.
package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"rtmask/pkg/geometry"
	"rtmask/pkg/volume"
)

const (
	magic       = "NRRD0004"
	space       = "left-posterior-superior"
	labelPrefix = "rtmask_label_"
	frameKey    = "rtmask_frame_of_reference"
	seriesKey   = "rtmask_series"
)

// Header is the parsed header of an NRRD volume.
type Header struct {
	Type   string
	Sizes  [3]int
	Affine geometry.Affine

	// KeyValues holds the key:=value pairs
	KeyValues map[string]string
}

// Shape returns the volume shape described by the header.
func (h *Header) Shape() volume.Shape {
	return volume.Shape{Slices: h.Sizes[2], Rows: h.Sizes[1], Cols: h.Sizes[0]}
}

// WriteGrid writes g as a double volume.
func WriteGrid(w io.Writer, g *volume.VoxelGrid) error {
	kv := map[string]string{
		frameKey:  g.FrameOfReferenceUID(),
		seriesKey: g.SeriesInstanceUID(),
	}
	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, "double", g.Shape(), g.Affine(), kv); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, g.Values()); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return bw.Flush()
}

// WriteMask writes m as an unsigned short volume. Label names are stored as
// key/value pairs so ReadMask can restore them.
func WriteMask(w io.Writer, m *volume.LabeledMask) error {
	kv := make(map[string]string)
	for i, name := range m.Labels() {
		kv[labelPrefix+strconv.Itoa(i+1)] = name
	}
	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, "ushort", m.Shape(), m.Affine(), kv); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, m.Values()); err != nil {
		return fmt.Errorf("failed to write mask data: %w", err)
	}
	return bw.Flush()
}

// WriteGridFile writes g to path.
func WriteGridFile(path string, g *volume.VoxelGrid) error {
	return writeFile(path, func(w io.Writer) error { return WriteGrid(w, g) })
}

// WriteMaskFile writes m to path.
func WriteMaskFile(path string, m *volume.LabeledMask) error {
	return writeFile(path, func(w io.Writer) error { return WriteMask(w, m) })
}

// writeFile removes path again when writing fails.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func writeHeader(w io.Writer, typ string, shape volume.Shape, a geometry.Affine, kv map[string]string) error {
	axes := a.Axes()
	var b strings.Builder
	fmt.Fprintln(&b, magic)
	fmt.Fprintf(&b, "type: %s\n", typ)
	fmt.Fprintln(&b, "dimension: 3")
	fmt.Fprintf(&b, "space: %s\n", space)
	fmt.Fprintf(&b, "sizes: %d %d %d\n", shape.Cols, shape.Rows, shape.Slices)
	fmt.Fprintf(&b, "space directions: %s %s %s\n",
		vector(axes[0]), vector(axes[1]), vector(axes[2]))
	fmt.Fprintln(&b, "kinds: domain domain domain")
	fmt.Fprintln(&b, "endian: little")
	fmt.Fprintln(&b, "encoding: raw")
	fmt.Fprintf(&b, "space origin: %s\n", vector(a.Origin()))
	for _, k := range sortedKeys(kv) {
		if kv[k] != "" {
			fmt.Fprintf(&b, "%s:=%s\n", k, kv[k])
		}
	}
	fmt.Fprintln(&b)
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func vector(v r3.Vec) string {
	f := func(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }
	return "(" + f(v.X) + "," + f(v.Y) + "," + f(v.Z) + ")"
}

// ReadHeader parses an NRRD header, leaving r positioned at the data.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read NRRD magic: %w", err)
	}
	if !strings.HasPrefix(line, "NRRD000") {
		return nil, fmt.Errorf("not an NRRD file")
	}

	h := &Header{KeyValues: make(map[string]string)}
	fields := make(map[string]string)
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("truncated NRRD header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":="); ok {
			h.KeyValues[k] = v
			continue
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed NRRD header line %q", line)
		}
		fields[k] = strings.TrimSpace(v)
	}

	if fields["dimension"] != "3" {
		return nil, fmt.Errorf("unsupported NRRD dimension %q", fields["dimension"])
	}
	if e := fields["encoding"]; e != "raw" {
		return nil, fmt.Errorf("unsupported NRRD encoding %q", e)
	}
	if e := fields["endian"]; e != "" && e != "little" {
		return nil, fmt.Errorf("unsupported NRRD endianness %q", e)
	}
	h.Type = fields["type"]

	sizes := strings.Fields(fields["sizes"])
	if len(sizes) != 3 {
		return nil, fmt.Errorf("invalid NRRD sizes %q", fields["sizes"])
	}
	for i, s := range sizes {
		if h.Sizes[i], err = strconv.Atoi(s); err != nil || h.Sizes[i] <= 0 {
			return nil, fmt.Errorf("invalid NRRD size %q", s)
		}
	}

	dirs, err := parseVectors(fields["space directions"], 3)
	if err != nil {
		return nil, fmt.Errorf("invalid space directions: %w", err)
	}
	origin, err := parseVectors(fields["space origin"], 1)
	if err != nil {
		return nil, fmt.Errorf("invalid space origin: %w", err)
	}
	m := mat.NewDense(4, 4, []float64{
		dirs[0].X, dirs[1].X, dirs[2].X, origin[0].X,
		dirs[0].Y, dirs[1].Y, dirs[2].Y, origin[0].Y,
		dirs[0].Z, dirs[1].Z, dirs[2].Z, origin[0].Z,
		0, 0, 0, 1,
	})
	if h.Affine, err = geometry.FromMatrix(m); err != nil {
		return nil, err
	}
	return h, nil
}

func parseVectors(s string, n int) ([]r3.Vec, error) {
	parts := strings.Fields(strings.ReplaceAll(s, ", ", ","))
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d vectors in %q", n, s)
	}
	out := make([]r3.Vec, n)
	for i, p := range parts {
		p = strings.TrimSuffix(strings.TrimPrefix(p, "("), ")")
		c := strings.Split(p, ",")
		if len(c) != 3 {
			return nil, fmt.Errorf("malformed vector %q", parts[i])
		}
		var xyz [3]float64
		for j := range c {
			v, err := strconv.ParseFloat(strings.TrimSpace(c[j]), 64)
			if err != nil {
				return nil, err
			}
			xyz[j] = v
		}
		out[i] = r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}
	}
	return out, nil
}

// ReadMask reads a mask written by WriteMask.
func ReadMask(r io.Reader) (*volume.LabeledMask, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	if h.Type != "ushort" && h.Type != "unsigned short" && h.Type != "uint16" {
		return nil, fmt.Errorf("mask must be unsigned short, got %q", h.Type)
	}
	shape := h.Shape()
	values := make([]uint16, shape.Len())
	if err := binary.Read(br, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("failed to read mask data: %w", err)
	}

	var labels []string
	for i := 1; ; i++ {
		name, ok := h.KeyValues[labelPrefix+strconv.Itoa(i)]
		if !ok {
			break
		}
		labels = append(labels, name)
	}
	return volume.NewLabeledMask(shape, values, h.Affine, labels)
}

// ReadGrid reads a volume written by WriteGrid.
func ReadGrid(r io.Reader) (*volume.VoxelGrid, error) {
	br := bufio.NewReader(r)
	h, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	if h.Type != "double" {
		return nil, fmt.Errorf("grid must be double, got %q", h.Type)
	}
	shape := h.Shape()
	values := make([]float64, shape.Len())
	if err := binary.Read(br, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	return volume.NewVoxelGrid(shape, values, h.Affine, volume.GridInfo{
		FrameOfReferenceUID: h.KeyValues[frameKey],
		SeriesInstanceUID:   h.KeyValues[seriesKey],
	})
}

// ReadMaskFile reads a mask from path.
func ReadMaskFile(path string) (*volume.LabeledMask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadMask(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ReadGridFile reads a volume from path.
func ReadGridFile(path string) (*volume.VoxelGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	g, err := ReadGrid(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}
