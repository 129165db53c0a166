package vectorize

// Boundaries are traced on the lattice of voxel corners. Lattice vertex
// (vx, vy) is the corner shared by voxels (vy-1, vx-1) .. (vy, vx); its index
// coordinates are (vx-0.5, vy-0.5).
//
// Every foreground voxel side facing background is a directed edge with the
// foreground on its right when looking along the edge in image orientation
// (rows growing downwards). Outer boundaries therefore run clockwise on
// screen, which is a positive shoelace area in (column, row) coordinates;
// hole boundaries run the other way.

type direction uint8

const (
	east direction = iota
	south
	west
	north
)

var steps = [4][2]int{east: {1, 0}, south: {0, 1}, west: {-1, 0}, north: {0, -1}}

// vertex is a lattice corner.
type vertex struct{ x, y int }

// tracer holds the directed boundary edges of one binary slice.
type tracer struct {
	cols, rows int

	// out[v] and used[v] are bit sets of outgoing edge directions per
	// vertex, v = vy*(cols+1)+vx
	out  []uint8
	used []uint8
}

func newTracer(fg []bool, rows, cols int) *tracer {
	t := &tracer{
		cols: cols,
		rows: rows,
		out:  make([]uint8, (rows+1)*(cols+1)),
		used: make([]uint8, (rows+1)*(cols+1)),
	}
	at := func(i, j int) bool {
		return i >= 0 && i < rows && j >= 0 && j < cols && fg[i*cols+j]
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if !fg[i*cols+j] {
				continue
			}
			if !at(i-1, j) {
				t.add(vertex{j, i}, east)
			}
			if !at(i, j+1) {
				t.add(vertex{j + 1, i}, south)
			}
			if !at(i+1, j) {
				t.add(vertex{j + 1, i + 1}, west)
			}
			if !at(i, j-1) {
				t.add(vertex{j, i + 1}, north)
			}
		}
	}
	return t
}

func (t *tracer) id(v vertex) int { return v.y*(t.cols+1) + v.x }

func (t *tracer) add(v vertex, d direction) { t.out[t.id(v)] |= 1 << d }

func (t *tracer) free(v vertex, d direction) bool {
	id := t.id(v)
	return t.out[id]&(1<<d) != 0 && t.used[id]&(1<<d) == 0
}

// loops returns every boundary loop as its corner vertices. Loops are found
// by scanning vertices in raster order and each starts at its first vertex in
// that order, so the result depends only on the slice contents.
func (t *tracer) loops() [][]vertex {
	var out [][]vertex
	for y := 0; y <= t.rows; y++ {
		for x := 0; x <= t.cols; x++ {
			v := vertex{x, y}
			for d := east; d <= north; d++ {
				if t.free(v, d) {
					out = append(out, t.walk(v, d))
				}
			}
		}
	}
	return out
}

// walk follows unused edges from start, leaving in direction d, until it
// returns to start. At vertices with several exits it turns towards the
// foreground first, so diagonally touching voxels get separate loops.
func (t *tracer) walk(start vertex, d direction) []vertex {
	pts := []vertex{start}
	cur := start
	for {
		t.used[t.id(cur)] |= 1 << d
		cur = vertex{cur.x + steps[d][0], cur.y + steps[d][1]}
		if cur == start {
			return pts
		}
		next, ok := t.turn(cur, d)
		if !ok {
			// unreachable for a well-formed edge set
			return pts
		}
		if next != d {
			pts = append(pts, cur)
		}
		d = next
	}
}

func (t *tracer) turn(v vertex, d direction) (direction, bool) {
	for _, c := range [3]direction{(d + 1) % 4, d, (d + 3) % 4} {
		if t.free(v, c) {
			return c, true
		}
	}
	return 0, false
}
