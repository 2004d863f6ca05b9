package background

import (
	"fmt"
	"sort"
)

// axis is a strictly increasing set of bin centers.
type axis []float64

func (a axis) validate(name string) error {
	if len(a) == 0 {
		return fmt.Errorf("%s axis is empty", name)
	}
	for i := 1; i < len(a); i++ {
		if !(a[i] > a[i-1]) {
			return fmt.Errorf("%s axis not strictly increasing at %d", name, i)
		}
	}
	return nil
}

// locate returns the lower bracketing index and the interpolation weight of
// the upper neighbour. Values outside the axis clamp to the edge with
// inside = false.
func (a axis) locate(x float64) (i int, frac float64, inside bool) {
	n := len(a)
	if n == 1 {
		return 0, 0, x == a[0]
	}
	if x <= a[0] {
		return 0, 0, x == a[0]
	}
	if x >= a[n-1] {
		return n - 2, 1, x == a[n-1]
	}
	i = sort.SearchFloat64s(a, x) - 1
	return i, (x - a[i]) / (a[i+1] - a[i]), true
}

// nearest returns the index of the closest bin center.
func (a axis) nearest(x float64) (int, bool) {
	i, frac, inside := a.locate(x)
	if len(a) > 1 && frac >= 0.5 {
		i++
	}
	return i, inside
}

// width returns the width of bin i, taken from its neighbours.
func (a axis) width(i int) float64 {
	switch {
	case len(a) == 1:
		return 1
	case i == 0:
		return a[1] - a[0]
	case i == len(a)-1:
		return a[i] - a[i-1]
	default:
		return 0.5 * (a[i+1] - a[i-1])
	}
}

// bilinear interpolates table[i][j] at (x, y). A negative corner with
// nonzero weight marks an empty cell and yields empty = true; negative values
// are treated as zero in the result.
func bilinear(ax, ay axis, table [][]float64, x, y float64) (v float64, inside, empty bool) {
	i, fx, inX := ax.locate(x)
	j, fy, inY := ay.locate(y)
	inside = inX && inY

	corner := func(di, dj int, w float64) {
		if w == 0 {
			return
		}
		ii, jj := i+di, j+dj
		if ii >= len(ax) {
			ii = len(ax) - 1
		}
		if jj >= len(ay) {
			jj = len(ay) - 1
		}
		c := table[ii][jj]
		if c < 0 {
			empty = true
			return
		}
		v += w * c
	}
	corner(0, 0, (1-fx)*(1-fy))
	corner(1, 0, fx*(1-fy))
	corner(0, 1, (1-fx)*fy)
	corner(1, 1, fx*fy)
	return v, inside, empty
}
