// Package spatial finds catalog objects within an angular radius of a point.
package spatial

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	skymath "github.com/jacobic/redmapper/pkg/astronomy/math"
)

// Matcher finds the catalog entries within radius degrees of (ra, dec).
// Results are ordered by increasing separation; dist is in degrees.
type Matcher interface {
	MatchRadius(ra, dec, radius float64) (idx []int, dist []float64)
}

// skyPoint is a unit vector tagged with its catalog index.
type skyPoint struct {
	skymath.Vector3
	index int
}

// Compare implements the kdtree.Comparable interface
func (p skyPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(skyPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p skyPoint) Dims() int { return 3 }

// Distance returns the squared chord length between two points
func (p skyPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(skyPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

type skyPoints []skyPoint

func (p skyPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p skyPoints) Len() int                              { return len(p) }
func (p skyPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p skyPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(skyPlane{skyPoints: p, Dim: d}, kdtree.MedianOfRandoms(skyPlane{skyPoints: p, Dim: d}, 100))
}

// skyPlane implements sort.Interface and kdtree.SortSlicer for skyPoints
type skyPlane struct {
	skyPoints
	kdtree.Dim
}

func (p skyPlane) Less(i, j int) bool {
	return p.skyPoints[i].Compare(p.skyPoints[j], p.Dim) < 0
}

func (p skyPlane) Slice(start, end int) kdtree.SortSlicer {
	return skyPlane{skyPoints: p.skyPoints[start:end], Dim: p.Dim}
}

func (p skyPlane) Swap(i, j int) {
	p.skyPoints[i], p.skyPoints[j] = p.skyPoints[j], p.skyPoints[i]
}

// KDMatcher is a Matcher over a fixed set of positions. It is safe for
// concurrent use once built.
type KDMatcher struct {
	tree *kdtree.Tree
	n    int
}

// NewKDMatcher indexes the positions (ra[i], dec[i]) in degrees.
func NewKDMatcher(ra, dec []float64) *KDMatcher {
	pts := make(skyPoints, len(ra))
	for i := range ra {
		pts[i] = skyPoint{Vector3: skymath.FromRADec(ra[i], dec[i]), index: i}
	}
	m := &KDMatcher{n: len(pts)}
	if len(pts) > 0 {
		m.tree = kdtree.New(pts, false)
	}
	return m
}

// Len returns the number of indexed positions.
func (m *KDMatcher) Len() int {
	return m.n
}

// MatchRadius implements Matcher.
func (m *KDMatcher) MatchRadius(ra, dec, radius float64) ([]int, []float64) {
	if m.tree == nil || radius <= 0 {
		return nil, nil
	}
	chord := skymath.ChordFromAngle(radius)
	keeper := kdtree.NewDistKeeper(chord * chord)
	m.tree.NearestSet(keeper, skyPoint{Vector3: skymath.FromRADec(ra, dec), index: -1})

	idx := make([]int, 0, keeper.Len())
	dist := make([]float64, 0, keeper.Len())
	for _, c := range keeper.Heap {
		p, ok := c.Comparable.(skyPoint)
		if !ok {
			continue
		}
		idx = append(idx, p.index)
		dist = append(dist, skymath.AngleFromChord(math.Sqrt(c.Dist)))
	}
	return idx, dist
}
