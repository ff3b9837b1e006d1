// Package cluster groups projected points by density, ranks the resulting
// clusters and derives geographic regions around them.
package cluster

import (
	"fmt"
	"math"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/curbwatch/hotspots/engine/geo"
)

// Label is the cluster assigned to a point.
type Label int

// Noise marks a point that belongs to no cluster.
const Noise Label = -1

// Params are the density thresholds.
type Params struct {
	Eps        float64 // neighbourhood radius in planar units
	MinSamples int     // neighbours (self included) needed for a core point
}

// DefaultParams match the NYC deployment in US survey feet.
var DefaultParams = Params{Eps: 30, MinSamples: 5}

// Validate rejects non-positive thresholds.
func (p Params) Validate() error {
	if !(p.Eps > 0) || math.IsInf(p.Eps, 0) {
		return fmt.Errorf("%w: eps must be positive, got %v", domain.ErrInvalidConfig, p.Eps)
	}
	if p.MinSamples < 1 {
		return fmt.Errorf("%w: min samples must be at least 1, got %d", domain.ErrInvalidConfig, p.MinSamples)
	}
	return nil
}

// DBSCAN labels every point with a cluster id or Noise. The result has the
// same length and order as points. Cluster ids ascend in discovery order,
// scanning points by index; a border point reachable from several clusters
// joins the first one to reach it.
func DBSCAN(points []geo.ProjectedPoint, p Params) ([]Label, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	labels := make([]Label, len(points))
	for i := range labels {
		labels[i] = Noise
	}
	if len(points) == 0 {
		return labels, nil
	}

	idx := newGrid(points, p.Eps)
	core := make([]bool, len(points))
	for i := range points {
		core[i] = idx.count(i, p.MinSamples) >= p.MinSamples
	}

	var (
		next  Label
		stack []int
		nbrs  []int
	)
	for i := range points {
		if labels[i] != Noise || !core[i] {
			continue
		}
		labels[i] = next
		stack = append(stack[:0], i)
		for len(stack) > 0 {
			j := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			nbrs = idx.neighbours(j, nbrs[:0])
			for _, k := range nbrs {
				if labels[k] != Noise {
					continue
				}
				labels[k] = next
				if core[k] {
					stack = append(stack, k)
				}
			}
		}
		next++
	}
	return labels, nil
}

type cell struct{ x, y int64 }

// grid buckets points into square cells of side eps so a neighbourhood query
// only visits the 3x3 block around the point's cell.
type grid struct {
	points []geo.ProjectedPoint
	eps2   float64
	size   float64
	cells  map[cell][]int
}

func newGrid(points []geo.ProjectedPoint, eps float64) *grid {
	g := &grid{
		points: points,
		eps2:   eps * eps,
		size:   eps,
		cells:  make(map[cell][]int, len(points)/4+1),
	}
	for i, pt := range points {
		c := g.cellOf(pt)
		g.cells[c] = append(g.cells[c], i)
	}
	return g
}

func (g *grid) cellOf(p geo.ProjectedPoint) cell {
	return cell{int64(math.Floor(p.X / g.size)), int64(math.Floor(p.Y / g.size))}
}

func (g *grid) within(i, j int) bool {
	dx := g.points[i].X - g.points[j].X
	dy := g.points[i].Y - g.points[j].Y
	return dx*dx+dy*dy <= g.eps2
}

// count returns the neighbourhood size of i, stopping early at limit.
func (g *grid) count(i, limit int) int {
	c := g.cellOf(g.points[i])
	n := 0
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, j := range g.cells[cell{c.x + dx, c.y + dy}] {
				if g.within(i, j) {
					n++
					if n >= limit {
						return n
					}
				}
			}
		}
	}
	return n
}

// neighbours appends every point within eps of i, i included, to dst.
func (g *grid) neighbours(i int, dst []int) []int {
	c := g.cellOf(g.points[i])
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, j := range g.cells[cell{c.x + dx, c.y + dy}] {
				if g.within(i, j) {
					dst = append(dst, j)
				}
			}
		}
	}
	return dst
}
