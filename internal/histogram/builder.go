package histogram

import (
	"math"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

// Builder bins calibrated hits into a fixed set of projections. It holds no
// per-event state and may be shared between goroutines.
type Builder struct {
	edges       BinEdges
	projections []Projection
	shapes      map[Projection][]int
	axes        map[Projection][]Axis
}

// NewBuilder checks that every projection can be built from edges.
func NewBuilder(edges BinEdges, projections []Projection) (*Builder, error) {
	if len(projections) == 0 {
		return nil, errs.Configf("no projections requested")
	}
	b := &Builder{
		edges:       edges,
		projections: append([]Projection(nil), projections...),
		shapes:      make(map[Projection][]int, len(projections)),
		axes:        make(map[Projection][]Axis, len(projections)),
	}
	for _, p := range projections {
		if p.NeedsTime() && !edges.HasTime() {
			return nil, errs.Configf("projection %s needs a t axis, but only 3 bin counts were given", p)
		}
		b.shapes[p] = p.Shape(edges)
		b.axes[p] = p.Axes()
	}
	return b, nil
}

// Projections returns the projections built, in request order.
func (b *Builder) Projections() []Projection {
	return append([]Projection(nil), b.projections...)
}

// Shape returns the fixed shape of projection p.
func (b *Builder) Shape(p Projection) []int {
	return append([]int(nil), b.shapes[p]...)
}

// Edges returns the edges the builder bins against.
func (b *Builder) Edges() BinEdges { return b.edges }

// Build returns one histogram per projection. Every histogram has the
// declared shape whatever the hit count. A hit outside the edges of any axis
// of a projection is left out of that projection only; this loss is
// intended and not reported.
func (b *Builder) Build(hits []detector.CalibratedHit) (map[Projection]*Histogram, error) {
	out := make(map[Projection]*Histogram, len(b.projections))
	for _, p := range b.projections {
		out[p] = New(b.shapes[p])
	}

	// Bin every hit once per axis, then fill each projection from the
	// cached indices.
	var idx [5]int
	for _, h := range hits {
		idx[AxisX] = binIndex(b.edges.X, h.Pos.X)
		idx[AxisY] = binIndex(b.edges.Y, h.Pos.Y)
		idx[AxisZ] = binIndex(b.edges.Z, h.Pos.Z)
		idx[AxisT] = -1
		if b.edges.HasTime() {
			idx[AxisT] = binIndex(b.edges.T, h.Time)
		}
		r := math.Hypot(h.Pos.X-b.edges.CenterX, h.Pos.Y-b.edges.CenterY)
		idx[AxisR] = binIndex(b.edges.R, r)

		for _, p := range b.projections {
			hist := out[p]
			off, ok := 0, true
			for i, a := range b.axes[p] {
				if idx[a] < 0 {
					ok = false
					break
				}
				off = off*hist.Shape[i] + idx[a]
			}
			if ok {
				hist.inc(off)
			}
		}
	}
	return out, nil
}
