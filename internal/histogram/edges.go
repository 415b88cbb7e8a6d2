package histogram

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

// XPadding widens the x range on both sides by half the mean horizontal
// separation of two detector lines, so that lines sit near bin centres.
const XPadding = 9.95

// TimeRange is the window binned on the t axis, in ns.
type TimeRange struct {
	Min, Max float64
}

// BinEdges holds the edges of every axis for one run. T is nil when only
// three bin counts were requested. R is derived for the rzt projection and
// uses as many bins as x.
type BinEdges struct {
	X, Y, Z, T, R []float64

	// CenterX and CenterY are the origin of the r axis.
	CenterX, CenterY float64
}

// CalculateBinEdges derives evenly spaced edges from the bin counts
// [nx, ny, nz] or [nx, ny, nz, nt]. The result depends only on its inputs
// and is bit-identical across calls.
func CalculateBinEdges(nBins []int, limits detector.GeoLimits, tr TimeRange) (BinEdges, error) {
	if len(nBins) != 3 && len(nBins) != 4 {
		return BinEdges{}, errs.Configf("n_bins must have 3 or 4 entries, got %d", len(nBins))
	}
	for i, n := range nBins {
		if n < 1 {
			return BinEdges{}, errs.Configf("n_bins[%d] must be >= 1, got %d", i, n)
		}
	}

	lo, hi := limits.Min().Pos, limits.Max().Pos
	if lo.X > hi.X || lo.Y > hi.Y || lo.Z > hi.Z {
		return BinEdges{}, errs.Configf("geometry limits inverted: min %v > max %v", lo, hi)
	}

	var e BinEdges
	var err error
	if e.X, err = span("x", nBins[0], lo.X-XPadding, hi.X+XPadding); err != nil {
		return BinEdges{}, err
	}
	if e.Y, err = span("y", nBins[1], lo.Y, hi.Y); err != nil {
		return BinEdges{}, err
	}
	if e.Z, err = span("z", nBins[2], lo.Z, hi.Z); err != nil {
		return BinEdges{}, err
	}
	if len(nBins) == 4 {
		if !(tr.Min < tr.Max) {
			return BinEdges{}, errs.Configf("time range [%g, %g] is empty", tr.Min, tr.Max)
		}
		if e.T, err = span("t", nBins[3], tr.Min, tr.Max); err != nil {
			return BinEdges{}, err
		}
	}

	e.CenterX = (lo.X + hi.X) / 2
	e.CenterY = (lo.Y + hi.Y) / 2
	rMax := math.Hypot((hi.X-lo.X)/2+XPadding, (hi.Y-lo.Y)/2)
	if e.R, err = span("r", nBins[0], 0, rMax); err != nil {
		return BinEdges{}, err
	}
	return e, nil
}

func span(axis string, n int, lo, hi float64) ([]float64, error) {
	if !(lo < hi) {
		return nil, errs.Configf("axis %s has an empty range [%g, %g]", axis, lo, hi)
	}
	edges := floats.Span(make([]float64, n+1), lo, hi)
	// Pin the outer edge so a value equal to hi always lands in the last bin.
	edges[n] = hi
	return edges, nil
}

// Axis returns the edges of one axis.
func (e BinEdges) Axis(a Axis) []float64 {
	switch a {
	case AxisX:
		return e.X
	case AxisY:
		return e.Y
	case AxisZ:
		return e.Z
	case AxisT:
		return e.T
	case AxisR:
		return e.R
	}
	return nil
}

// HasTime reports whether a t axis was derived.
func (e BinEdges) HasTime() bool { return len(e.T) > 0 }

// binIndex returns the bin holding v. Bins are half-open except the last,
// which includes its right edge. Values outside the edges, and NaN, give -1.
func binIndex(edges []float64, v float64) int {
	last := len(edges) - 1
	if v == edges[last] {
		return last - 1
	}
	return floats.Within(edges, v)
}
