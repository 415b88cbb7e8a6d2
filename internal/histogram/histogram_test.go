package histogram

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

func testLimits(t *testing.T) detector.GeoLimits {
	t.Helper()
	lim, err := detector.NewGeoLimits(
		detector.Corner{ModuleID: 1, Pos: r3.Vector{X: -100, Y: -90, Z: 40}},
		detector.Corner{ModuleID: 2070, Pos: r3.Vector{X: 100, Y: 90, Z: 200}},
	)
	require.NoError(t, err)
	return lim
}

var defaultTime = TimeRange{Min: 0, Max: 1500}

func TestCalculateBinEdgesProperties(t *testing.T) {
	t.Parallel()
	lim := testLimits(t)

	for _, nBins := range [][]int{{1, 1, 1}, {11, 13, 18}, {11, 13, 18, 50}, {3, 100, 7, 2}} {
		e, err := CalculateBinEdges(nBins, lim, defaultTime)
		require.NoError(t, err)

		axes := []Axis{AxisX, AxisY, AxisZ}
		if len(nBins) == 4 {
			axes = append(axes, AxisT)
		} else {
			assert.False(t, e.HasTime())
		}
		for i, a := range axes {
			edges := e.Axis(a)
			require.Len(t, edges, nBins[i]+1, "axis %s", a)
			for j := 1; j < len(edges); j++ {
				assert.Less(t, edges[j-1], edges[j], "axis %s not strictly increasing at %d", a, j)
			}
		}
		assert.Len(t, e.R, nBins[0]+1)

		again, err := CalculateBinEdges(nBins, lim, defaultTime)
		require.NoError(t, err)
		assert.Equal(t, e, again, "edges must be identical across calls")
	}
}

func TestCalculateBinEdgesPadding(t *testing.T) {
	t.Parallel()
	e, err := CalculateBinEdges([]int{11, 13, 18, 50}, testLimits(t), defaultTime)
	require.NoError(t, err)

	assert.InDelta(t, -100-XPadding, e.X[0], 1e-9)
	assert.InDelta(t, 100+XPadding, e.X[len(e.X)-1], 1e-9)
	assert.Equal(t, -90.0, e.Y[0])
	assert.InDelta(t, 90.0, e.Y[len(e.Y)-1], 1e-9)
	assert.Equal(t, 40.0, e.Z[0])
	assert.Equal(t, 0.0, e.T[0])
	assert.Equal(t, 1500.0, e.T[len(e.T)-1])
	assert.Equal(t, 0.0, e.R[0])
	assert.InDelta(t, math.Hypot(100+XPadding, 90), e.R[len(e.R)-1], 1e-9)
}

func TestCalculateBinEdgesErrors(t *testing.T) {
	t.Parallel()
	lim := testLimits(t)
	flat, err := detector.NewGeoLimits(
		detector.Corner{Pos: r3.Vector{X: 0, Y: 0, Z: 0}},
		detector.Corner{Pos: r3.Vector{X: 10, Y: 0, Z: 10}},
	)
	require.NoError(t, err)

	tests := []struct {
		name   string
		nBins  []int
		limits detector.GeoLimits
		tr     TimeRange
	}{
		{"two counts", []int{11, 13}, lim, defaultTime},
		{"five counts", []int{1, 1, 1, 1, 1}, lim, defaultTime},
		{"zero bins", []int{11, 0, 18}, lim, defaultTime},
		{"negative bins", []int{-1, 13, 18}, lim, defaultTime},
		{"empty time window", []int{11, 13, 18, 50}, lim, TimeRange{Min: 5, Max: 5}},
		{"flat y axis", []int{11, 13, 18}, flat, defaultTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculateBinEdges(tt.nBins, tt.limits, tt.tr)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

func TestBinIndex(t *testing.T) {
	t.Parallel()
	edges := []float64{0, 1, 2, 3}
	tests := []struct {
		v    float64
		want int
	}{
		{-0.5, -1},
		{0, 0},
		{0.99, 0},
		{1, 1},
		{2.5, 2},
		{3, 2}, // last bin is closed
		{3.01, -1},
		{math.NaN(), -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, binIndex(edges, tt.v), "v=%v", tt.v)
	}
}

func TestBuildZeroHits(t *testing.T) {
	t.Parallel()
	e, err := CalculateBinEdges([]int{11, 13, 18}, testLimits(t), defaultTime)
	require.NoError(t, err)
	b, err := NewBuilder(e, []Projection{XYZ, XY})
	require.NoError(t, err)

	hists, err := b.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{11, 13, 18}, hists[XYZ].Shape)
	assert.Len(t, hists[XYZ].Data, 11*13*18)
	assert.Equal(t, 0, hists[XYZ].Total())
	assert.Equal(t, []int{11, 13}, hists[XY].Shape)
}

func TestBuildFourDimensionalShapes(t *testing.T) {
	t.Parallel()
	e, err := CalculateBinEdges([]int{11, 13, 18, 50}, testLimits(t), defaultTime)
	require.NoError(t, err)
	b, err := NewBuilder(e, []Projection{XYZ, XYT, XZT, YZT, RZT, XYZT})
	require.NoError(t, err)

	want := map[Projection][]int{
		XYZ:  {11, 13, 18},
		XYT:  {11, 13, 50},
		XZT:  {11, 18, 50},
		YZT:  {13, 18, 50},
		RZT:  {11, 18, 50},
		XYZT: {11, 13, 18, 50},
	}
	for p, shape := range want {
		assert.Equal(t, shape, b.Shape(p), "projection %s", p)
	}
}

func TestBuildCountsAndDrops(t *testing.T) {
	t.Parallel()
	lim, err := detector.NewGeoLimits(
		detector.Corner{Pos: r3.Vector{X: 0, Y: 0, Z: 0}},
		detector.Corner{Pos: r3.Vector{X: 80, Y: 4, Z: 4}},
	)
	require.NoError(t, err)
	// x: [-9.95, 89.95] in 4 bins; y, z: unit bins over [0, 4]; t: [0, 50, 100].
	e, err := CalculateBinEdges([]int{4, 4, 4, 2}, lim, TimeRange{Min: 0, Max: 100})
	require.NoError(t, err)
	b, err := NewBuilder(e, []Projection{XYZ, XYT})
	require.NoError(t, err)

	hits := []detector.CalibratedHit{
		{Pos: r3.Vector{X: 0, Y: 1.5, Z: 2.5}, Time: 10},
		{Pos: r3.Vector{X: 0, Y: 1.5, Z: 2.5}, Time: 60},
		{Pos: r3.Vector{X: 100, Y: 1, Z: 1}, Time: 10},   // x out of range: dropped everywhere
		{Pos: r3.Vector{X: 80, Y: 3.5, Z: 4}, Time: 500}, // t out of range: dropped from xyt only
	}
	hists, err := b.Build(hits)
	require.NoError(t, err)

	assert.Equal(t, uint8(2), hists[XYZ].At(0, 1, 2))
	assert.Equal(t, uint8(1), hists[XYZ].At(3, 3, 3), "z on the outer edge lands in the last bin")
	assert.Equal(t, 3, hists[XYZ].Total())

	assert.Equal(t, uint8(1), hists[XYT].At(0, 1, 0))
	assert.Equal(t, uint8(1), hists[XYT].At(0, 1, 1))
	assert.Equal(t, 2, hists[XYT].Total())
}

func TestBuildSaturates(t *testing.T) {
	t.Parallel()
	e, err := CalculateBinEdges([]int{2, 2, 2}, testLimits(t), defaultTime)
	require.NoError(t, err)
	b, err := NewBuilder(e, []Projection{XYZ})
	require.NoError(t, err)

	hits := make([]detector.CalibratedHit, 300)
	for i := range hits {
		hits[i] = detector.CalibratedHit{Pos: r3.Vector{X: 0, Y: 0, Z: 150}}
	}
	hists, err := b.Build(hits)
	require.NoError(t, err)
	assert.Equal(t, uint8(MaxCount), hists[XYZ].At(1, 1, 1))
	assert.Equal(t, MaxCount, hists[XYZ].Total())
}

func TestBuildRadial(t *testing.T) {
	t.Parallel()
	e, err := CalculateBinEdges([]int{5, 4, 4, 3}, testLimits(t), defaultTime)
	require.NoError(t, err)
	b, err := NewBuilder(e, []Projection{RZT})
	require.NoError(t, err)

	// On the axis: r = 0 falls in the first radial bin.
	hists, err := b.Build([]detector.CalibratedHit{
		{Pos: r3.Vector{X: e.CenterX, Y: e.CenterY, Z: 41}, Time: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), hists[RZT].At(0, 0, 0))

	// A hit in the padded x/y corner sits on the outer r edge.
	corner := detector.CalibratedHit{Pos: r3.Vector{X: e.X[len(e.X)-1], Y: 90, Z: 199}, Time: 1499}
	hists, err = b.Build([]detector.CalibratedHit{corner})
	require.NoError(t, err)
	assert.Equal(t, 1, hists[RZT].Total())
}

func TestNewBuilderErrors(t *testing.T) {
	t.Parallel()
	e, err := CalculateBinEdges([]int{11, 13, 18}, testLimits(t), defaultTime)
	require.NoError(t, err)

	_, err = NewBuilder(e, []Projection{XYT})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = NewBuilder(e, nil)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestParseProjections(t *testing.T) {
	t.Parallel()
	ps, err := ParseProjections([]string{"xyz", " RZT "})
	require.NoError(t, err)
	assert.Equal(t, []Projection{XYZ, RZT}, ps)

	_, err = ParseProjections([]string{"xyq"})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = ParseProjections([]string{"xy", "xy"})
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	assert.Equal(t, []Axis{AxisR, AxisZ, AxisT}, RZT.Axes())
	assert.True(t, XZT.NeedsTime())
	assert.False(t, YZ.NeedsTime())
}
