package detector

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/testutil"
)

const sampleGeometry = `# id x y z t0
1  -100  -80  40   0
2   100  -80  40   2.5
3     0   90 200   0
`

func TestParseGeometry(t *testing.T) {
	t.Parallel()
	geo, err := ParseGeometry(strings.NewReader(sampleGeometry))
	require.NoError(t, err)
	assert.Equal(t, 3, geo.Len())

	m, ok := geo.Module(2)
	require.True(t, ok)
	assert.Equal(t, Module{ID: 2, Pos: r3.Vector{X: 100, Y: -80, Z: 40}, T0: 2.5}, m)

	lim, err := geo.Limits()
	require.NoError(t, err)
	assert.Equal(t, Corner{ModuleID: 1, Pos: r3.Vector{X: -100, Y: -80, Z: 40}}, lim.Min())
	assert.Equal(t, Corner{ModuleID: 3, Pos: r3.Vector{X: 100, Y: 90, Z: 200}}, lim.Max())
	assert.Equal(t, r3.Vector{X: 0, Y: 5, Z: 120}, lim.Center())
}

func TestGeometryWriteToRoundTrip(t *testing.T) {
	t.Parallel()
	geo, err := ParseGeometry(strings.NewReader(sampleGeometry))
	require.NoError(t, err)

	var sb strings.Builder
	n, err := geo.WriteTo(&sb)
	require.NoError(t, err)
	assert.Equal(t, int64(sb.Len()), n)

	back, err := ParseGeometry(strings.NewReader(sb.String()))
	require.NoError(t, err)
	for _, id := range geo.IDs() {
		want, _ := geo.Module(id)
		got, ok := back.Module(id)
		require.True(t, ok, "module %d", id)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("module %d mismatch (-want +got):\n%s", id, diff)
		}
	}
}

func TestParseGeometryErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{"empty", "# nothing\n"},
		{"too few fields", "1 2 3\n"},
		{"bad id", "x 1 2 3\n"},
		{"bad number", "1 1 two 3\n"},
		{"duplicate", "1 0 0 0\n1 1 1 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGeometry(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, errs.ErrConfiguration)
		})
	}
}

func TestLoadGeoLimits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "limits.txt", "1 -90 -95 38\n2070 110 100 196\n")

	lim, err := LoadGeoLimits(path)
	require.NoError(t, err)
	assert.Equal(t, 1, lim.Min().ModuleID)
	assert.Equal(t, 2070, lim.Max().ModuleID)
	assert.Equal(t, 110.0, lim.Max().Pos.X)

	_, err = LoadGeoLimits(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestGeoLimitsInverted(t *testing.T) {
	t.Parallel()
	_, err := ParseGeoLimits(strings.NewReader("1 0 0 10\n2 5 5 5\n"))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = ParseGeoLimits(strings.NewReader("1 0 0 0\n"))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestProjector(t *testing.T) {
	t.Parallel()
	geo, err := ParseGeometry(strings.NewReader(sampleGeometry))
	require.NoError(t, err)

	ev := Event{
		EventID: 7,
		Hits: []Hit{
			{ModuleID: 2, Pos: r3.Vector{X: 1, Y: 2, Z: 3}, Time: 100, ToT: 26},
			{ModuleID: 3, Time: 50},
		},
		MCHits: []Hit{
			{ModuleID: 1, Pos: r3.Vector{Z: -1}, Time: 10},
		},
	}

	got, err := NewProjector(geo, false).Project(ev)
	require.NoError(t, err)
	want := []CalibratedHit{
		{Pos: r3.Vector{X: 101, Y: -78, Z: 43}, Time: 102.5, ToT: 26},
		{Pos: r3.Vector{X: 0, Y: 90, Z: 200}, Time: 50},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Project mismatch (-want +got):\n%s", diff)
	}

	mc := NewProjector(geo, true)
	assert.True(t, mc.UsesMCHits())
	got, err = mc.Project(ev)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r3.Vector{X: -100, Y: -80, Z: 39}, got[0].Pos)
}

func TestProjectorUnknownModule(t *testing.T) {
	t.Parallel()
	geo, err := NewGeometry([]Module{{ID: 1}})
	require.NoError(t, err)

	_, err = NewProjector(geo, false).Project(Event{Hits: []Hit{{ModuleID: 99}}})
	assert.ErrorIs(t, err, errs.ErrLookup)
}

func TestProjectorZeroHits(t *testing.T) {
	t.Parallel()
	geo, err := NewGeometry([]Module{{ID: 1}})
	require.NoError(t, err)

	got, err := NewProjector(geo, false).Project(Event{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
