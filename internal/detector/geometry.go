package detector

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/orcanet/orcanet/internal/errs"
)

// Geometry maps module ids to their calibrated position and time offset.
// It is read-only after load and safe for concurrent use.
type Geometry struct {
	modules map[int]Module
}

// NewGeometry builds a Geometry from module rows. Duplicate ids are a
// configuration error.
func NewGeometry(modules []Module) (*Geometry, error) {
	g := &Geometry{modules: make(map[int]Module, len(modules))}
	for _, m := range modules {
		if _, dup := g.modules[m.ID]; dup {
			return nil, errs.Configf("module %d listed twice in geometry", m.ID)
		}
		g.modules[m.ID] = m
	}
	return g, nil
}

// Module returns the calibration row for id.
func (g *Geometry) Module(id int) (Module, bool) {
	m, ok := g.modules[id]
	return m, ok
}

// Len is the number of calibrated modules.
func (g *Geometry) Len() int { return len(g.modules) }

// IDs returns the module ids in ascending order.
func (g *Geometry) IDs() []int {
	ids := make([]int, 0, len(g.modules))
	for id := range g.modules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Limits derives the bounding box of all module positions. The corners are
// tagged with the smallest and largest module id.
func (g *Geometry) Limits() (GeoLimits, error) {
	if len(g.modules) == 0 {
		return GeoLimits{}, errs.Configf("geometry is empty")
	}
	ids := g.IDs()

	first := g.modules[ids[0]].Pos
	lo, hi := first, first
	for _, id := range ids[1:] {
		p := g.modules[id].Pos
		lo = r3.Vector{X: min(lo.X, p.X), Y: min(lo.Y, p.Y), Z: min(lo.Z, p.Z)}
		hi = r3.Vector{X: max(hi.X, p.X), Y: max(hi.Y, p.Y), Z: max(hi.Z, p.Z)}
	}
	return NewGeoLimits(
		Corner{ModuleID: ids[0], Pos: lo},
		Corner{ModuleID: ids[len(ids)-1], Pos: hi},
	)
}

// WriteTo writes the geometry as a table that ParseGeometry reads back.
func (g *Geometry) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	c, err := fmt.Fprintln(bw, "# module_id x y z t0")
	n += int64(c)
	if err != nil {
		return n, err
	}
	for _, id := range g.IDs() {
		m := g.modules[id]
		c, err := fmt.Fprintf(bw, "%d %s %s %s %s\n", m.ID,
			formatFloat(m.Pos.X), formatFloat(m.Pos.Y), formatFloat(m.Pos.Z), formatFloat(m.T0))
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// LoadGeometry reads a geometry table. Each non-empty line that does not
// start with '#' holds "module_id x y z" and an optional t0.
func LoadGeometry(path string) (*Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geometry file: %w", err)
	}
	defer f.Close()
	return ParseGeometry(f)
}

// ParseGeometry reads a geometry table from r.
func ParseGeometry(r io.Reader) (*Geometry, error) {
	var modules []Module
	err := scanRows(r, 4, 5, func(line int, fields []string) error {
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return errs.Configf("geometry line %d: bad module id %q", line, fields[0])
		}
		vals, err := parseFloats(fields[1:])
		if err != nil {
			return errs.Configf("geometry line %d: %v", line, err)
		}
		m := Module{ID: id, Pos: r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}}
		if len(vals) == 4 {
			m.T0 = vals[3]
		}
		modules = append(modules, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, errs.Configf("geometry has no modules")
	}
	return NewGeometry(modules)
}

// scanRows calls fn for every data line of r that has between minFields and
// maxFields whitespace separated fields.
func scanRows(r io.Reader, minFields, maxFields int, fn func(line int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < minFields || len(fields) > maxFields {
			return errs.Configf("line %d: expected %d to %d fields, got %d", line, minFields, maxFields, len(fields))
		}
		if err := fn(line, fields); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read table: %w", err)
	}
	return nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", s)
		}
		out[i] = v
	}
	return out, nil
}
