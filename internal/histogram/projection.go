package histogram

import (
	"fmt"
	"strings"

	"github.com/orcanet/orcanet/internal/errs"
)

// Axis identifies one binned coordinate.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisT
	AxisR
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	case AxisT:
		return "t"
	case AxisR:
		return "r"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Projection names the axes a histogram is binned over, in order.
type Projection string

const (
	XY   Projection = "xy"
	XZ   Projection = "xz"
	YZ   Projection = "yz"
	XYZ  Projection = "xyz"
	XYT  Projection = "xyt"
	XZT  Projection = "xzt"
	YZT  Projection = "yzt"
	RZT  Projection = "rzt"
	XYZT Projection = "xyzt"
)

// AllProjections lists every supported projection.
var AllProjections = []Projection{XY, XZ, YZ, XYZ, XYT, XZT, YZT, RZT, XYZT}

// ParseProjection validates a projection name.
func ParseProjection(name string) (Projection, error) {
	p := Projection(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range AllProjections {
		if p == known {
			return p, nil
		}
	}
	return "", errs.Configf("unknown projection %q", name)
}

// ParseProjections validates a list of projection names, rejecting
// duplicates.
func ParseProjections(names []string) ([]Projection, error) {
	out := make([]Projection, 0, len(names))
	seen := make(map[Projection]bool, len(names))
	for _, n := range names {
		p, err := ParseProjection(n)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			return nil, errs.Configf("projection %q requested twice", p)
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Axes returns the axes of p in binning order.
func (p Projection) Axes() []Axis {
	axes := make([]Axis, 0, len(p))
	for _, c := range string(p) {
		switch c {
		case 'x':
			axes = append(axes, AxisX)
		case 'y':
			axes = append(axes, AxisY)
		case 'z':
			axes = append(axes, AxisZ)
		case 't':
			axes = append(axes, AxisT)
		case 'r':
			axes = append(axes, AxisR)
		}
	}
	return axes
}

// NeedsTime reports whether p bins over t.
func (p Projection) NeedsTime() bool { return strings.ContainsRune(string(p), 't') }

// Shape returns the histogram shape of p under edges.
func (p Projection) Shape(edges BinEdges) []int {
	axes := p.Axes()
	shape := make([]int, len(axes))
	for i, a := range axes {
		shape[i] = len(edges.Axis(a)) - 1
	}
	return shape
}
