package detector

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang/geo/r3"

	"github.com/orcanet/orcanet/internal/errs"
)

// GeoLimits is the bounding box of the detector. Min is componentwise not
// greater than Max. The value is immutable once built.
type GeoLimits struct {
	min, max Corner
}

// NewGeoLimits validates and builds a bounding box.
func NewGeoLimits(lo, hi Corner) (GeoLimits, error) {
	if lo.Pos.X > hi.Pos.X || lo.Pos.Y > hi.Pos.Y || lo.Pos.Z > hi.Pos.Z {
		return GeoLimits{}, errs.Configf("geometry limits inverted: min %v > max %v", lo.Pos, hi.Pos)
	}
	return GeoLimits{min: lo, max: hi}, nil
}

// Min returns the lower corner.
func (l GeoLimits) Min() Corner { return l.min }

// Max returns the upper corner.
func (l GeoLimits) Max() Corner { return l.max }

// Center is the midpoint of the box.
func (l GeoLimits) Center() r3.Vector {
	return l.min.Pos.Add(l.max.Pos).Mul(0.5)
}

// LoadGeoLimits reads a limits file holding two rows of
// "module_id x y z": the lower corner then the upper corner.
func LoadGeoLimits(path string) (GeoLimits, error) {
	f, err := os.Open(path)
	if err != nil {
		return GeoLimits{}, fmt.Errorf("failed to open geometry limits file: %w", err)
	}
	defer f.Close()
	return ParseGeoLimits(f)
}

// ParseGeoLimits reads a limits table from r.
func ParseGeoLimits(r io.Reader) (GeoLimits, error) {
	var corners []Corner
	err := scanRows(r, 4, 4, func(line int, fields []string) error {
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return errs.Configf("limits line %d: bad module id %q", line, fields[0])
		}
		vals, err := parseFloats(fields[1:])
		if err != nil {
			return errs.Configf("limits line %d: %v", line, err)
		}
		corners = append(corners, Corner{ModuleID: id, Pos: r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}})
		return nil
	})
	if err != nil {
		return GeoLimits{}, err
	}
	if len(corners) != 2 {
		return GeoLimits{}, errs.Configf("limits file must hold exactly 2 rows, got %d", len(corners))
	}
	return NewGeoLimits(corners[0], corners[1])
}
