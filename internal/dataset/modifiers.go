package dataset

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/histogram"
)

// SampleModifier turns the raw histograms of a batch into model inputs.
// Each input is a matrix with one row per event.
type SampleModifier interface {
	Name() string
	// Shapes maps the branch shapes of a file to the model input shapes.
	Shapes(branches map[string][]int) (map[string][]int, error)
	Apply(hists map[string][]*histogram.Histogram) (map[string]*mat.Dense, error)
}

// LabelModifier derives the training targets of every output head from
// event metadata.
type LabelModifier interface {
	Name() string
	// Widths maps every output head to the length of its target vector.
	Widths() map[string]int
	// Apply needs at least one track.
	Apply(tracks []detector.Track) map[string]*mat.Dense
}

// DefaultSampleModifier is used when no sample modifier is configured.
const DefaultSampleModifier = "identity"

var sampleModifiers = map[string]func() SampleModifier{
	"identity":        func() SampleModifier { return identity{} },
	"concat_channels": func() SampleModifier { return concatChannels{} },
}

var labelModifiers = map[string]func() LabelModifier{
	"ts_classifier":         func() LabelModifier { return tsClassifier{} },
	"bg_classifier":         func() LabelModifier { return bgClassifier{} },
	"energy_dir_regression": func() LabelModifier { return energyDirRegression{} },
}

// LookupSampleModifier resolves a sample modifier by name. The empty name
// selects DefaultSampleModifier.
func LookupSampleModifier(name string) (SampleModifier, error) {
	if name == "" {
		name = DefaultSampleModifier
	}
	f, ok := sampleModifiers[name]
	if !ok {
		return nil, errs.Configf("unknown sample modifier %q (known: %v)", name, registered(sampleModifiers))
	}
	return f(), nil
}

// LookupLabelModifier resolves a label modifier by name.
func LookupLabelModifier(name string) (LabelModifier, error) {
	if name == "" {
		return nil, errs.Configf("no label modifier configured (known: %v)", registered(labelModifiers))
	}
	f, ok := labelModifiers[name]
	if !ok {
		return nil, errs.Configf("unknown label modifier %q (known: %v)", name, registered(labelModifiers))
	}
	return f(), nil
}

func registered[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// identity feeds every branch to the model input of the same name.
type identity struct{}

func (identity) Name() string { return "identity" }

func (identity) Shapes(branches map[string][]int) (map[string][]int, error) {
	out := make(map[string][]int, len(branches))
	for b, s := range branches {
		out[b] = append([]int(nil), s...)
	}
	return out, nil
}

func (identity) Apply(hists map[string][]*histogram.Histogram) (map[string]*mat.Dense, error) {
	out := make(map[string]*mat.Dense, len(hists))
	for b, hs := range hists {
		out[b] = toDense(hs)
	}
	return out, nil
}

// ConcatInput is the single model input produced by concat_channels.
const ConcatInput = "input"

// concatChannels stacks all branches along their last axis into one input.
// The branches must agree on every other axis.
type concatChannels struct{}

func (concatChannels) Name() string { return "concat_channels" }

func (concatChannels) Shapes(branches map[string][]int) (map[string][]int, error) {
	names := registered(branches)
	if len(names) == 0 {
		return nil, errs.Configf("concat_channels needs at least one input")
	}
	ref := branches[names[0]]
	out := append([]int(nil), ref...)
	for _, b := range names[1:] {
		s := branches[b]
		if len(s) != len(ref) {
			return nil, errs.Configf("concat_channels: %s has %d axes, %s has %d", b, len(s), names[0], len(ref))
		}
		for i := 0; i < len(s)-1; i++ {
			if s[i] != ref[i] {
				return nil, errs.Configf("concat_channels: %s has shape %v, incompatible with %s %v", b, s, names[0], ref)
			}
		}
		out[len(out)-1] += s[len(s)-1]
	}
	return map[string][]int{ConcatInput: out}, nil
}

func (concatChannels) Apply(hists map[string][]*histogram.Histogram) (map[string]*mat.Dense, error) {
	names := registered(hists)
	if len(names) == 0 {
		return nil, errs.Configf("concat_channels needs at least one input")
	}
	n := len(hists[names[0]])
	if n == 0 {
		return nil, errs.Consistencyf("concat_channels: empty batch")
	}

	// With row-major storage, stacking on the last axis interleaves the
	// innermost runs of every branch.
	var outer, width int
	for i, b := range names {
		shape := hists[b][0].Shape
		inner := shape[len(shape)-1]
		o := histogram.Size(shape) / inner
		if i == 0 {
			outer = o
		} else if o != outer {
			return nil, errs.Consistencyf("concat_channels: %s does not match %s", b, names[0])
		}
		width += inner
	}
	out := mat.NewDense(n, outer*width, nil)
	for row := 0; row < n; row++ {
		dst := out.RawRowView(row)
		col := 0
		for _, b := range names {
			h := hists[b][row]
			inner := h.Shape[len(h.Shape)-1]
			for o := 0; o < outer; o++ {
				for k := 0; k < inner; k++ {
					dst[o*width+col+k] = float64(h.Data[o*inner+k])
				}
			}
			col += inner
		}
	}
	return map[string]*mat.Dense{ConcatInput: out}, nil
}

func toDense(hs []*histogram.Histogram) *mat.Dense {
	if len(hs) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(hs), len(hs[0].Data), nil)
	for i, h := range hs {
		row := out.RawRowView(i)
		for j, v := range h.Data {
			row[j] = float64(v)
		}
	}
	return out
}

// Output head names of the built-in label modifiers.
const (
	HeadTrackShower = "ts_output"
	HeadBackground  = "bg_output"
	HeadEnergy      = "energy"
	HeadDirection   = "dir"
)

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// tsClassifier separates tracks (charged-current muon neutrinos) from
// showers as a two-class one-hot target: [shower, track].
type tsClassifier struct{}

func (tsClassifier) Name() string { return "ts_classifier" }

func (tsClassifier) Widths() map[string]int { return map[string]int{HeadTrackShower: 2} }

func (tsClassifier) Apply(tracks []detector.Track) map[string]*mat.Dense {
	y := mat.NewDense(len(tracks), 2, nil)
	for i, tr := range tracks {
		if abs(tr.ParticleType) == 14 && tr.IsCC {
			y.Set(i, 1, 1)
		} else {
			y.Set(i, 0, 1)
		}
	}
	return map[string]*mat.Dense{HeadTrackShower: y}
}

// bgClassifier sorts events into [neutrino, atmospheric muon, random noise].
type bgClassifier struct{}

func (bgClassifier) Name() string { return "bg_classifier" }

func (bgClassifier) Widths() map[string]int { return map[string]int{HeadBackground: 3} }

func (bgClassifier) Apply(tracks []detector.Track) map[string]*mat.Dense {
	y := mat.NewDense(len(tracks), 3, nil)
	for i, tr := range tracks {
		switch abs(tr.ParticleType) {
		case 13:
			y.Set(i, 1, 1)
		case 0:
			y.Set(i, 2, 1)
		default:
			y.Set(i, 0, 1)
		}
	}
	return map[string]*mat.Dense{HeadBackground: y}
}

// energyDirRegression targets the primary energy and direction.
type energyDirRegression struct{}

func (energyDirRegression) Name() string { return "energy_dir_regression" }

func (energyDirRegression) Widths() map[string]int {
	return map[string]int{HeadEnergy: 1, HeadDirection: 3}
}

func (energyDirRegression) Apply(tracks []detector.Track) map[string]*mat.Dense {
	n := len(tracks)
	energy := mat.NewDense(n, 1, nil)
	dir := mat.NewDense(n, 3, nil)
	for i, tr := range tracks {
		energy.Set(i, 0, tr.Energy)
		dir.SetRow(i, []float64{tr.Dir.X, tr.Dir.Y, tr.Dir.Z})
	}
	return map[string]*mat.Dense{HeadEnergy: energy, HeadDirection: dir}
}
