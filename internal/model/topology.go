package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/errs"
)

// Layer kinds.
const (
	LayerConv    = "conv"
	LayerPool    = "maxpool"
	LayerGAP     = "global_avg_pool"
	LayerFlatten = "flatten"
	LayerDense   = "dense"
	LayerDropout = "dropout"
	LayerConcat  = "concat"
	LayerOutput  = "output"
)

// Layer is one entry of a Topology.
type Layer struct {
	Kind     string
	Name     string
	Input    string // model input this layer belongs to, empty after the merge
	OutShape []int
	Params   int
	Rate     float64 // dropout rate
}

// Topology is the layer stack of a model with shapes inferred from the
// inputs.
type Topology struct {
	Arch   string
	Inputs map[string][]int
	Layers []Layer
	Params int
}

// Summary renders the topology one layer per line.
func (t Topology) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, %d parameters\n", t.Arch, t.Params)
	for _, l := range t.Layers {
		fmt.Fprintf(&sb, "  %-24s %-16s %v %d\n", l.Name, l.Kind, l.OutShape, l.Params)
	}
	return sb.String()
}

// Family is a registered architecture. Required lists the hyperparameters
// that must be present in the model file.
type Family struct {
	Tag      string
	Required []string
	build    func(t *topoBuilder, sec config.ModelSection) error
}

var families = map[string]Family{
	"VGG":   {Tag: "VGG", Required: []string{"dropout", "n_filters"}, build: buildVGG},
	"WRN":   {Tag: "WRN", build: buildWRN},
	"DENSE": {Tag: "DENSE", Required: []string{"n_units"}, build: buildDense},
}

// LookupFamily resolves an architecture tag.
func LookupFamily(tag string) (Family, error) {
	f, ok := families[tag]
	if !ok {
		names := make([]string, 0, len(families))
		for n := range families {
			names = append(names, n)
		}
		sort.Strings(names)
		return Family{}, errs.Configf("unknown nn_arch %q (known: %v)", tag, names)
	}
	return f, nil
}

// Topology checks the hyperparameters and lays out the layers for the
// given input shapes and output head widths.
func (f Family) Topology(sec config.ModelSection, inputs map[string][]int, heads map[string]int) (Topology, error) {
	for _, key := range f.Required {
		if _, ok := sec.Hyperparameters[key]; !ok {
			return Topology{}, errs.Configf("%s needs hyperparameter %q", f.Tag, key)
		}
	}
	if len(inputs) == 0 {
		return Topology{}, errs.Configf("%s: model has no inputs", f.Tag)
	}
	b := &topoBuilder{topo: Topology{Arch: f.Tag, Inputs: make(map[string][]int, len(inputs))}}
	for name, s := range inputs {
		if len(s) == 0 {
			return Topology{}, errs.Configf("%s: input %s has no shape", f.Tag, name)
		}
		b.topo.Inputs[name] = append([]int(nil), s...)
	}
	if err := f.build(b, sec); err != nil {
		return Topology{}, err
	}
	// Every head reads the same trunk output.
	trunk := b.shape
	for _, h := range sortedNames(heads) {
		b.shape = trunk
		b.dense(h, LayerOutput, heads[h])
	}
	return b.topo, nil
}

// topoBuilder appends layers while tracking the current shape.
type topoBuilder struct {
	topo  Topology
	shape []int
	input string
}

func (b *topoBuilder) add(l Layer) {
	l.Input = b.input
	l.OutShape = append([]int(nil), b.shape...)
	b.topo.Layers = append(b.topo.Layers, l)
	b.topo.Params += l.Params
}

func (b *topoBuilder) inputNames() []string { return sortedNames(b.topo.Inputs) }

// startInput resets the shape to a model input with one channel.
func (b *topoBuilder) startInput(name string) {
	b.input = name
	b.shape = append(append([]int(nil), b.topo.Inputs[name]...), 1)
}

func (b *topoBuilder) conv(name string, filters, kernel int) {
	spatial := len(b.shape) - 1
	inCh := b.shape[spatial]
	k := 1
	for i := 0; i < spatial; i++ {
		k *= kernel
	}
	b.shape[spatial] = filters
	b.add(Layer{Kind: LayerConv, Name: name, Params: k*inCh*filters + filters})
}

func (b *topoBuilder) pool(name string) {
	for i := 0; i < len(b.shape)-1; i++ {
		b.shape[i] = max(b.shape[i]/2, 1)
	}
	b.add(Layer{Kind: LayerPool, Name: name})
}

func (b *topoBuilder) dropout(name string, rate float64) {
	if rate > 0 {
		b.add(Layer{Kind: LayerDropout, Name: name, Rate: rate})
	}
}

func (b *topoBuilder) flatten(name string) {
	n := 1
	for _, d := range b.shape {
		n *= d
	}
	b.shape = []int{n}
	b.add(Layer{Kind: LayerFlatten, Name: name})
}

func (b *topoBuilder) globalPool(name string) {
	b.shape = []int{b.shape[len(b.shape)-1]}
	b.add(Layer{Kind: LayerGAP, Name: name})
}

func (b *topoBuilder) dense(name, kind string, units int) {
	in := b.shape[0]
	b.shape = []int{units}
	b.add(Layer{Kind: kind, Name: name, Params: in*units + units})
}

// towers runs tower once per model input and concatenates the flat outputs.
func (b *topoBuilder) towers(tower func(prefix string)) {
	width := 0
	for _, in := range b.inputNames() {
		b.startInput(in)
		tower(in + "_")
		width += b.shape[0]
	}
	b.input = ""
	b.shape = []int{width}
	if len(b.topo.Inputs) > 1 {
		b.add(Layer{Kind: LayerConcat, Name: "concat"})
	}
}

func hyperFloat(sec config.ModelSection, key string, def float64) (float64, error) {
	if _, ok := sec.Hyperparameters[key]; !ok {
		return def, nil
	}
	v, ok := sec.Float(key)
	if !ok {
		return 0, errs.Configf("hyperparameter %q must be a number", key)
	}
	return v, nil
}

func hyperInt(sec config.ModelSection, key string, def int) (int, error) {
	if _, ok := sec.Hyperparameters[key]; !ok {
		return def, nil
	}
	v, ok := sec.Int(key)
	if !ok || v < 1 {
		return 0, errs.Configf("hyperparameter %q must be a positive integer", key)
	}
	return v, nil
}

func hyperInts(sec config.ModelSection, key string) ([]int, error) {
	v, ok := sec.Ints(key)
	if !ok || len(v) == 0 {
		return nil, errs.Configf("hyperparameter %q must be a non-empty list of integers", key)
	}
	for _, n := range v {
		if n < 1 {
			return nil, errs.Configf("hyperparameter %q must hold positive integers, got %v", key, v)
		}
	}
	return v, nil
}

func checkRate(key string, rate float64) error {
	if rate < 0 || rate >= 1 {
		return errs.Configf("hyperparameter %q must be in [0, 1), got %g", key, rate)
	}
	return nil
}

// buildVGG stacks 3x3 convolutions with the given filter counts per input,
// pooling after every second one, then a dense block.
func buildVGG(b *topoBuilder, sec config.ModelSection) error {
	rate, err := hyperFloat(sec, "dropout", 0)
	if err != nil {
		return err
	}
	if err := checkRate("dropout", rate); err != nil {
		return err
	}
	filters, err := hyperInts(sec, "n_filters")
	if err != nil {
		return err
	}
	kernel, err := hyperInt(sec, "kernel_size", 3)
	if err != nil {
		return err
	}
	b.towers(func(p string) {
		for i, f := range filters {
			b.conv(fmt.Sprintf("%sconv%d", p, i+1), f, kernel)
			if i%2 == 1 {
				b.pool(fmt.Sprintf("%spool%d", p, i/2+1))
				b.dropout(fmt.Sprintf("%sdrop%d", p, i/2+1), rate)
			}
		}
		b.flatten(p + "flatten")
	})
	b.dense("dense1", LayerDense, 128)
	b.dropout("dense1_drop", rate)
	b.dense("dense2", LayerDense, 32)
	return nil
}

// buildWRN lays out a wide residual network with three groups of n blocks
// at widths 16k, 32k and 64k.
func buildWRN(b *topoBuilder, sec config.ModelSection) error {
	n, err := hyperInt(sec, "n", 1)
	if err != nil {
		return err
	}
	k, err := hyperInt(sec, "k", 1)
	if err != nil {
		return err
	}
	rate, err := hyperFloat(sec, "dropout", 0.2)
	if err != nil {
		return err
	}
	if err := checkRate("dropout", rate); err != nil {
		return err
	}
	kernel, err := hyperInt(sec, "k_size", 3)
	if err != nil {
		return err
	}
	b.towers(func(p string) {
		b.conv(p+"conv0", 16, kernel)
		for g, width := range []int{16 * k, 32 * k, 64 * k} {
			if g > 0 {
				b.pool(fmt.Sprintf("%sgroup%d_pool", p, g+1))
			}
			for blk := 1; blk <= n; blk++ {
				name := fmt.Sprintf("%sgroup%d_block%d", p, g+1, blk)
				b.conv(name+"_a", width, kernel)
				b.dropout(name+"_drop", rate)
				b.conv(name+"_b", width, kernel)
			}
		}
		b.globalPool(p + "gap")
	})
	return nil
}

// buildDense is a plain multilayer perceptron over the flattened inputs.
func buildDense(b *topoBuilder, sec config.ModelSection) error {
	units, err := hyperInts(sec, "n_units")
	if err != nil {
		return err
	}
	rate, err := hyperFloat(sec, "dropout", 0)
	if err != nil {
		return err
	}
	if err := checkRate("dropout", rate); err != nil {
		return err
	}
	b.towers(func(p string) { b.flatten(p + "flatten") })
	for i, u := range units {
		b.dense(fmt.Sprintf("dense%d", i+1), LayerDense, u)
		b.dropout(fmt.Sprintf("dense%d_drop", i+1), rate)
	}
	return nil
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
