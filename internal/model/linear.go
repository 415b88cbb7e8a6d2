package model

import (
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/orcanet/orcanet/internal/dataset"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/histogram"
)

// inputScale maps histogram counts into [0, 1].
const inputScale = 1.0 / histogram.MaxCount

// LinearBackend compiles every model to one dense read-out per output head
// over the concatenated, flattened inputs. The topology is kept for
// reporting and for checkpoint compatibility checks.
type LinearBackend struct{}

// Name implements Backend.
func (LinearBackend) Name() string { return "linear" }

// Compile implements Backend.
func (LinearBackend) Compile(spec Spec) (Model, error) {
	m, err := newLinear(spec)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	for _, h := range spec.Heads {
		w := m.params[h.Name+"/W"]
		for i := range w {
			w[i] = 0.01 * rng.NormFloat64()
		}
	}
	return m, nil
}

// Restore implements Backend.
func (b LinearBackend) Restore(st *State) (Model, error) {
	if st.Backend != b.Name() {
		return nil, errs.Consistencyf("checkpoint was written by the %q backend, not %q", st.Backend, b.Name())
	}
	m, err := newLinear(st.Spec)
	if err != nil {
		return nil, err
	}
	for key, p := range m.params {
		saved, ok := st.Params[key]
		if !ok || len(saved) != len(p) {
			return nil, errs.Consistencyf("checkpoint parameter %s is missing or has the wrong size", key)
		}
		copy(p, saved)
	}
	if err := m.opt.Restore(st.Optimizer); err != nil {
		return nil, err
	}
	m.lr = st.LearningRate
	return m, nil
}

type linearHead struct {
	Head
	loss    Loss
	metrics []Metric
}

type linearModel struct {
	spec     Spec
	inputs   []string // sorted model input names
	features int
	heads    []linearHead
	names    []string
	params   map[string][]float64
	opt      Optimizer
	lr       float64
}

func newLinear(spec Spec) (*linearModel, error) {
	if len(spec.Heads) == 0 {
		return nil, errs.Configf("model has no output heads")
	}
	opt, err := NewOptimizer(spec.Optimizer)
	if err != nil {
		return nil, err
	}
	m := &linearModel{
		spec:   spec,
		inputs: sortedNames(spec.Topology.Inputs),
		names:  MetricNames(spec.Heads),
		params: make(map[string][]float64),
		opt:    opt,
		lr:     spec.LearningRate,
	}
	for _, in := range m.inputs {
		m.features += histogram.Size(spec.Topology.Inputs[in])
	}
	for _, h := range spec.Heads {
		loss, err := LookupLoss(h.Loss)
		if err != nil {
			return nil, err
		}
		lh := linearHead{Head: h, loss: loss}
		for _, name := range h.Metrics {
			met, err := LookupMetric(name)
			if err != nil {
				return nil, err
			}
			lh.metrics = append(lh.metrics, met)
		}
		m.heads = append(m.heads, lh)
		m.params[h.Name+"/W"] = make([]float64, m.features*h.Width)
		m.params[h.Name+"/b"] = make([]float64, h.Width)
	}
	return m, nil
}

func (m *linearModel) Spec() Spec                 { return m.spec }
func (m *linearModel) MetricNames() []string      { return append([]string(nil), m.names...) }
func (m *linearModel) LearningRate() float64      { return m.lr }
func (m *linearModel) SetLearningRate(lr float64) { m.lr = lr }

func (m *linearModel) State() *State {
	params := make(map[string][]float64, len(m.params))
	for k, v := range m.params {
		params[k] = append([]float64(nil), v...)
	}
	return &State{
		Backend:      LinearBackend{}.Name(),
		Spec:         m.spec,
		Params:       params,
		Optimizer:    m.opt.State(),
		LearningRate: m.lr,
	}
}

// design flattens the model inputs of a batch into one scaled matrix.
func (m *linearModel) design(inputs map[string]*mat.Dense) (*mat.Dense, error) {
	n := -1
	for _, in := range m.inputs {
		x, ok := inputs[in]
		if !ok {
			return nil, errs.Consistencyf("batch has no input %q", in)
		}
		r, c := x.Dims()
		if c != histogram.Size(m.spec.Topology.Inputs[in]) {
			return nil, errs.Consistencyf("input %q has %d features, model expects %d", in, c, histogram.Size(m.spec.Topology.Inputs[in]))
		}
		if n >= 0 && r != n {
			return nil, errs.Consistencyf("inputs disagree on the batch size")
		}
		n = r
	}
	if n < 1 {
		return nil, errs.Consistencyf("empty batch")
	}
	x := mat.NewDense(n, m.features, nil)
	for row := 0; row < n; row++ {
		dst := x.RawRowView(row)
		col := 0
		for _, in := range m.inputs {
			src := inputs[in].RawRowView(row)
			copy(dst[col:], src)
			col += len(src)
		}
		floats.Scale(inputScale, dst)
	}
	return x, nil
}

// forward returns the activated outputs of every head.
func (m *linearModel) forward(x *mat.Dense) map[string]*mat.Dense {
	n, _ := x.Dims()
	out := make(map[string]*mat.Dense, len(m.heads))
	for _, h := range m.heads {
		w := mat.NewDense(m.features, h.Width, m.params[h.Name+"/W"])
		z := mat.NewDense(n, h.Width, nil)
		z.Mul(x, w)
		b := m.params[h.Name+"/b"]
		for i := 0; i < n; i++ {
			row := z.RawRowView(i)
			floats.Add(row, b)
			h.loss.Activation.apply(row)
		}
		out[h.Name] = z
	}
	return out
}

func (m *linearModel) Predict(inputs map[string]*mat.Dense) (map[string]*mat.Dense, error) {
	x, err := m.design(inputs)
	if err != nil {
		return nil, err
	}
	return m.forward(x), nil
}

func (m *linearModel) TestOnBatch(b dataset.Batch) ([]float64, error) {
	x, err := m.design(b.Inputs)
	if err != nil {
		return nil, err
	}
	if err := m.checkLabels(b); err != nil {
		return nil, err
	}
	return m.score(m.forward(x), b.Labels), nil
}

func (m *linearModel) checkLabels(b dataset.Batch) error {
	for _, h := range m.heads {
		y, ok := b.Labels[h.Name]
		if !ok {
			return errs.Consistencyf("batch has no labels for head %q", h.Name)
		}
		r, c := y.Dims()
		if r != b.Len() || c != h.Width {
			return errs.Consistencyf("labels of head %q are %dx%d, want %dx%d", h.Name, r, c, b.Len(), h.Width)
		}
	}
	return nil
}

// score computes the metrics in MetricNames order.
func (m *linearModel) score(pred, labels map[string]*mat.Dense) []float64 {
	headLoss := make([]float64, len(m.heads))
	var extra []float64
	total := 0.0
	for i, h := range m.heads {
		p, y := pred[h.Name], labels[h.Name]
		n, _ := p.Dims()
		for r := 0; r < n; r++ {
			headLoss[i] += h.loss.Value(p.RawRowView(r), y.RawRowView(r))
		}
		headLoss[i] /= float64(n)
		total += h.Weight * headLoss[i]
		for _, met := range h.metrics {
			v := 0.0
			for r := 0; r < n; r++ {
				v += met.Value(p.RawRowView(r), y.RawRowView(r))
			}
			extra = append(extra, v/float64(n))
		}
	}
	out := []float64{total}
	if len(m.heads) > 1 {
		out = append(out, headLoss...)
	}
	return append(out, extra...)
}

// TrainOnBatch takes one optimizer step. With several shards the batch is
// split by rows and the shard gradients are summed, which equals the
// gradient of the whole batch.
func (m *linearModel) TrainOnBatch(b dataset.Batch) ([]float64, error) {
	x, err := m.design(b.Inputs)
	if err != nil {
		return nil, err
	}
	if err := m.checkLabels(b); err != nil {
		return nil, err
	}
	n, _ := x.Dims()
	pred := m.forward(x)
	scores := m.score(pred, b.Labels)

	shards := max(min(m.spec.Shards, n), 1)
	grads := make([]map[string][]float64, shards)
	var g errgroup.Group
	for s := 0; s < shards; s++ {
		lo, hi := s*n/shards, (s+1)*n/shards
		g.Go(func() error {
			grads[s] = m.gradient(x, pred, b.Labels, lo, hi, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := grads[0]
	for _, gs := range grads[1:] {
		for k, v := range gs {
			floats.Add(total[k], v)
		}
	}
	m.opt.Step(m.params, total, m.lr)
	return scores, nil
}

// gradient of the weighted loss, averaged over n, restricted to the
// non-empty row range [lo, hi).
func (m *linearModel) gradient(x *mat.Dense, pred, labels map[string]*mat.Dense, lo, hi, n int) map[string][]float64 {
	out := make(map[string][]float64, len(m.params))
	xs := x.Slice(lo, hi, 0, m.features)
	for _, h := range m.heads {
		dz := mat.NewDense(hi-lo, h.Width, nil)
		gb := make([]float64, h.Width)
		p, y := pred[h.Name], labels[h.Name]
		for r := lo; r < hi; r++ {
			row := dz.RawRowView(r - lo)
			h.loss.Grad(p.RawRowView(r), y.RawRowView(r), row)
			floats.Scale(h.Weight/float64(n), row)
			floats.Add(gb, row)
		}
		gw := mat.NewDense(m.features, h.Width, nil)
		gw.Mul(xs.T(), dz)
		out[h.Name+"/W"] = gw.RawMatrix().Data
		out[h.Name+"/b"] = gb
	}
	return out
}
