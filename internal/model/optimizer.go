package model

import (
	"math"
	"strings"

	"github.com/orcanet/orcanet/internal/errs"
)

// OptimizerState is the persisted state of an optimizer.
type OptimizerState struct {
	Name  string
	Steps int
	Slots map[string][]float64
}

// Optimizer updates parameters in place from their gradients.
type Optimizer interface {
	Name() string
	Step(params, grads map[string][]float64, lr float64)
	State() OptimizerState
	Restore(OptimizerState) error
}

// Optimizer settings.
const (
	AdamBeta1   = 0.9
	AdamBeta2   = 0.999
	AdamEpsilon = 0.1
	SGDMomentum = 0.9
)

// NewOptimizer returns a fresh optimizer by name, case-insensitive.
func NewOptimizer(name string) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		return &adam{slots: map[string][]float64{}}, nil
	case "sgd":
		return &sgd{slots: map[string][]float64{}}, nil
	default:
		return nil, errs.Configf("unknown optimizer %q (known: [adam sgd])", name)
	}
}

func slot(slots map[string][]float64, key string, n int) []float64 {
	s, ok := slots[key]
	if !ok || len(s) != n {
		s = make([]float64, n)
		slots[key] = s
	}
	return s
}

func copySlots(in map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

type adam struct {
	steps int
	slots map[string][]float64
}

func (o *adam) Name() string { return "adam" }

func (o *adam) Step(params, grads map[string][]float64, lr float64) {
	o.steps++
	c1 := 1 - math.Pow(AdamBeta1, float64(o.steps))
	c2 := 1 - math.Pow(AdamBeta2, float64(o.steps))
	for key, p := range params {
		g := grads[key]
		m := slot(o.slots, "m/"+key, len(p))
		v := slot(o.slots, "v/"+key, len(p))
		for i := range p {
			m[i] = AdamBeta1*m[i] + (1-AdamBeta1)*g[i]
			v[i] = AdamBeta2*v[i] + (1-AdamBeta2)*g[i]*g[i]
			p[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + AdamEpsilon)
		}
	}
}

func (o *adam) State() OptimizerState {
	return OptimizerState{Name: o.Name(), Steps: o.steps, Slots: copySlots(o.slots)}
}

func (o *adam) Restore(st OptimizerState) error {
	if st.Name != o.Name() {
		return errs.Consistencyf("checkpoint holds %s optimizer state, model uses %s", st.Name, o.Name())
	}
	o.steps = st.Steps
	o.slots = copySlots(st.Slots)
	return nil
}

// sgd is stochastic gradient descent with Nesterov momentum.
type sgd struct {
	steps int
	slots map[string][]float64
}

func (o *sgd) Name() string { return "sgd" }

func (o *sgd) Step(params, grads map[string][]float64, lr float64) {
	o.steps++
	for key, p := range params {
		g := grads[key]
		vel := slot(o.slots, "velocity/"+key, len(p))
		for i := range p {
			vel[i] = SGDMomentum*vel[i] - lr*g[i]
			p[i] += SGDMomentum*vel[i] - lr*g[i]
		}
	}
}

func (o *sgd) State() OptimizerState {
	return OptimizerState{Name: o.Name(), Steps: o.steps, Slots: copySlots(o.slots)}
}

func (o *sgd) Restore(st OptimizerState) error {
	if st.Name != o.Name() {
		return errs.Consistencyf("checkpoint holds %s optimizer state, model uses %s", st.Name, o.Name())
	}
	o.steps = st.Steps
	o.slots = copySlots(st.Slots)
	return nil
}

// DecayedLearningRate returns lr0·(1−decay)^trained, where trained is the
// number of files trained so far.
func DecayedLearningRate(lr0, decay float64, trained int) float64 {
	return lr0 * math.Pow(1-decay, float64(trained))
}
