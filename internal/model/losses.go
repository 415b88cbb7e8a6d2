package model

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/orcanet/orcanet/internal/errs"
)

// Activation is applied to the raw output of a head before the loss.
type Activation int

const (
	Linear Activation = iota
	Softmax
)

func (a Activation) apply(z []float64) {
	if a != Softmax {
		return
	}
	m := floats.Max(z)
	sum := 0.0
	for i, v := range z {
		z[i] = math.Exp(v - m)
		sum += z[i]
	}
	floats.Scale(1/sum, z)
}

// Loss is a registered loss function. Grad writes the derivative with
// respect to the pre-activation output of one event.
type Loss struct {
	Name       string
	Activation Activation
	Value      func(pred, target []float64) float64
	Grad       func(pred, target, dst []float64)
}

const probFloor = 1e-7

var losses = map[string]Loss{
	"categorical_crossentropy": {
		Name:       "categorical_crossentropy",
		Activation: Softmax,
		Value: func(p, y []float64) float64 {
			v := 0.0
			for i := range p {
				v -= y[i] * math.Log(max(p[i], probFloor))
			}
			return v
		},
		// Softmax and cross entropy combine to p - y.
		Grad: func(p, y, dst []float64) { floats.SubTo(dst, p, y) },
	},
	"mean_squared_error": {
		Name:  "mean_squared_error",
		Value: mse,
		Grad: func(p, y, dst []float64) {
			floats.SubTo(dst, p, y)
			floats.Scale(2/float64(len(p)), dst)
		},
	},
	"mean_absolute_error": {
		Name:  "mean_absolute_error",
		Value: mae,
		Grad: func(p, y, dst []float64) {
			for i := range p {
				switch {
				case p[i] > y[i]:
					dst[i] = 1 / float64(len(p))
				case p[i] < y[i]:
					dst[i] = -1 / float64(len(p))
				default:
					dst[i] = 0
				}
			}
		},
	},
}

var lossAliases = map[string]string{
	"mse": "mean_squared_error",
	"mae": "mean_absolute_error",
}

// LookupLoss resolves a loss by name or alias.
func LookupLoss(name string) (Loss, error) {
	if full, ok := lossAliases[name]; ok {
		name = full
	}
	l, ok := losses[name]
	if !ok {
		return Loss{}, errs.Configf("unknown loss function %q (known: %v)", name, sortedNames(losses))
	}
	return l, nil
}

// Metric is a per-event score averaged over a batch.
type Metric struct {
	Name  string
	Value func(pred, target []float64) float64
}

var metrics = map[string]Metric{
	"acc": {Name: "acc", Value: func(p, y []float64) float64 {
		if floats.MaxIdx(p) == floats.MaxIdx(y) {
			return 1
		}
		return 0
	}},
	"mae": {Name: "mae", Value: mae},
	"mse": {Name: "mse", Value: mse},
}

var metricAliases = map[string]string{
	"accuracy":            "acc",
	"mean_absolute_error": "mae",
	"mean_squared_error":  "mse",
}

// LookupMetric resolves a metric by name or alias.
func LookupMetric(name string) (Metric, error) {
	if full, ok := metricAliases[name]; ok {
		name = full
	}
	m, ok := metrics[name]
	if !ok {
		return Metric{}, errs.Configf("unknown metric %q (known: %v)", name, sortedNames(metrics))
	}
	return m, nil
}

func mse(p, y []float64) float64 {
	v := 0.0
	for i := range p {
		d := p[i] - y[i]
		v += d * d
	}
	return v / float64(len(p))
}

func mae(p, y []float64) float64 {
	v := 0.0
	for i := range p {
		v += math.Abs(p[i] - y[i])
	}
	return v / float64(len(p))
}
