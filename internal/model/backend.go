package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/orcanet/orcanet/internal/dataset"
)

// Head is one compiled output.
type Head struct {
	Name    string
	Width   int
	Loss    string
	Weight  float64
	Metrics []string
}

// Spec is everything a Backend needs to compile a model.
type Spec struct {
	Topology     Topology
	Heads        []Head // sorted by name
	Optimizer    string
	LearningRate float64
	Shards       int // data-parallel replicas, 1 for none
	Seed         int64
}

// Model is a compiled, trainable model.
//
// TrainOnBatch and TestOnBatch return one value per MetricNames entry.
// Models are not safe for concurrent use.
type Model interface {
	Spec() Spec
	MetricNames() []string
	TrainOnBatch(b dataset.Batch) ([]float64, error)
	TestOnBatch(b dataset.Batch) ([]float64, error)
	Predict(inputs map[string]*mat.Dense) (map[string]*mat.Dense, error)
	LearningRate() float64
	SetLearningRate(lr float64)
	// State snapshots the parameters and optimizer for a checkpoint.
	State() *State
}

// Backend compiles specs into models and restores them from checkpoints.
type Backend interface {
	Name() string
	Compile(spec Spec) (Model, error)
	Restore(st *State) (Model, error)
}

// MetricNames lists the metrics reported for heads: the total loss, then a
// loss per head when there are several, then the extra metrics. With a
// single head the head prefix is dropped.
func MetricNames(heads []Head) []string {
	names := []string{"loss"}
	if len(heads) > 1 {
		for _, h := range heads {
			names = append(names, h.Name+"_loss")
		}
	}
	for _, h := range heads {
		for _, m := range h.Metrics {
			if len(heads) > 1 {
				names = append(names, h.Name+"_"+m)
			} else {
				names = append(names, m)
			}
		}
	}
	return names
}
