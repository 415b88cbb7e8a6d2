package model

import (
	"fmt"
	"sort"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/dataset"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/monitoring"
)

var logf = monitoring.Component("Model")

// MultiGPUModeAvolkov is the only supported data-parallel mode: the batch
// is split into equal shards and the shard gradients are merged.
const MultiGPUModeAvolkov = "avolkov"

// Builder turns a model file into a compiled Model.
type Builder struct {
	file    *config.ModelFile
	backend Backend
}

// NewBuilder returns a Builder for mf. A nil backend selects LinearBackend.
func NewBuilder(mf *config.ModelFile, backend Backend) *Builder {
	if backend == nil {
		backend = LinearBackend{}
	}
	return &Builder{file: mf, backend: backend}
}

// Backend returns the backend models are compiled with.
func (b *Builder) Backend() Backend { return b.backend }

// Build compiles a model for the given input shapes. Output widths come
// from the label modifier configured in cfg, whose heads must match the
// compile options exactly. When cfg asks for several devices the batch size
// is scaled by the device count.
func (b *Builder) Build(inputShapes map[string][]int, cfg *config.RunConfig) (Model, error) {
	sec := b.file.Model
	family, err := LookupFamily(sec.NNArch)
	if err != nil {
		return nil, err
	}

	lm, err := dataset.LookupLabelModifier(cfg.GetLabelModifier())
	if err != nil {
		return nil, err
	}
	widths := lm.Widths()
	if err := matchHeads(b.file.Heads(), widths, lm.Name()); err != nil {
		return nil, err
	}

	topo, err := family.Topology(sec, inputShapes, widths)
	if err != nil {
		return nil, err
	}

	heads := make([]Head, 0, len(widths))
	for _, name := range b.file.Heads() {
		opt := sec.CompileOpt[name]
		if _, err := LookupLoss(opt.Function); err != nil {
			return nil, fmt.Errorf("head %s: %w", name, err)
		}
		for _, met := range opt.Metrics {
			if _, err := LookupMetric(met); err != nil {
				return nil, fmt.Errorf("head %s: %w", name, err)
			}
		}
		heads = append(heads, Head{
			Name:    name,
			Width:   widths[name],
			Loss:    opt.Function,
			Weight:  opt.GetWeight(),
			Metrics: append([]string(nil), opt.Metrics...),
		})
	}

	if _, err := NewOptimizer(cfg.GetOptimizer()); err != nil {
		return nil, err
	}

	shards, err := parallelize(cfg)
	if err != nil {
		return nil, err
	}

	m, err := b.backend.Compile(Spec{
		Topology:     topo,
		Heads:        heads,
		Optimizer:    cfg.GetOptimizer(),
		LearningRate: cfg.GetLearningRate(),
		Shards:       shards,
		Seed:         cfg.GetShuffleSeed(),
	})
	if err != nil {
		return nil, err
	}
	logf("Built %s model with %d parameters and heads %v", topo.Arch, topo.Params, b.file.Heads())
	return m, nil
}

func matchHeads(compiled []string, widths map[string]int, modifier string) error {
	want := make([]string, 0, len(widths))
	for h := range widths {
		want = append(want, h)
	}
	sort.Strings(want)
	if len(want) != len(compiled) {
		return errs.Configf("compile_opt heads %v do not match the outputs %v of label modifier %s", compiled, want, modifier)
	}
	for i := range want {
		if want[i] != compiled[i] {
			return errs.Configf("compile_opt heads %v do not match the outputs %v of label modifier %s", compiled, want, modifier)
		}
	}
	return nil
}

// parallelize returns the number of data-parallel shards and scales the
// batch size to match.
func parallelize(cfg *config.RunConfig) (int, error) {
	n := cfg.GetNGPU()
	if n <= 1 {
		return 1, nil
	}
	if mode := cfg.GetMultiGPUMode(); mode != MultiGPUModeAvolkov {
		return 0, errs.Configf("multi_gpu_mode %q is not supported, use %q", mode, MultiGPUModeAvolkov)
	}
	cfg.ScaleBatchSize(n)
	logf("Replicating the model over %d devices, batchsize is now %d", n, cfg.GetBatchSize())
	return n, nil
}
