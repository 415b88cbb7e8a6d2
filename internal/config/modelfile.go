package config

import (
	"fmt"
	"sort"

	"github.com/orcanet/orcanet/internal/errs"
)

// HeadOptions binds a loss, its weight and the extra metrics to one named
// output head.
type HeadOptions struct {
	Function string   `json:"function"`
	Weight   *float64 `json:"weight,omitempty"`
	Metrics  []string `json:"metrics,omitempty"`
}

// GetWeight returns the loss weight, 1.0 when omitted.
func (h HeadOptions) GetWeight() float64 {
	if h.Weight == nil {
		return 1.0
	}
	return *h.Weight
}

// ModelSection is the "model" table of a model file.
type ModelSection struct {
	NNArch          string                 `json:"nn_arch"`
	Hyperparameters map[string]any         `json:"hyperparameters,omitempty"`
	CompileOpt      map[string]HeadOptions `json:"compile_opt"`
	ClassType       string                 `json:"class_type,omitempty"`
	StrIdent        string                 `json:"str_ident,omitempty"`
}

// ModifierSection names the sample and label modifiers a model expects.
type ModifierSection struct {
	SampleModifier string `json:"sample_modifier,omitempty"`
	LabelModifier  string `json:"label_modifier,omitempty"`
}

// ModelFile is the declarative model description read from a model file.
type ModelFile struct {
	Model     ModelSection    `json:"model"`
	Modifiers ModifierSection `json:"orca_modifiers,omitempty"`
}

// LoadModelFile reads and validates a model file.
func LoadModelFile(path string) (*ModelFile, error) {
	mf := &ModelFile{}
	if err := decodeDocument(path, mf); err != nil {
		return nil, err
	}
	if err := mf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model file: %w", err)
	}
	return mf, nil
}

// Validate checks the shape of the file. Whether the architecture and loss
// names exist is decided later by the model builder's registries.
func (mf *ModelFile) Validate() error {
	if mf.Model.NNArch == "" {
		return errs.Configf("model.nn_arch is required")
	}
	if len(mf.Model.CompileOpt) == 0 {
		return errs.Configf("model.compile_opt must bind at least one output head")
	}
	for _, head := range mf.Heads() {
		opt := mf.Model.CompileOpt[head]
		if opt.Function == "" {
			return errs.Configf("compile_opt.%s.function is required", head)
		}
		if opt.Weight != nil && *opt.Weight < 0 {
			return errs.Configf("compile_opt.%s.weight must be non-negative, got %g", head, *opt.Weight)
		}
	}
	return nil
}

// Heads returns the output head names in sorted order.
func (mf *ModelFile) Heads() []string {
	heads := make([]string, 0, len(mf.Model.CompileOpt))
	for h := range mf.Model.CompileOpt {
		heads = append(heads, h)
	}
	sort.Strings(heads)
	return heads
}

// ApplyModifiers copies the modifier names into cfg. A name already set to
// something different is a configuration error.
func (mf *ModelFile) ApplyModifiers(cfg *RunConfig) error {
	if mf.Modifiers.SampleModifier != "" {
		if err := cfg.SetSampleModifier(mf.Modifiers.SampleModifier); err != nil {
			return err
		}
	}
	if mf.Modifiers.LabelModifier != "" {
		if err := cfg.SetLabelModifier(mf.Modifiers.LabelModifier); err != nil {
			return err
		}
	}
	return nil
}

// Float reads a numeric hyperparameter.
func (s ModelSection) Float(key string) (float64, bool) {
	v, ok := s.Hyperparameters[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Ints reads a hyperparameter holding a list of integers, such as n_filters.
func (s ModelSection) Ints(key string) ([]int, bool) {
	v, ok := s.Hyperparameters[key]
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int, len(list))
	for i, x := range list {
		f, ok := x.(float64)
		if !ok || f != float64(int(f)) {
			return nil, false
		}
		out[i] = int(f)
	}
	return out, true
}

// Int reads an integer hyperparameter.
func (s ModelSection) Int(key string) (int, bool) {
	f, ok := s.Float(key)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
