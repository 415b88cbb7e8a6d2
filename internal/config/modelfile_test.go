package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/testutil"
)

const vggModelFile = `{
  "model": {
    "nn_arch": "VGG",
    "hyperparameters": {"dropout": 0.1, "n_filters": [64, 64, 64, 64, 128, 128, 128, 128]},
    "class_type": "track-shower",
    "str_ident": "xyz-t",
    "compile_opt": {
      "ts_output": {"function": "categorical_crossentropy", "metrics": ["acc"]},
    },
  },
  "orca_modifiers": {"label_modifier": "ts_classifier"},
}`

func TestLoadModelFile(t *testing.T) {
	t.Parallel()
	path := testutil.WriteFile(t, t.TempDir(), "model.hujson", vggModelFile)

	mf, err := LoadModelFile(path)
	require.NoError(t, err)
	assert.Equal(t, "VGG", mf.Model.NNArch)
	assert.Equal(t, []string{"ts_output"}, mf.Heads())
	assert.Equal(t, 1.0, mf.Model.CompileOpt["ts_output"].GetWeight())
	assert.Equal(t, []string{"acc"}, mf.Model.CompileOpt["ts_output"].Metrics)

	dropout, ok := mf.Model.Float("dropout")
	require.True(t, ok)
	assert.Equal(t, 0.1, dropout)
	filters, ok := mf.Model.Ints("n_filters")
	require.True(t, ok)
	assert.Len(t, filters, 8)
	_, ok = mf.Model.Int("dropout")
	assert.False(t, ok)

	cfg := EmptyRunConfig()
	require.NoError(t, mf.ApplyModifiers(cfg))
	assert.Equal(t, "ts_classifier", cfg.GetLabelModifier())
}

func TestModelFileValidate(t *testing.T) {
	t.Parallel()
	neg := -1.0
	tests := []struct {
		name string
		mf   ModelFile
	}{
		{"missing arch", ModelFile{Model: ModelSection{CompileOpt: map[string]HeadOptions{"a": {Function: "mse"}}}}},
		{"no heads", ModelFile{Model: ModelSection{NNArch: "VGG"}}},
		{"missing function", ModelFile{Model: ModelSection{NNArch: "VGG", CompileOpt: map[string]HeadOptions{"a": {}}}}},
		{"negative weight", ModelFile{Model: ModelSection{NNArch: "VGG", CompileOpt: map[string]HeadOptions{"a": {Function: "mse", Weight: &neg}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.mf.Validate(), errs.ErrConfiguration)
		})
	}
}

func TestApplyModifiersConflict(t *testing.T) {
	t.Parallel()
	cfg := EmptyRunConfig()
	require.NoError(t, cfg.SetLabelModifier("bg_classifier"))

	mf := &ModelFile{Modifiers: ModifierSection{LabelModifier: "ts_classifier"}}
	assert.ErrorIs(t, mf.ApplyModifiers(cfg), errs.ErrConfiguration)
}
