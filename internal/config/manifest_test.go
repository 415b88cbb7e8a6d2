package config

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/testutil"
)

func TestLoadManifest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "list.json", `{
  "inputs": {
    "xyzt": {
      "train_files": ["data/a_xyzt.h5db", "/abs/b_xyzt.h5db"],
      "validation_files": ["data/v_xyzt.h5db"],
    },
    "xyzc": {
      "train_files": ["data/a_xyzc.h5db", "data/b_xyzc.h5db"],
      "validation_files": ["data/v_xyzc.h5db"],
    },
  },
}`)

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, path, m.Path())
	assert.Equal(t, []string{"xyzc", "xyzt"}, m.InputNames())
	assert.Equal(t, 2, m.NumTrainFiles())
	assert.Equal(t, 1, m.NumValidationFiles())

	got, err := m.TrainFile(2)
	require.NoError(t, err)
	want := map[string]string{
		"xyzt": "/abs/b_xyzt.h5db",
		"xyzc": filepath.Join(dir, "data", "b_xyzc.h5db"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TrainFile(2) mismatch (-want +got):\n%s", diff)
	}

	val, err := m.ValidationFile(1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "v_xyzt.h5db"), val["xyzt"])

	_, err = m.TrainFile(3)
	assert.ErrorIs(t, err, errs.ErrLookup)
	_, err = m.ValidationFile(0)
	assert.ErrorIs(t, err, errs.ErrLookup)
}

func TestManifestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		m    Manifest
		kind error
	}{
		{"no inputs", Manifest{}, errs.ErrConfiguration},
		{"no train files", Manifest{Inputs: map[string]InputFiles{"a": {}}}, errs.ErrConfiguration},
		{
			"train count mismatch",
			Manifest{Inputs: map[string]InputFiles{
				"a": {TrainFiles: []string{"1", "2"}},
				"b": {TrainFiles: []string{"1"}},
			}},
			errs.ErrConsistency,
		},
		{
			"validation count mismatch",
			Manifest{Inputs: map[string]InputFiles{
				"a": {TrainFiles: []string{"1"}, ValidationFiles: []string{"v"}},
				"b": {TrainFiles: []string{"1"}},
			}},
			errs.ErrConsistency,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.m.Validate(), tt.kind)
		})
	}
}
