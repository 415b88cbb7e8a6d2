package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/orcanet/orcanet/internal/errs"
)

// InputFiles lists the histogram files of one named input branch.
type InputFiles struct {
	TrainFiles      []string `json:"train_files"`
	ValidationFiles []string `json:"validation_files,omitempty"`
}

// Manifest is the list file: for every named input branch, the files used
// for training and validation. File index i of every branch belongs to the
// same source events, so all branches must list the same number of files.
type Manifest struct {
	Inputs map[string]InputFiles `json:"inputs"`

	path string
}

// LoadManifest reads a list file. Relative file paths are resolved against
// the directory holding the list file.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{}
	if err := decodeDocument(path, m); err != nil {
		return nil, err
	}
	m.path = filepath.Clean(path)
	base := filepath.Dir(m.path)
	for name, in := range m.Inputs {
		in.TrainFiles = resolveAll(base, in.TrainFiles)
		in.ValidationFiles = resolveAll(base, in.ValidationFiles)
		m.Inputs[name] = in
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid list file: %w", err)
	}
	return m, nil
}

func resolveAll(base string, files []string) []string {
	out := make([]string, len(files))
	for i, f := range files {
		if filepath.IsAbs(f) {
			out[i] = filepath.Clean(f)
		} else {
			out[i] = filepath.Join(base, f)
		}
	}
	return out
}

// Path returns the file the manifest was loaded from, or "" when built in
// memory.
func (m *Manifest) Path() string { return m.path }

// Validate checks that at least one branch exists, that every branch has
// training files and that all branches agree on file counts.
func (m *Manifest) Validate() error {
	if len(m.Inputs) == 0 {
		return errs.Configf("list file names no inputs")
	}
	names := m.InputNames()
	first := m.Inputs[names[0]]
	if len(first.TrainFiles) == 0 {
		return errs.Configf("input %q has no train_files", names[0])
	}
	for _, name := range names[1:] {
		in := m.Inputs[name]
		if len(in.TrainFiles) != len(first.TrainFiles) {
			return errs.Consistencyf("input %q lists %d train files, input %q lists %d",
				name, len(in.TrainFiles), names[0], len(first.TrainFiles))
		}
		if len(in.ValidationFiles) != len(first.ValidationFiles) {
			return errs.Consistencyf("input %q lists %d validation files, input %q lists %d",
				name, len(in.ValidationFiles), names[0], len(first.ValidationFiles))
		}
	}
	return nil
}

// InputNames returns the branch names in sorted order.
func (m *Manifest) InputNames() []string {
	names := make([]string, 0, len(m.Inputs))
	for name := range m.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumTrainFiles is the number of training file indices.
func (m *Manifest) NumTrainFiles() int {
	for _, in := range m.Inputs {
		return len(in.TrainFiles)
	}
	return 0
}

// NumValidationFiles is the number of validation file indices.
func (m *Manifest) NumValidationFiles() int {
	for _, in := range m.Inputs {
		return len(in.ValidationFiles)
	}
	return 0
}

// TrainFile returns, per branch, the training file with 1-based number f.
func (m *Manifest) TrainFile(f int) (map[string]string, error) {
	return m.pick(f, false)
}

// ValidationFile returns, per branch, the validation file with 1-based
// number f.
func (m *Manifest) ValidationFile(f int) (map[string]string, error) {
	return m.pick(f, true)
}

func (m *Manifest) pick(f int, validation bool) (map[string]string, error) {
	n, kind := m.NumTrainFiles(), "train"
	if validation {
		n, kind = m.NumValidationFiles(), "validation"
	}
	if f < 1 || f > n {
		return nil, errs.Lookupf("%s file number %d out of range [1, %d]", kind, f, n)
	}
	out := make(map[string]string, len(m.Inputs))
	for name, in := range m.Inputs {
		if validation {
			out[name] = in.ValidationFiles[f-1]
		} else {
			out[name] = in.TrainFiles[f-1]
		}
	}
	return out, nil
}
