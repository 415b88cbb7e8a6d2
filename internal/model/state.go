package model

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/version"
)

// State is the content of a checkpoint.
type State struct {
	Backend      string
	Spec         Spec
	Params       map[string][]float64
	Optimizer    OptimizerState
	LearningRate float64

	Epoch   int
	File    int
	RunID   string
	Version string
	Saved   time.Time
}

// SaveCheckpoint writes st to path as gob+gzip. The file is replaced
// atomically, so a reader sees either the old or the new checkpoint. A zero
// st.Saved is stamped with the current time.
func SaveCheckpoint(fsys fsutil.FileSystem, path string, st *State) error {
	st.Version = version.String()
	if st.Saved.IsZero() {
		st.Saved = time.Now().UTC()
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(st); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress checkpoint: %w", err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.IOf("create checkpoint directory for %s: %v", path, err)
	}
	if err := fsutil.AtomicWriteFile(fsys, path, buf.Bytes(), 0644); err != nil {
		return errs.IOf("write checkpoint %s: %v", path, err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint. A missing file is a lookup error.
func LoadCheckpoint(fsys fsutil.FileSystem, path string) (*State, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Lookupf("checkpoint %s does not exist", path)
		}
		return nil, errs.IOf("read checkpoint %s: %v", path, err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Consistencyf("checkpoint %s is not gzip compressed: %v", path, err)
	}
	defer gz.Close()

	st := &State{}
	if err := gob.NewDecoder(gz).Decode(st); err != nil {
		return nil, errs.Consistencyf("failed to decode checkpoint %s: %v", path, err)
	}
	return st, nil
}
