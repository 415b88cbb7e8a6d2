package trainlog

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcanet/orcanet/internal/config"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
	"github.com/orcanet/orcanet/internal/testutil"
	"github.com/orcanet/orcanet/internal/timeutil"
)

func memFS(t *testing.T) fsutil.FileSystem {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("/run", 0755))
	return fsys
}

func TestSummaryLayout(t *testing.T) {
	t.Parallel()
	fsys := memFS(t)
	s, err := NewSummaryLogger(fsys, "/run", []string{"loss", "acc"})
	require.NoError(t, err)

	require.NoError(t, s.WriteLine(EpochFloat(1, 1, 3), 0.001, map[string]float64{"loss": 0.693147, "acc": 0.5}, nil))

	data, err := fsys.ReadFile("/run/summary.txt")
	require.NoError(t, err)
	want := "" +
		"Epoch     | LR        | train_loss | val_loss  | train_acc | val_acc\n" +
		"----------+-----------+------------+-----------+-----------+----------\n" +
		"0.333333  | 0.001     | 0.6931     | nan       | 0.5       | nan\n"
	assert.Equal(t, want, string(data))
}

func TestSummaryMergeTrainThenVal(t *testing.T) {
	t.Parallel()
	fsys := memFS(t)
	s, err := NewSummaryLogger(fsys, "/run", []string{"loss"})
	require.NoError(t, err)

	ep := EpochFloat(2, 3, 3)
	require.NoError(t, s.WriteLine(ep, 0.001, map[string]float64{"loss": 0.4}, nil))
	require.NoError(t, s.WriteLine(ep, 0.0005, nil, map[string]float64{"loss": 0.45}))

	l, err := s.Ledger()
	require.NoError(t, err)
	require.Len(t, l.Rows, 1)
	row := l.Rows[0]
	assert.Equal(t, 2.0, row.Epoch)
	assert.Equal(t, 0.0005, row.LR, "LR follows the latest write")
	assert.Equal(t, 0.4, row.Values["train_loss"])
	assert.Equal(t, 0.45, row.Values["val_loss"])

	// Writing the same value again is not a conflict.
	require.NoError(t, s.WriteLine(ep, 0.001, map[string]float64{"loss": 0.4}, nil))
}

func TestSummaryMergeConflict(t *testing.T) {
	t.Parallel()
	fsys := memFS(t)
	s, err := NewSummaryLogger(fsys, "/run", []string{"loss"})
	require.NoError(t, err)

	require.NoError(t, s.WriteLine(1, 0.001, map[string]float64{"loss": 0.4}, nil))
	before, err := fsys.ReadFile("/run/summary.txt")
	require.NoError(t, err)

	err = s.WriteLine(1, 0.001, map[string]float64{"loss": 0.3}, nil)
	assert.ErrorIs(t, err, errs.ErrConsistency)

	after, err := fsys.ReadFile("/run/summary.txt")
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestSummaryColumnMismatch(t *testing.T) {
	t.Parallel()
	fsys := memFS(t)
	_, err := NewSummaryLogger(fsys, "/run", []string{"loss", "acc"})
	require.NoError(t, err)

	_, err = NewSummaryLogger(fsys, "/run", []string{"loss"})
	assert.ErrorIs(t, err, errs.ErrConsistency)

	s, err := NewSummaryLogger(fsys, "/run", []string{"loss", "acc"})
	require.NoError(t, err)
	err = s.WriteLine(1, 0.001, map[string]float64{"mae": 1}, nil)
	assert.ErrorIs(t, err, errs.ErrConsistency)
}

func TestSummaryColumnOrderFromFile(t *testing.T) {
	t.Parallel()
	fsys := memFS(t)
	first, err := NewSummaryLogger(fsys, "/run", []string{"loss", "acc"})
	require.NoError(t, err)
	require.NoError(t, first.WriteLine(1, 0.001, map[string]float64{"loss": 0.5, "acc": 0.7}, nil))

	// Same metrics reported in another order keep the file's layout.
	second, err := NewSummaryLogger(fsys, "/run", []string{"acc", "loss"})
	require.NoError(t, err)
	require.NoError(t, second.WriteLine(1, 0.001, nil, map[string]float64{"loss": 0.6, "acc": 0.65}))

	l, err := second.Ledger()
	require.NoError(t, err)
	assert.Equal(t, []string{"Epoch", "LR", "train_loss", "val_loss", "train_acc", "val_acc"}, l.Columns)
	require.Len(t, l.Rows, 1)
	assert.Equal(t, 0.5, l.Rows[0].Values["train_loss"])
	assert.Equal(t, 0.65, l.Rows[0].Values["val_acc"])
}

func TestReadLedgerMalformed(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"bad header": "Step | LR\n",
		"short row":  "Epoch | LR | train_loss | val_loss\n---\n1 | 0.001 | 0.5\n",
		"bad number": "Epoch | LR | train_loss | val_loss\n1 | 0.001 | oops | nan\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fsys := memFS(t)
			require.NoError(t, fsys.WriteFile("/run/summary.txt", []byte(content), 0644))
			_, err := ReadLedger(fsys, "/run/summary.txt")
			assert.ErrorIs(t, err, errs.ErrConsistency)
		})
	}
}

func TestReadLedgerMissingFile(t *testing.T) {
	t.Parallel()
	l, err := ReadLedger(memFS(t), "/run/summary.txt")
	require.NoError(t, err)
	_, ok := l.Latest()
	assert.False(t, ok)
}

func TestLedgerSeriesAndMetrics(t *testing.T) {
	t.Parallel()
	fsys := memFS(t)
	s, err := NewSummaryLogger(fsys, "/run", []string{"loss", "acc"})
	require.NoError(t, err)
	for f := 1; f <= 2; f++ {
		require.NoError(t, s.WriteLine(EpochFloat(1, f, 2), 0.001, map[string]float64{"loss": float64(f), "acc": 0.5}, nil))
	}
	l, err := s.Ledger()
	require.NoError(t, err)
	assert.Equal(t, []string{"loss", "acc"}, l.Metrics())

	epochs, values := l.Series("train_loss")
	assert.Equal(t, []float64{0.5, 1}, epochs)
	assert.Equal(t, []float64{1, 2}, values)
	_, val := l.Series("val_loss")
	assert.True(t, math.IsNaN(val[0]))
}

func TestEpochFile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		epoch, file, n int
	}{
		{1, 1, 1}, {1, 1, 3}, {2, 3, 3}, {3, 1, 3}, {7, 12, 13},
	}
	for _, tt := range tests {
		x := EpochFloat(tt.epoch, tt.file, tt.n)
		e, f := EpochFile(x, tt.n)
		assert.Equal(t, [2]int{tt.epoch, tt.file}, [2]int{e, f}, "x=%g", x)
	}
}

func TestBatchLogger(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	win := BatchWindow{Epoch: 2, File: 2, PrevBatches: 10, TotalBatches: 20}
	l, err := NewBatchLogger(dir, win, []string{"loss", "acc"}, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "train_log", "log_epoch_2_file_2.txt"), l.Path())

	for i := 1; i <= 10; i++ {
		require.NoError(t, l.Add([]float64{float64(i), 1}))
	}
	assert.ErrorIs(t, l.Add([]float64{1}), errs.ErrConsistency)
	require.NoError(t, l.Close())

	lines := strings.Split(strings.TrimSpace(testutil.ReadFile(t, l.Path())), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Batch\tBatch_float\tloss\tacc", lines[0])
	// Window 1 covers batches 1..4: midpoint 10+4-2 = 12 of 20.
	assert.Equal(t, "4\t1.6\t2.5\t1", lines[1])
	assert.Equal(t, "8\t1.8\t6.5\t1", lines[2])
	// The trailing window holds batches 9 and 10: midpoint 10+10-1 = 19.
	assert.Equal(t, "10\t1.95\t9.5\t1", lines[3])
}

func TestBatchLoggerBadDisplay(t *testing.T) {
	t.Parallel()
	_, err := NewBatchLogger(t.TempDir(), BatchWindow{Epoch: 1, File: 1, TotalBatches: 1}, []string{"loss"}, 0, -1)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestRunLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "list.json", `{"inputs": {"xyz": {"train_files": ["a.h5db"], "validation_files": ["b.h5db"]}}}`)
	m, err := config.LoadManifest(filepath.Join(dir, "list.json"))
	require.NoError(t, err)
	cfg := config.EmptyRunConfig()
	bs := 32
	cfg.BatchSize = &bs

	r := NewRunLog(fsutil.OSFileSystem{}, dir)
	r.SetClock(timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, r.TrainingStart("run-1", "v0.1.0", m, cfg))
	require.NoError(t, r.EpochStart(1, 1, map[string]string{"xyz": "a.h5db"}, 0.001))
	require.NoError(t, r.ValidationStart(1, 1, 1))
	require.NoError(t, r.Result("Validation", []string{"loss"}, map[string]float64{"loss": 0.25}))

	text := testutil.ReadFile(t, r.Path())
	assert.Contains(t, text, "2024-05-01 12:00:00  Training run run-1 (version v0.1.0)")
	assert.Contains(t, text, "  train "+filepath.Join(dir, "a.h5db"))
	assert.Contains(t, text, "  batchsize = 32")
	assert.NotContains(t, text, "optimizer =")
	assert.Contains(t, text, "Training epoch 1 file 1, learning rate 0.001")
	assert.Contains(t, text, "    loss: 0.25")

	_, err = os.Stat(filepath.Join(dir, RunLogFile))
	require.NoError(t, err)
}
