package trainlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/orcanet/orcanet/internal/errs"
)

// TrainLogDir holds the batch logs inside a training folder.
const TrainLogDir = "train_log"

// BatchLogPath returns dir/train_log/log_epoch_E_file_F.txt.
func BatchLogPath(dir string, epoch, file int) string {
	return filepath.Join(dir, TrainLogDir, fmt.Sprintf("log_epoch_%d_file_%d.txt", epoch, file))
}

// BatchWindow places one training file within its epoch for the
// Batch_float column.
type BatchWindow struct {
	Epoch        int
	File         int
	PrevBatches  int // batches in the earlier files of this epoch
	TotalBatches int // batches in the whole epoch
}

// BatchLogger averages batch metrics over windows of display batches and
// writes one tab-separated row per window.
type BatchLogger struct {
	f       *os.File
	w       *bufio.Writer
	win     BatchWindow
	display int
	flush   int

	sums  []float64
	count int
	seen  int
	rows  int
}

// NewBatchLogger creates the batch log of one training file. flush is the
// number of rows between fsyncs; -1 disables syncing until Close.
func NewBatchLogger(dir string, win BatchWindow, metrics []string, display, flush int) (*BatchLogger, error) {
	if display < 1 {
		return nil, errs.Configf("train_logger_display must be positive, got %d", display)
	}
	path := BatchLogPath(dir, win.Epoch, win.File)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.IOf("create %s: %v", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.IOf("create batch log: %v", err)
	}
	l := &BatchLogger{
		f:       f,
		w:       bufio.NewWriter(f),
		win:     win,
		display: display,
		flush:   flush,
		sums:    make([]float64, len(metrics)),
	}
	fmt.Fprintf(l.w, "Batch\tBatch_float\t%s\n", strings.Join(metrics, "\t"))
	return l, nil
}

// Path returns the log file path.
func (l *BatchLogger) Path() string { return l.f.Name() }

// Add records the metrics of one batch.
func (l *BatchLogger) Add(values []float64) error {
	if len(values) != len(l.sums) {
		return errs.Consistencyf("batch log expects %d metrics, got %d", len(l.sums), len(values))
	}
	for i, v := range values {
		l.sums[i] += v
	}
	l.count++
	l.seen++
	if l.count == l.display {
		return l.writeWindow()
	}
	return nil
}

// writeWindow writes the average of the current window. The row is placed
// at the window's midpoint.
func (l *BatchLogger) writeWindow() error {
	mid := float64(l.win.PrevBatches+l.seen) - float64(l.count)/2
	batchFloat := float64(l.win.Epoch-1) + mid/float64(max(l.win.TotalBatches, 1))

	cells := make([]string, 0, len(l.sums)+2)
	cells = append(cells, fmt.Sprint(l.seen), fmt.Sprintf(epochFormat, batchFloat))
	for i := range l.sums {
		cells = append(cells, fmt.Sprintf(valueFormat, l.sums[i]/float64(l.count)))
		l.sums[i] = 0
	}
	l.count = 0
	if _, err := l.w.WriteString(strings.Join(cells, "\t") + "\n"); err != nil {
		return errs.IOf("write %s: %v", l.f.Name(), err)
	}
	l.rows++
	if l.flush > 0 && l.rows%l.flush == 0 {
		return l.sync()
	}
	return nil
}

func (l *BatchLogger) sync() error {
	if err := l.w.Flush(); err != nil {
		return errs.IOf("flush %s: %v", l.f.Name(), err)
	}
	if err := l.f.Sync(); err != nil {
		return errs.IOf("sync %s: %v", l.f.Name(), err)
	}
	return nil
}

// Close writes a trailing partial window and closes the file.
func (l *BatchLogger) Close() error {
	var err error
	if l.count > 0 {
		err = l.writeWindow()
	}
	if ferr := l.sync(); err == nil {
		err = ferr
	}
	if cerr := l.f.Close(); err == nil && cerr != nil {
		err = errs.IOf("close %s: %v", l.f.Name(), cerr)
	}
	return err
}
