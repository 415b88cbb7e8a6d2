package trainlog

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/fsutil"
)

// SummaryFile is the ledger's name inside a training folder.
const SummaryFile = "summary.txt"

// Summary table layout.
const (
	minCellWidth   = 9
	cellSep        = " | "
	separatorJoint = "-+-"
	epochFormat    = "%.6g"
	valueFormat    = "%.4g"
	missing        = "nan"
)

// Columns returns the ledger header for metrics: Epoch, LR, then
// train_<m> and val_<m> for every metric.
func Columns(metrics []string) []string {
	cols := []string{"Epoch", "LR"}
	for _, m := range metrics {
		cols = append(cols, "train_"+m, "val_"+m)
	}
	return cols
}

// Row is one ledger line. Values holds every metric column by name; a
// missing value is NaN.
type Row struct {
	Epoch  float64
	LR     float64
	Values map[string]float64
}

// Ledger is the parsed content of a summary file.
type Ledger struct {
	Columns []string
	Rows    []Row
}

// Metrics returns the metric names of the ledger's columns.
func (l *Ledger) Metrics() []string {
	var out []string
	for _, c := range l.Columns[2:] {
		if m, ok := strings.CutPrefix(c, "train_"); ok {
			out = append(out, m)
		}
	}
	return out
}

// Latest returns the last row, false when the ledger is empty.
func (l *Ledger) Latest() (Row, bool) {
	if l == nil || len(l.Rows) == 0 {
		return Row{}, false
	}
	return l.Rows[len(l.Rows)-1], true
}

// Series returns the column values of every row in order.
func (l *Ledger) Series(column string) (epochs, values []float64) {
	for _, r := range l.Rows {
		epochs = append(epochs, r.Epoch)
		values = append(values, r.Values[column])
	}
	return epochs, values
}

// EpochFloat maps (epoch, file) to the ledger's epoch column, e−1+f/n.
func EpochFloat(epoch, file, nFiles int) float64 {
	return float64(epoch-1) + float64(file)/float64(nFiles)
}

// EpochFile inverts EpochFloat for a manifest with nFiles training files.
func EpochFile(x float64, nFiles int) (epoch, file int) {
	done := int(math.Round(x * float64(nFiles)))
	if done < 1 {
		return 1, 0
	}
	return (done-1)/nFiles + 1, (done-1)%nFiles + 1
}

// ReadLedger parses a summary file. A missing file yields an empty
// ledger with no columns; a malformed row is a consistency error.
func ReadLedger(fsys fsutil.FileSystem, path string) (*Ledger, error) {
	data, err := fsys.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Ledger{}, nil
	}
	if err != nil {
		return nil, errs.IOf("read %s: %v", path, err)
	}
	return parseLedger(path, string(data))
}

func parseLedger(path, text string) (*Ledger, error) {
	l := &Ledger{}
	for n, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "-") {
			continue
		}
		cells := splitCells(line)
		if l.Columns == nil {
			if len(cells) < 2 || cells[0] != "Epoch" || cells[1] != "LR" {
				return nil, errs.Consistencyf("%s: header must start with Epoch | LR, got %q", path, line)
			}
			l.Columns = cells
			continue
		}
		if len(cells) != len(l.Columns) {
			return nil, errs.Consistencyf("%s:%d: row has %d cells, header has %d", path, n+1, len(cells), len(l.Columns))
		}
		nums := make([]float64, len(cells))
		for i, c := range cells {
			v, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return nil, errs.Consistencyf("%s:%d: column %s: %q is not a number", path, n+1, l.Columns[i], c)
			}
			nums[i] = v
		}
		row := Row{Epoch: nums[0], LR: nums[1], Values: make(map[string]float64, len(cells)-2)}
		for i, c := range l.Columns[2:] {
			row.Values[c] = nums[i+2]
		}
		l.Rows = append(l.Rows, row)
	}
	return l, nil
}

func splitCells(line string) []string {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// SummaryLogger merges rows into the ledger of one training folder.
type SummaryLogger struct {
	fsys    fsutil.FileSystem
	path    string
	columns []string
}

// NewSummaryLogger opens the ledger at dir/summary.txt for the given
// metrics. An existing ledger must have the same set of columns; its
// column order is kept.
func NewSummaryLogger(fsys fsutil.FileSystem, dir string, metrics []string) (*SummaryLogger, error) {
	s := &SummaryLogger{fsys: fsys, path: filepath.Join(dir, SummaryFile), columns: Columns(metrics)}
	l, err := ReadLedger(fsys, s.path)
	if err != nil {
		return nil, err
	}
	if l.Columns == nil {
		return s, s.write(&Ledger{Columns: s.columns})
	}
	if !sameColumns(l.Columns, s.columns) {
		return nil, errs.Consistencyf("%s has columns %v but the model reports %v", s.path, l.Columns, s.columns)
	}
	s.columns = l.Columns
	return s, nil
}

// Path returns the ledger path.
func (s *SummaryLogger) Path() string { return s.path }

// Ledger reads the current ledger.
func (s *SummaryLogger) Ledger() (*Ledger, error) { return ReadLedger(s.fsys, s.path) }

// WriteLine records train and val values for one epoch float. Metrics
// absent from a map are written as nan. A row with the same epoch is
// merged field by field and takes the LR of the new write unless that is
// nan. Two different
// recorded values for one field are a consistency error and leave the
// file unchanged.
func (s *SummaryLogger) WriteLine(epoch, lr float64, train, val map[string]float64) error {
	l, err := s.Ledger()
	if err != nil {
		return err
	}
	if !sameColumns(l.Columns, s.columns) {
		return errs.Consistencyf("%s has columns %v but the model reports %v", s.path, l.Columns, s.columns)
	}

	row := Row{Epoch: epoch, LR: lr, Values: make(map[string]float64, len(s.columns)-2)}
	for _, c := range s.columns[2:] {
		row.Values[c] = math.NaN()
	}
	for m, v := range train {
		if _, ok := row.Values["train_"+m]; !ok {
			return errs.Consistencyf("metric %q is not a column of %s", m, s.path)
		}
		row.Values["train_"+m] = v
	}
	for m, v := range val {
		if _, ok := row.Values["val_"+m]; !ok {
			return errs.Consistencyf("metric %q is not a column of %s", m, s.path)
		}
		row.Values["val_"+m] = v
	}

	key := fmt.Sprintf(epochFormat, epoch)
	merged := false
	for i, old := range l.Rows {
		if fmt.Sprintf(epochFormat, old.Epoch) != key {
			continue
		}
		if err := mergeRow(&l.Rows[i], row); err != nil {
			return fmt.Errorf("%s epoch %s: %w", s.path, key, err)
		}
		merged = true
		break
	}
	if !merged {
		l.Rows = append(l.Rows, row)
	}
	return s.write(l)
}

// sameColumns reports whether a and b hold Epoch and LR first and the same
// metric columns in any order.
func sameColumns(a, b []string) bool {
	if len(a) != len(b) || len(a) < 2 || !slices.Equal(a[:2], b[:2]) {
		return false
	}
	x, y := slices.Clone(a[2:]), slices.Clone(b[2:])
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// mergeRow merges src into dst. LR is never a conflict.
func mergeRow(dst *Row, src Row) error {
	if !math.IsNaN(src.LR) {
		dst.LR = src.LR
	}
	for c, v := range src.Values {
		old := dst.Values[c]
		switch {
		case math.IsNaN(v):
		case math.IsNaN(old):
			dst.Values[c] = v
		case formatValue(old) != formatValue(v):
			return errs.Consistencyf("column %s already holds %s, refusing to overwrite with %s", c, formatValue(old), formatValue(v))
		}
	}
	return nil
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return missing
	}
	return fmt.Sprintf(valueFormat, v)
}

func (s *SummaryLogger) write(l *Ledger) error {
	if err := s.fsys.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errs.IOf("create %s: %v", filepath.Dir(s.path), err)
	}
	if err := fsutil.AtomicWriteFile(s.fsys, s.path, []byte(renderLedger(l)), 0644); err != nil {
		return errs.IOf("write %s: %v", s.path, err)
	}
	return nil
}

func renderLedger(l *Ledger) string {
	widths := make([]int, len(l.Columns))
	dashes := make([]string, len(l.Columns))
	for i, c := range l.Columns {
		widths[i] = max(minCellWidth, len(c))
		dashes[i] = strings.Repeat("-", widths[i])
	}

	var sb strings.Builder
	line := func(cells []string) {
		padded := make([]string, len(cells))
		for i, c := range cells {
			padded[i] = fmt.Sprintf("%-*s", widths[i], c)
		}
		sb.WriteString(strings.TrimRight(strings.Join(padded, cellSep), " "))
		sb.WriteByte('\n')
	}
	line(l.Columns)
	sb.WriteString(strings.Join(dashes, separatorJoint))
	sb.WriteByte('\n')
	for _, r := range l.Rows {
		cells := []string{fmt.Sprintf(epochFormat, r.Epoch), formatValue(r.LR)}
		for _, c := range l.Columns[2:] {
			cells = append(cells, formatValue(r.Values[c]))
		}
		line(cells)
	}
	return sb.String()
}
