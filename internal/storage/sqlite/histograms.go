package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
	"github.com/orcanet/orcanet/internal/histogram"
)

// TracksDataset is the name of the per-event metadata dataset.
const TracksDataset = "tracks"

// DTypeUint8 is the element type of every histogram dataset.
const DTypeUint8 = "uint8"

// ContainerExt is the file extension of histogram containers.
const ContainerExt = ".h5db"

// ContainerPath returns <outDir>/<proj>/<stem>_<proj>.h5db.
func ContainerPath(outDir, stem string, proj histogram.Projection) string {
	return filepath.Join(outDir, string(proj), stem+"_"+string(proj)+ContainerExt)
}

// HistogramWriter writes one projection of one source file. Rows are added
// inside a single transaction and the container only appears at its final
// path on Commit.
type HistogramWriter struct {
	pending   *pendingContainer
	tx        *sql.Tx
	trackStmt *sql.Stmt
	histStmt  *sql.Stmt
	dataset   string
	shape     []int
	rows      int
}

// NewHistogramWriter starts a container at path holding dataset with the
// given fixed shape. An unwritable path is an IO error.
func NewHistogramWriter(path, dataset string, shape []int) (*HistogramWriter, error) {
	if dataset == "" || dataset == TracksDataset {
		return nil, errs.Configf("invalid histogram dataset name %q", dataset)
	}
	pending, err := createContainer(path, SchemaHistograms)
	if err != nil {
		return nil, err
	}
	w := &HistogramWriter{pending: pending, dataset: dataset, shape: append([]int(nil), shape...)}
	if err := w.begin(); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *HistogramWriter) begin() error {
	tx, err := w.pending.db.Begin()
	if err != nil {
		return errs.IOf("begin transaction on %s: %v", w.pending.target, err)
	}
	w.tx = tx
	if w.trackStmt, err = tx.Prepare(insertTrackSQL); err != nil {
		return fmt.Errorf("failed to prepare track insert: %w", err)
	}
	if w.histStmt, err = tx.Prepare(`INSERT INTO histograms (event_index, data) VALUES (?, ?)`); err != nil {
		return fmt.Errorf("failed to prepare histogram insert: %w", err)
	}
	return nil
}

// Append adds one event. The histogram must have the writer's shape.
func (w *HistogramWriter) Append(h *histogram.Histogram, track detector.Track) error {
	if !slices.Equal(h.Shape, w.shape) {
		return errs.Consistencyf("histogram shape %v does not match dataset %s shape %v", h.Shape, w.dataset, w.shape)
	}
	if err := insertTrack(w.trackStmt, w.rows, track); err != nil {
		return errs.IOf("write track %d to %s: %v", w.rows, w.pending.target, err)
	}
	if _, err := w.histStmt.Exec(w.rows, h.Data); err != nil {
		return errs.IOf("write histogram %d to %s: %v", w.rows, w.pending.target, err)
	}
	w.rows++
	return nil
}

// Len is the number of events appended so far.
func (w *HistogramWriter) Len() int { return w.rows }

// Commit records the dataset descriptors and moves the container to its
// final path, replacing any file already there.
func (w *HistogramWriter) Commit() error {
	shapeJSON, err := json.Marshal(w.shape)
	if err != nil {
		w.Abort()
		return fmt.Errorf("failed to encode shape: %w", err)
	}
	_, err = w.tx.Exec(`INSERT INTO datasets (name, dtype, shape, rows) VALUES (?, ?, ?, ?), (?, ?, ?, ?)`,
		TracksDataset, "track", "[]", w.rows,
		w.dataset, DTypeUint8, string(shapeJSON), w.rows,
	)
	if err != nil {
		w.Abort()
		return errs.IOf("write dataset descriptors to %s: %v", w.pending.target, err)
	}
	w.trackStmt.Close()
	w.histStmt.Close()
	if err := w.tx.Commit(); err != nil {
		w.pending.abort()
		return errs.IOf("commit %s: %v", w.pending.target, err)
	}
	return w.pending.commit()
}

// Abort discards everything written so far.
func (w *HistogramWriter) Abort() {
	if w.tx != nil {
		w.tx.Rollback()
	}
	w.pending.abort()
}

// HistogramReader reads a histogram container.
type HistogramReader struct {
	db      *sql.DB
	path    string
	dataset string
	dtype   string
	shape   []int
	rows    int
}

// OpenHistogramReader opens the container at path. A missing file is a
// lookup error; a file with another schema is a consistency error.
func OpenHistogramReader(path string) (*HistogramReader, error) {
	db, err := openContainer(path, SchemaHistograms)
	if err != nil {
		return nil, err
	}
	r := &HistogramReader{db: db, path: path}
	var shapeJSON string
	err = db.QueryRow(`SELECT name, dtype, shape, rows FROM datasets WHERE name != ?`, TracksDataset).
		Scan(&r.dataset, &r.dtype, &shapeJSON, &r.rows)
	if err != nil {
		db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Consistencyf("%s has no histogram dataset", path)
		}
		return nil, fmt.Errorf("failed to read dataset descriptor: %w", err)
	}
	if err := json.Unmarshal([]byte(shapeJSON), &r.shape); err != nil {
		db.Close()
		return nil, errs.Consistencyf("%s: bad shape descriptor %q", path, shapeJSON)
	}
	return r, nil
}

// Close releases the database handle.
func (r *HistogramReader) Close() error { return r.db.Close() }

// Path returns the container path.
func (r *HistogramReader) Path() string { return r.path }

// Len is the number of events stored.
func (r *HistogramReader) Len() int { return r.rows }

// Dataset is the projection name of the histogram dataset.
func (r *HistogramReader) Dataset() string { return r.dataset }

// DType is the element type of the histogram dataset.
func (r *HistogramReader) DType() string { return r.dtype }

// Shape is the per-event histogram shape.
func (r *HistogramReader) Shape() []int { return append([]int(nil), r.shape...) }

// Tracks returns the metadata of every event in order.
func (r *HistogramReader) Tracks() ([]detector.Track, error) {
	return readTracks(r.db)
}

// TracksAt returns the metadata of the given events.
func (r *HistogramReader) TracksAt(idx []int) ([]detector.Track, error) {
	return readTracksAt(r.db, idx)
}

// ReadRange returns the histograms of events [lo, hi).
func (r *HistogramReader) ReadRange(lo, hi int) ([]*histogram.Histogram, error) {
	if lo < 0 || hi > r.rows || lo > hi {
		return nil, errs.Lookupf("range [%d, %d) outside %s with %d events", lo, hi, r.path, r.rows)
	}
	rows, err := r.db.Query(`SELECT data FROM histograms WHERE event_index >= ? AND event_index < ? ORDER BY event_index`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query histograms: %w", err)
	}
	defer rows.Close()

	out := make([]*histogram.Histogram, 0, hi-lo)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan histogram: %w", err)
		}
		h, err := r.wrap(data)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != hi-lo {
		return nil, errs.Consistencyf("%s: expected %d histograms in [%d, %d), found %d", r.path, hi-lo, lo, hi, len(out))
	}
	return out, nil
}

// ReadIndices returns the histograms at the given event indices, in the
// order requested.
func (r *HistogramReader) ReadIndices(idx []int) ([]*histogram.Histogram, error) {
	stmt, err := r.db.Prepare(`SELECT data FROM histograms WHERE event_index = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare histogram query: %w", err)
	}
	defer stmt.Close()

	out := make([]*histogram.Histogram, len(idx))
	for i, ix := range idx {
		var data []byte
		err := stmt.QueryRow(ix).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Lookupf("%s has no event %d", r.path, ix)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read histogram %d: %w", ix, err)
		}
		if out[i], err = r.wrap(data); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *HistogramReader) wrap(data []byte) (*histogram.Histogram, error) {
	if len(data) != histogram.Size(r.shape) {
		return nil, errs.Consistencyf("%s: histogram blob has %d cells, shape %v needs %d",
			r.path, len(data), r.shape, histogram.Size(r.shape))
	}
	return &histogram.Histogram{Shape: append([]int(nil), r.shape...), Data: data}, nil
}

// String describes the container for log lines.
func (r *HistogramReader) String() string {
	dims := make([]string, len(r.shape))
	for i, d := range r.shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s %s (%s)]", filepath.Base(r.path), r.dataset, r.dtype, strings.Join(dims, "x"))
}
