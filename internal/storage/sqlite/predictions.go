package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

const (
	predPrefix  = "pred_"
	labelPrefix = "label_"
	// DTypeFloat64 is the element type of prediction and label datasets.
	DTypeFloat64 = "float64"
)

// PredictionWriter writes the concatenated model outputs of a prediction
// run together with the true labels and event metadata.
type PredictionWriter struct {
	pending   *pendingContainer
	tx        *sql.Tx
	trackStmt *sql.Stmt
	vecStmt   *sql.Stmt
	widths    map[string]int
	rows      int
}

// NewPredictionWriter starts a predictions container at path. widths maps
// every output head to the length of its vector.
func NewPredictionWriter(path string, widths map[string]int) (*PredictionWriter, error) {
	if len(widths) == 0 {
		return nil, errs.Configf("prediction container needs at least one head")
	}
	pending, err := createContainer(path, SchemaPredictions)
	if err != nil {
		return nil, err
	}
	w := &PredictionWriter{pending: pending, widths: make(map[string]int, len(widths))}
	for h, n := range widths {
		w.widths[h] = n
	}
	if w.tx, err = pending.db.Begin(); err != nil {
		pending.abort()
		return nil, errs.IOf("begin transaction on %s: %v", path, err)
	}
	if w.trackStmt, err = w.tx.Prepare(insertTrackSQL); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to prepare track insert: %w", err)
	}
	if w.vecStmt, err = w.tx.Prepare(`INSERT INTO vectors (dataset, event_index, data) VALUES (?, ?, ?)`); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to prepare vector insert: %w", err)
	}
	// Descriptors go first so the vectors foreign key holds.
	for _, h := range sortedKeys(w.widths) {
		shape, _ := json.Marshal([]int{w.widths[h]})
		for _, name := range []string{predPrefix + h, labelPrefix + h} {
			if _, err := w.tx.Exec(`INSERT INTO datasets (name, dtype, shape) VALUES (?, ?, ?)`, name, DTypeFloat64, string(shape)); err != nil {
				w.Abort()
				return nil, errs.IOf("write dataset descriptor to %s: %v", path, err)
			}
		}
	}
	return w, nil
}

// Append adds one event's predictions and labels. Both maps must cover
// every head with vectors of the declared width.
func (w *PredictionWriter) Append(pred, label map[string][]float64, track detector.Track) error {
	for h, n := range w.widths {
		if len(pred[h]) != n || len(label[h]) != n {
			return errs.Consistencyf("head %s: want vectors of length %d, got prediction %d and label %d", h, n, len(pred[h]), len(label[h]))
		}
	}
	if err := insertTrack(w.trackStmt, w.rows, track); err != nil {
		return errs.IOf("write track %d to %s: %v", w.rows, w.pending.target, err)
	}
	for h := range w.widths {
		if _, err := w.vecStmt.Exec(predPrefix+h, w.rows, encodeFloats(pred[h])); err != nil {
			return errs.IOf("write prediction %d to %s: %v", w.rows, w.pending.target, err)
		}
		if _, err := w.vecStmt.Exec(labelPrefix+h, w.rows, encodeFloats(label[h])); err != nil {
			return errs.IOf("write label %d to %s: %v", w.rows, w.pending.target, err)
		}
	}
	w.rows++
	return nil
}

// Len is the number of events appended so far.
func (w *PredictionWriter) Len() int { return w.rows }

// Commit finalises row counts and moves the container into place.
func (w *PredictionWriter) Commit() error {
	if _, err := w.tx.Exec(`UPDATE datasets SET rows = ?`, w.rows); err != nil {
		w.Abort()
		return errs.IOf("update dataset descriptors in %s: %v", w.pending.target, err)
	}
	w.trackStmt.Close()
	w.vecStmt.Close()
	if err := w.tx.Commit(); err != nil {
		w.pending.abort()
		return errs.IOf("commit %s: %v", w.pending.target, err)
	}
	return w.pending.commit()
}

// Abort discards the container.
func (w *PredictionWriter) Abort() {
	if w.tx != nil {
		w.tx.Rollback()
	}
	w.pending.abort()
}

// PredictionReader reads a predictions container.
type PredictionReader struct {
	db     *sql.DB
	path   string
	widths map[string]int
	rows   int
}

// OpenPredictionReader opens a predictions container.
func OpenPredictionReader(path string) (*PredictionReader, error) {
	db, err := openContainer(path, SchemaPredictions)
	if err != nil {
		return nil, err
	}
	r := &PredictionReader{db: db, path: path, widths: make(map[string]int)}
	rows, err := db.Query(`SELECT name, shape, rows FROM datasets WHERE name LIKE ?`, predPrefix+"%")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read dataset descriptors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name, shapeJSON string
			shape           []int
		)
		if err := rows.Scan(&name, &shapeJSON, &r.rows); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to scan dataset descriptor: %w", err)
		}
		if err := json.Unmarshal([]byte(shapeJSON), &shape); err != nil || len(shape) != 1 {
			db.Close()
			return nil, errs.Consistencyf("%s: bad shape descriptor %q for %s", path, shapeJSON, name)
		}
		r.widths[strings.TrimPrefix(name, predPrefix)] = shape[0]
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the database handle.
func (r *PredictionReader) Close() error { return r.db.Close() }

// Len is the number of events stored.
func (r *PredictionReader) Len() int { return r.rows }

// Heads returns the output head names in sorted order.
func (r *PredictionReader) Heads() []string { return sortedKeys(r.widths) }

// Width returns the vector length of head.
func (r *PredictionReader) Width(head string) int { return r.widths[head] }

// Predictions returns the model outputs of head for every event.
func (r *PredictionReader) Predictions(head string) ([][]float64, error) {
	return r.vectors(predPrefix, head)
}

// Labels returns the true labels of head for every event.
func (r *PredictionReader) Labels(head string) ([][]float64, error) {
	return r.vectors(labelPrefix, head)
}

// Tracks returns the event metadata in order.
func (r *PredictionReader) Tracks() ([]detector.Track, error) {
	return readTracks(r.db)
}

func (r *PredictionReader) vectors(prefix, head string) ([][]float64, error) {
	dataset := prefix + head
	if _, ok := r.widths[head]; !ok {
		return nil, errs.Lookupf("%s has no head %q", r.path, head)
	}
	rows, err := r.db.Query(`SELECT data FROM vectors WHERE dataset = ? ORDER BY event_index`, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", dataset, err)
	}
	defer rows.Close()

	out := make([][]float64, 0, r.rows)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dataset, err)
		}
		v, err := decodeFloats(blob)
		if err != nil {
			return nil, errs.Consistencyf("%s: %s: %v", r.path, dataset, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func encodeFloats(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func decodeFloats(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.New("vector blob length is not a multiple of 8")
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
