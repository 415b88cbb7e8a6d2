package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

// EventWriter writes a raw event file: one tracks row per event plus its
// hit collections.
type EventWriter struct {
	pending   *pendingContainer
	tx        *sql.Tx
	trackStmt *sql.Stmt
	hitStmt   *sql.Stmt
	rows      int
}

// NewEventWriter starts an event file at path.
func NewEventWriter(path string) (*EventWriter, error) {
	pending, err := createContainer(path, SchemaEvents)
	if err != nil {
		return nil, err
	}
	w := &EventWriter{pending: pending}
	if w.tx, err = pending.db.Begin(); err != nil {
		pending.abort()
		return nil, errs.IOf("begin transaction on %s: %v", path, err)
	}
	if w.trackStmt, err = w.tx.Prepare(insertTrackSQL); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to prepare track insert: %w", err)
	}
	w.hitStmt, err = w.tx.Prepare(`
		INSERT INTO hits (event_index, mc, seq, module_id, x, y, z, t, tot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to prepare hit insert: %w", err)
	}
	return w, nil
}

// Append adds one event.
func (w *EventWriter) Append(ev detector.Event) error {
	track := ev.Track
	track.EventID = ev.EventID
	if err := insertTrack(w.trackStmt, w.rows, track); err != nil {
		return errs.IOf("write event %d to %s: %v", ev.EventID, w.pending.target, err)
	}
	for mc, hits := range [][]detector.Hit{ev.Hits, ev.MCHits} {
		for seq, h := range hits {
			_, err := w.hitStmt.Exec(w.rows, mc, seq, h.ModuleID, h.Pos.X, h.Pos.Y, h.Pos.Z, h.Time, h.ToT)
			if err != nil {
				return errs.IOf("write hit %d of event %d to %s: %v", seq, ev.EventID, w.pending.target, err)
			}
		}
	}
	w.rows++
	return nil
}

// Len is the number of events appended so far.
func (w *EventWriter) Len() int { return w.rows }

// Commit moves the event file to its final path.
func (w *EventWriter) Commit() error {
	w.trackStmt.Close()
	w.hitStmt.Close()
	if err := w.tx.Commit(); err != nil {
		w.pending.abort()
		return errs.IOf("commit %s: %v", w.pending.target, err)
	}
	return w.pending.commit()
}

// Abort discards the file.
func (w *EventWriter) Abort() {
	if w.tx != nil {
		w.tx.Rollback()
	}
	w.pending.abort()
}

// EventReader streams events from a raw event file.
type EventReader struct {
	db   *sql.DB
	path string
	rows int
}

// OpenEventReader opens an event file.
func OpenEventReader(path string) (*EventReader, error) {
	db, err := openContainer(path, SchemaEvents)
	if err != nil {
		return nil, err
	}
	r := &EventReader{db: db, path: path}
	if err := db.QueryRow(`SELECT COUNT(*) FROM tracks`).Scan(&r.rows); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count events in %s: %w", path, err)
	}
	return r, nil
}

// Close releases the database handle.
func (r *EventReader) Close() error { return r.db.Close() }

// Len is the number of events in the file.
func (r *EventReader) Len() int { return r.rows }

// Each calls fn for every event in file order, stopping early when fn
// fails or ctx is cancelled.
func (r *EventReader) Each(ctx context.Context, fn func(index int, ev detector.Event) error) error {
	for i := 0; i < r.rows; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := r.read(ctx, i)
		if err != nil {
			return err
		}
		if err := fn(i, ev); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll loads every event.
func (r *EventReader) ReadAll(ctx context.Context) ([]detector.Event, error) {
	out := make([]detector.Event, 0, r.rows)
	err := r.Each(ctx, func(_ int, ev detector.Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

func (r *EventReader) read(ctx context.Context, index int) (detector.Event, error) {
	track, err := scanTrack(r.db.QueryRowContext(ctx, `SELECT`+selectTrackColumns+` FROM tracks WHERE event_index = ?`, index))
	if err != nil {
		return detector.Event{}, fmt.Errorf("failed to read event %d of %s: %w", index, r.path, err)
	}
	ev := detector.Event{EventID: track.EventID, Track: track}

	rows, err := r.db.QueryContext(ctx, `
		SELECT mc, module_id, x, y, z, t, tot FROM hits
		WHERE event_index = ? ORDER BY mc, seq`, index)
	if err != nil {
		return detector.Event{}, fmt.Errorf("failed to query hits of event %d: %w", index, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			mc  int
			h   detector.Hit
			pos r3.Vector
		)
		if err := rows.Scan(&mc, &h.ModuleID, &pos.X, &pos.Y, &pos.Z, &h.Time, &h.ToT); err != nil {
			return detector.Event{}, fmt.Errorf("failed to scan hit: %w", err)
		}
		h.Pos = pos
		if mc != 0 {
			ev.MCHits = append(ev.MCHits, h)
		} else {
			ev.Hits = append(ev.Hits, h)
		}
	}
	return ev, rows.Err()
}
