package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/orcanet/orcanet/internal/detector"
	"github.com/orcanet/orcanet/internal/errs"
)

const insertTrackSQL = `
	INSERT INTO tracks (
		event_index, event_id, particle_type, energy, is_cc, bjorken_y,
		dir_x, dir_y, dir_z, vertex_time, weight_w2, run_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectTrackColumns = `
	event_id, particle_type, energy, is_cc, bjorken_y,
	dir_x, dir_y, dir_z, vertex_time, weight_w2, run_id`

func insertTrack(stmt *sql.Stmt, index int, tr detector.Track) error {
	isCC := 0
	if tr.IsCC {
		isCC = 1
	}
	_, err := stmt.Exec(
		index, tr.EventID, tr.ParticleType, tr.Energy, isCC, tr.BjorkenY,
		tr.Dir.X, tr.Dir.Y, tr.Dir.Z, tr.VertexTime, tr.Weight, tr.RunID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (detector.Track, error) {
	var (
		tr   detector.Track
		isCC int
		dir  r3.Vector
	)
	err := row.Scan(
		&tr.EventID, &tr.ParticleType, &tr.Energy, &isCC, &tr.BjorkenY,
		&dir.X, &dir.Y, &dir.Z, &tr.VertexTime, &tr.Weight, &tr.RunID,
	)
	if err != nil {
		return detector.Track{}, err
	}
	tr.IsCC = isCC != 0
	tr.Dir = dir
	return tr, nil
}

// readTracks returns every track in event_index order.
func readTracks(db *sql.DB) ([]detector.Track, error) {
	rows, err := db.Query(`SELECT` + selectTrackColumns + ` FROM tracks ORDER BY event_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var out []detector.Track
	for rows.Next() {
		tr, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// readTracksAt returns the tracks at the given event indices, in the order
// requested.
func readTracksAt(db *sql.DB, idx []int) ([]detector.Track, error) {
	stmt, err := db.Prepare(`SELECT` + selectTrackColumns + ` FROM tracks WHERE event_index = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare track query: %w", err)
	}
	defer stmt.Close()

	out := make([]detector.Track, len(idx))
	for i, ix := range idx {
		tr, err := scanTrack(stmt.QueryRow(ix))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Lookupf("no track at event index %d", ix)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read track %d: %w", ix, err)
		}
		out[i] = tr
	}
	return out, nil
}
