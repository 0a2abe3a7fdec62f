package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tandem/pkg/models"
)

const trackColumns = `id, title, artist, artist_id, album, track_number, duration, url, COALESCE(file_path, ''), file_size`

// InsertTrack inserts a new track or updates the existing row for the same
// file path. It returns the track ID.
func (db *Database) InsertTrack(track *models.Track) (int, error) {
	url := track.URL
	if url == "" {
		url = track.FilePath
	}

	var existingID int
	err := db.conn.QueryRow("SELECT id FROM tracks WHERE file_path = ?", track.FilePath).Scan(&existingID)

	switch {
	case err == nil:
		_, err = db.updateTrackStmt.Exec(
			track.Title, track.Artist, track.ArtistID, track.Album,
			track.TrackNumber, track.Duration, url, track.FileSize, existingID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update track: %w", err)
		}
		return existingID, nil
	case errors.Is(err, sql.ErrNoRows):
		result, err := db.insertTrackStmt.Exec(
			track.Title, track.Artist, track.ArtistID, track.Album,
			track.TrackNumber, track.Duration, url, track.FilePath, track.FileSize,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert track: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return 0, err
		}
		return int(id), nil
	default:
		return 0, fmt.Errorf("failed to look up track: %w", err)
	}
}

// SaveTracks stores metadata resolved from peers, keyed by the catalog ID.
// Local file information already on record is left untouched.
func (db *Database) SaveTracks(ctx context.Context, tracks []models.Track) error {
	if len(tracks) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracks (id, title, artist, artist_id, album, track_number, duration, url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			artist_id = excluded.artist_id,
			album = excluded.album,
			track_number = excluded.track_number,
			duration = excluded.duration,
			url = CASE WHEN tracks.file_path IS NULL THEN excluded.url ELSE tracks.url END`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range tracks {
		if _, err := stmt.ExecContext(ctx, t.ID, t.Title, t.Artist, t.ArtistID, t.Album, t.TrackNumber, t.Duration, t.URL); err != nil {
			return fmt.Errorf("failed to save track %d: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// GetTrackByID retrieves a track by its ID.
func (db *Database) GetTrackByID(id int) (*models.Track, error) {
	track, err := scanTrack(db.getTrackByIDStmt.QueryRow(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTrackNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return track, nil
}

// FetchTracksByIDs returns the known tracks among ids. Unknown IDs are
// skipped without error.
func (db *Database) FetchTracksByIDs(ctx context.Context, ids []int) ([]models.Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+trackColumns+" FROM tracks WHERE id IN ("+placeholders+") ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tracks: %w", err)
	}
	defer rows.Close()

	return scanTrackRows(rows)
}

// GetAllTracks retrieves all tracks from the database
func (db *Database) GetAllTracks() ([]models.Track, error) {
	rows, err := db.conn.Query("SELECT " + trackColumns + " FROM tracks ORDER BY artist, album, track_number, title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrackRows(rows)
}

// SearchTracks searches for tracks by title, artist, or album
func (db *Database) SearchTracks(query string) ([]models.Track, error) {
	pattern := "%" + query + "%"
	rows, err := db.conn.Query(`
		SELECT `+trackColumns+`
		FROM tracks
		WHERE title LIKE ? OR artist LIKE ? OR album LIKE ?
		ORDER BY artist, album, track_number, title`,
		pattern, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrackRows(rows)
}

// RemoveTrackByPath removes a track from the database by file path
func (db *Database) RemoveTrackByPath(filePath string) error {
	_, err := db.removeTrackStmt.Exec(filePath)
	return err
}

// TrackExists checks if a track exists in the database by file path
func (db *Database) TrackExists(filePath string) (bool, error) {
	var count int
	if err := db.trackExistsStmt.QueryRow(filePath).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*models.Track, error) {
	var t models.Track
	err := row.Scan(
		&t.ID, &t.Title, &t.Artist, &t.ArtistID, &t.Album,
		&t.TrackNumber, &t.Duration, &t.URL, &t.FilePath, &t.FileSize,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTrackRows(rows *sql.Rows) ([]models.Track, error) {
	var tracks []models.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, *t)
	}
	return tracks, rows.Err()
}
