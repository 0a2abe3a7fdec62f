package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tandem/pkg/models"
)

const addonColumns = `id, kind, track_id, artist_id, title, url, duration, priority, repeatable`

// InsertAddon stores an addon and returns its ID.
func (db *Database) InsertAddon(ctx context.Context, addon models.Addon) (int, error) {
	result, err := db.conn.ExecContext(ctx, `
		INSERT INTO addons (kind, track_id, artist_id, title, url, duration, priority, repeatable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		addon.Kind, addon.TrackID, addon.ArtistID, addon.Title, addon.URL,
		addon.Duration, addon.Priority, addon.Repeatable)
	if err != nil {
		return 0, fmt.Errorf("failed to insert addon: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// FetchAddons returns the addons attached to any of the given tracks.
func (db *Database) FetchAddons(ctx context.Context, trackIDs []int) ([]models.Addon, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(trackIDs)), ",")
	args := make([]any, len(trackIDs))
	for i, id := range trackIDs {
		args[i] = id
	}

	return db.queryAddons(ctx,
		"SELECT "+addonColumns+" FROM addons WHERE track_id IN ("+placeholders+") ORDER BY priority, id", args...)
}

// FetchArtistAddons returns the addons attached to an artist.
func (db *Database) FetchArtistAddons(ctx context.Context, artistID int) ([]models.Addon, error) {
	return db.queryAddons(ctx,
		"SELECT "+addonColumns+" FROM addons WHERE artist_id = ? AND track_id = 0 ORDER BY priority, id", artistID)
}

// SetArtistPreference records whether addons of kind are skipped for an
// artist. Artist 0 sets the default for every artist.
func (db *Database) SetArtistPreference(ctx context.Context, artistID int, kind models.AddonKind, skip bool) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO artist_preferences (artist_id, kind, skip) VALUES (?, ?, ?)
		ON CONFLICT(artist_id, kind) DO UPDATE SET skip = excluded.skip`,
		artistID, kind, skip)
	if err != nil {
		return fmt.Errorf("failed to set artist preference: %w", err)
	}
	return nil
}

// FilterEligibleAddons drops duplicates, kinds the listener skips for the
// track's artist and non-repeatable addons that already played before this
// track. The result is ordered by priority.
func (db *Database) FilterEligibleAddons(ctx context.Context, candidates []models.Addon, track models.Track) ([]models.Addon, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	skipped, err := db.skippedKinds(ctx, track.ArtistID)
	if err != nil {
		return nil, err
	}
	played, err := db.playedBefore(ctx, track.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(candidates))
	eligible := make([]models.Addon, 0, len(candidates))
	for _, a := range candidates {
		if seen[a.ID] || skipped[a.Kind] {
			continue
		}
		if played[a.ID] && !a.Repeatable {
			continue
		}
		seen[a.ID] = true
		eligible = append(eligible, a)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible, nil
}

// MarkAddonPlayed records that addon started playing before track.
func (db *Database) MarkAddonPlayed(ctx context.Context, addon models.Addon, track models.Track) error {
	if _, err := db.markPlayedStmt.ExecContext(ctx, addon.ID, track.ID); err != nil {
		return fmt.Errorf("failed to mark addon %d played: %w", addon.ID, err)
	}
	return nil
}

// skippedKinds merges the global preferences with the artist's own, the
// artist's taking precedence.
func (db *Database) skippedKinds(ctx context.Context, artistID int) (map[models.AddonKind]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT kind, skip FROM artist_preferences
		WHERE artist_id = 0 OR artist_id = ?
		ORDER BY artist_id`, artistID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	defer rows.Close()

	skipped := make(map[models.AddonKind]bool)
	for rows.Next() {
		var kind models.AddonKind
		var skip bool
		if err := rows.Scan(&kind, &skip); err != nil {
			return nil, err
		}
		skipped[kind] = skip
	}
	return skipped, rows.Err()
}

func (db *Database) playedBefore(ctx context.Context, trackID int) (map[int]bool, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT DISTINCT addon_id FROM addon_plays WHERE track_id = ?", trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load addon plays: %w", err)
	}
	defer rows.Close()

	played := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		played[id] = true
	}
	return played, rows.Err()
}

func (db *Database) queryAddons(ctx context.Context, query string, args ...any) ([]models.Addon, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query addons: %w", err)
	}
	defer rows.Close()

	var addons []models.Addon
	for rows.Next() {
		var a models.Addon
		err := rows.Scan(&a.ID, &a.Kind, &a.TrackID, &a.ArtistID, &a.Title, &a.URL, &a.Duration, &a.Priority, &a.Repeatable)
		if err != nil {
			return nil, err
		}
		addons = append(addons, a)
	}
	return addons, rows.Err()
}
