package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrTrackNotFound is returned when no track has the requested ID.
var ErrTrackNotFound = errors.New("track not found")

// Database wraps a *sql.DB providing the track metadata store and the addon
// catalog. It is safe for concurrent use because the underlying *sql.DB is
// concurrency-safe.
type Database struct {
	conn   *sql.DB
	logger logrus.FieldLogger

	// Prepared statements for better performance
	insertTrackStmt  *sql.Stmt
	updateTrackStmt  *sql.Stmt
	getTrackByIDStmt *sql.Stmt
	trackExistsStmt  *sql.Stmt
	removeTrackStmt  *sql.Stmt
	markPlayedStmt   *sql.Stmt
}

// NewDatabase opens (or creates) a SQLite database at the provided path and
// ensures all required tables and indices exist. It also applies lightweight
// performance-oriented pragmas (WAL, cache sizing). Caller should Close() it
// when finished.
func NewDatabase(dbPath string, logger logrus.FieldLogger) (*Database, error) {
	logger = logger.WithField("component", "database")

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - adjusted for SQLite
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// createTables creates tables and indices if they do not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	// Track IDs are account-wide; rows resolved from peers carry no file_path.
	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		artist TEXT NOT NULL,
		artist_id INTEGER DEFAULT 0,
		album TEXT NOT NULL,
		track_number INTEGER DEFAULT 0,
		duration INTEGER DEFAULT 0,
		file_path TEXT UNIQUE,
		file_size INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	addonsTable := `
	CREATE TABLE IF NOT EXISTS addons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		track_id INTEGER DEFAULT 0,
		artist_id INTEGER DEFAULT 0,
		title TEXT NOT NULL,
		url TEXT NOT NULL,
		duration INTEGER DEFAULT 0,
		priority INTEGER DEFAULT 0,
		repeatable BOOLEAN DEFAULT FALSE
	);`

	addonPlaysTable := `
	CREATE TABLE IF NOT EXISTS addon_plays (
		addon_id INTEGER NOT NULL,
		track_id INTEGER NOT NULL,
		played_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (addon_id) REFERENCES addons(id) ON DELETE CASCADE
	);`

	// artist_id 0 applies to every artist
	preferencesTable := `
	CREATE TABLE IF NOT EXISTS artist_preferences (
		artist_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		skip BOOLEAN NOT NULL,
		PRIMARY KEY (artist_id, kind)
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_search ON tracks(title, artist, album);",
		"CREATE INDEX IF NOT EXISTS idx_addons_track ON addons(track_id);",
		"CREATE INDEX IF NOT EXISTS idx_addons_artist ON addons(artist_id);",
		"CREATE INDEX IF NOT EXISTS idx_addon_plays_pair ON addon_plays(addon_id, track_id);",
	}

	tables := []string{tracksTable, addonsTable, addonPlaysTable, preferencesTable}
	for _, table := range tables {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run; keep them lightweight.
func (db *Database) runMigrations() error {
	// Migration 1: tracks gained a playable url
	var columnExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('tracks')
		WHERE name = 'url'`).Scan(&columnExists)
	if err != nil {
		return err
	}

	if !columnExists {
		if _, err := db.conn.Exec("ALTER TABLE tracks ADD COLUMN url TEXT DEFAULT ''"); err != nil {
			return err
		}
		// local files play from their path
		if _, err := db.conn.Exec("UPDATE tracks SET url = file_path WHERE file_path IS NOT NULL"); err != nil {
			return err
		}
		db.logger.Info("Added url column to tracks table")
	}

	return nil
}

// prepareStatements prepares commonly used SQL statements for better performance
func (db *Database) prepareStatements() error {
	var err error

	db.insertTrackStmt, err = db.conn.Prepare(`
		INSERT INTO tracks (title, artist, artist_id, album, track_number, duration, url, file_path, file_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert track statement: %w", err)
	}

	db.updateTrackStmt, err = db.conn.Prepare(`
		UPDATE tracks SET title = ?, artist = ?, artist_id = ?, album = ?, track_number = ?, duration = ?, url = ?, file_size = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update track statement: %w", err)
	}

	db.getTrackByIDStmt, err = db.conn.Prepare(`
		SELECT ` + trackColumns + `
		FROM tracks WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get track by ID statement: %w", err)
	}

	db.trackExistsStmt, err = db.conn.Prepare(`
		SELECT COUNT(*) FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare track exists statement: %w", err)
	}

	db.removeTrackStmt, err = db.conn.Prepare(`
		DELETE FROM tracks WHERE file_path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove track statement: %w", err)
	}

	db.markPlayedStmt, err = db.conn.Prepare(`
		INSERT INTO addon_plays (addon_id, track_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare mark played statement: %w", err)
	}

	return nil
}

// Close closes the underlying database connection and prepared statements.
func (db *Database) Close() error {
	statements := []*sql.Stmt{
		db.insertTrackStmt,
		db.updateTrackStmt,
		db.getTrackByIDStmt,
		db.trackExistsStmt,
		db.removeTrackStmt,
		db.markPlayedStmt,
	}

	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (db *Database) Ping() error {
	return db.conn.Ping()
}
