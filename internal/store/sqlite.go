package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore handles SQLite persistence of accident records
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs migrations
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Name() string {
	return "sqlite"
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accidents (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			timestamp_ns INTEGER NOT NULL,
			location TEXT,
			lat REAL,
			lng REAL,
			confidence REAL,
			vehicles_detected INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'detected'
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accidents_time ON accidents(timestamp_ns DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_accidents_stream_time ON accidents(stream_id, timestamp_ns DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Insert saves an accident record
func (s *SQLiteStore) Insert(ctx context.Context, rec *AccidentRecord) error {
	query := `INSERT INTO accidents
		(id, stream_id, timestamp_ns, location, lat, lng, confidence, vehicles_detected, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.StreamID, rec.Timestamp.UnixNano(),
		rec.Location, rec.Coordinates.Lat, rec.Coordinates.Lng, rec.Confidence,
		rec.VehicleCount, string(rec.Status))
	if err != nil {
		return fmt.Errorf("failed to save accident record: %w", err)
	}
	return nil
}

// Recent returns the newest accident records
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]*AccidentRecord, error) {
	query := `SELECT id, stream_id, timestamp_ns, location, lat, lng, confidence, vehicles_detected, status
		FROM accidents ORDER BY timestamp_ns DESC, rowid ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list accident records: %w", err)
	}
	defer rows.Close()

	var records []*AccidentRecord
	for rows.Next() {
		var rec AccidentRecord
		var ts int64
		var status string

		if err := rows.Scan(&rec.ID, &rec.StreamID, &ts, &rec.Location, &rec.Coordinates.Lat,
			&rec.Coordinates.Lng, &rec.Confidence, &rec.VehicleCount, &status); err != nil {
			return nil, fmt.Errorf("failed to scan accident record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Status = Status(status)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accident records: %w", err)
	}
	return records, nil
}

// DeleteBefore deletes records older than the specified time
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accidents WHERE timestamp_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old accident records: %w", err)
	}
	return result.RowsAffected()
}

// SaveSetting saves a configuration value
func (s *SQLiteStore) SaveSetting(ctx context.Context, key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetSetting retrieves a configuration value
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get config: %w", err)
	}
	return value, true, nil
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ SettingsStore = (*SQLiteStore)(nil)
)
