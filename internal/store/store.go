package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"folkbears/go-beacon-monitor/internal/metrics"
	"folkbears/go-beacon-monitor/internal/model"

	_ "modernc.org/sqlite"
)

var errNotInitialized = errors.New("store not initialized")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scanners (
			scanner_id TEXT PRIMARY KEY,
			client_id TEXT,
			adverts INTEGER NOT NULL DEFAULT 0,
			last_address TEXT,
			last_rssi INTEGER,
			last_seen TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingestion_errors_created ON ingestion_errors(created_at);`,
		`CREATE TABLE IF NOT EXISTS session_log (
			id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			stopped_at TEXT,
			recorded INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.DBQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// UpsertScanner records activity from a scanner gateway. Adverts is added
// to the stored count; the remaining fields replace what is stored.
func (s *Store) UpsertScanner(ctx context.Context, info model.ScannerInfo) error {
	if s.db == nil {
		return errNotInitialized
	}
	defer observe("upsert_scanner")()

	lastSeen := info.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scanners (scanner_id, client_id, adverts, last_address, last_rssi, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scanner_id) DO UPDATE SET
			client_id = COALESCE(NULLIF(excluded.client_id, ''), scanners.client_id),
			adverts = scanners.adverts + excluded.adverts,
			last_address = COALESCE(NULLIF(excluded.last_address, ''), scanners.last_address),
			last_rssi = excluded.last_rssi,
			last_seen = excluded.last_seen;`,
		info.ScannerID,
		info.ClientID,
		info.Adverts,
		info.LastAddress,
		info.LastRSSI,
		lastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert scanner: %w", err)
	}
	return nil
}

// ListScanners returns known scanner gateways, most recently seen first.
func (s *Store) ListScanners(ctx context.Context) ([]model.ScannerInfo, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	defer observe("list_scanners")()

	rows, err := s.db.QueryContext(ctx, `SELECT scanner_id, client_id, adverts, last_address, last_rssi, last_seen FROM scanners ORDER BY last_seen DESC, scanner_id;`)
	if err != nil {
		return nil, fmt.Errorf("query scanners: %w", err)
	}
	defer rows.Close()

	var scanners []model.ScannerInfo
	for rows.Next() {
		var (
			info        model.ScannerInfo
			clientID    sql.NullString
			lastAddress sql.NullString
			lastRSSI    sql.NullInt64
			lastSeenStr string
		)
		if err := rows.Scan(&info.ScannerID, &clientID, &info.Adverts, &lastAddress, &lastRSSI, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan scanner: %w", err)
		}
		info.ClientID = clientID.String
		info.LastAddress = lastAddress.String
		info.LastRSSI = int(lastRSSI.Int64)
		info.LastSeen = parseTime(lastSeenStr)
		scanners = append(scanners, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scanners: %w", err)
	}

	return scanners, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return errNotInitialized
	}
	defer observe("insert_ingestion_error")()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (source, payload, error) VALUES (?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns up to limit errors, newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 100
	}
	defer observe("recent_ingestion_errors")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, payload, error, created_at FROM ingestion_errors ORDER BY created_at DESC, id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var (
			e         model.IngestionError
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.Source, &payload, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.Payload = payload.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return out, nil
}

// RecordSessionStart inserts or replaces the log row for a session.
func (s *Store) RecordSessionStart(ctx context.Context, r model.SessionRecord) error {
	if s.db == nil {
		return errNotInitialized
	}
	defer observe("record_session_start")()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_log (id, config, state, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET config = excluded.config, state = excluded.state, started_at = excluded.started_at;`,
		r.ID,
		r.Config,
		r.State,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

// RecordSessionEnd stamps the final state of a session.
func (s *Store) RecordSessionEnd(ctx context.Context, id, state string, stoppedAt time.Time, recorded int64) error {
	if s.db == nil {
		return errNotInitialized
	}
	defer observe("record_session_end")()

	_, err := s.db.ExecContext(ctx,
		`UPDATE session_log SET state = ?, stopped_at = ?, recorded = ? WHERE id = ?;`,
		state,
		stoppedAt.UTC().Format(time.RFC3339Nano),
		recorded,
		id,
	)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

// SessionLog returns up to limit session records, newest first.
func (s *Store) SessionLog(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}
	defer observe("session_log")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, config, state, started_at, stopped_at, recorded FROM session_log ORDER BY started_at DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session log: %w", err)
	}
	defer rows.Close()

	var out []model.SessionRecord
	for rows.Next() {
		var (
			r         model.SessionRecord
			startedAt string
			stoppedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Config, &r.State, &startedAt, &stoppedAt, &r.Recorded); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		if stoppedAt.Valid {
			t := parseTime(stoppedAt.String)
			r.StoppedAt = &t
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session log: %w", err)
	}

	return out, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return errNotInitialized
	}
	defer observe("upsert_app_config")()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	defer observe("app_config")()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

// WipeData removes scanner, error and session history while preserving configuration.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	defer observe("wipe_data")()

	stmts := []string{
		`DELETE FROM scanners;`,
		`DELETE FROM ingestion_errors;`,
		`DELETE FROM session_log;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", v)
	}
	return t
}
