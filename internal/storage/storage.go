// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the journal file created under the data directory.
const DBFileName = "spendplanner.db"

// Storage provides persistent storage for the spend journal.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- One row per spend attempt
	CREATE TABLE IF NOT EXISTS spends (
		id TEXT PRIMARY KEY,
		descriptor TEXT NOT NULL,
		path TEXT NOT NULL,
		network TEXT NOT NULL,

		-- Output being spent
		prev_txid TEXT NOT NULL,
		prev_vout INTEGER NOT NULL,
		prev_value INTEGER NOT NULL,

		destination TEXT NOT NULL,
		fee_sats INTEGER NOT NULL,

		-- planned, signed, broadcast, confirmed, rejected
		state TEXT NOT NULL DEFAULT 'planned',

		raw_tx TEXT,
		txid TEXT,

		-- Node rejection, verbatim
		error_code INTEGER DEFAULT 0,
		error_message TEXT,

		lock_time INTEGER DEFAULT 0,
		sequence INTEGER DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spends_state ON spends(state);
	CREATE INDEX IF NOT EXISTS idx_spends_txid ON spends(txid);
	CREATE INDEX IF NOT EXISTS idx_spends_prevout ON spends(prev_txid, prev_vout);
	CREATE INDEX IF NOT EXISTS idx_spends_updated ON spends(updated_at);

	-- State transition log (audit trail)
	CREATE TABLE IF NOT EXISTS spend_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		spend_id TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (spend_id) REFERENCES spends(id)
	);

	CREATE INDEX IF NOT EXISTS idx_spend_events_spend ON spend_events(spend_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations adds columns introduced after the first schema.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE spends ADD COLUMN sequence INTEGER DEFAULT 0",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
