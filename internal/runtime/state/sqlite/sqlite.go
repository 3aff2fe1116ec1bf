// Package sqlite stores mediator state in an embedded SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/eventmediator/internal/runtime/state/sqlstore"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "mediator_state"

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	Table    string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "eventmediator_state.db"
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	return c
}

// Open creates the database file and table if needed.
func Open(cfg Config) (*sqlstore.Store, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite serialises writers; a single connection also keeps ":memory:"
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db, cfg.Table); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return sqlstore.New(db, cfg.Table, sqlstore.Dialect{Name: "sqlite", Placeholder: sqlstore.QuestionMark}), nil
}

func initSchema(db *sql.DB, table string) error {
	// #nosec G201 - table name comes from configuration
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		state_key TEXT PRIMARY KEY,
		value BLOB,
		version INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		modified_time TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_modified ON %[1]s(modified_time);
	`, table)
	_, err := db.Exec(schema)
	return err
}
