package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the schema version this build expects.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the constraint the user stated before it was confirmed.
func migrateToVersion2(db *sql.DB) error {
	if _, err := db.Exec("ALTER TABLE sessions ADD COLUMN initial_constraint INTEGER"); err != nil {
		return fmt.Errorf("failed to add initial_constraint: %w", err)
	}
	return nil
}

// createSchema creates every table at the current version.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			session_code TEXT NOT NULL,
			round INTEGER NOT NULL,
			bot_role TEXT NOT NULL CHECK (bot_role IN ('Supplier', 'Buyer')),
			constraint_bot REAL NOT NULL,
			constraint_user REAL,
			initial_constraint INTEGER,
			created_at DATETIME NOT NULL,
			finished_at DATETIME,
			deal_price REAL,
			deal_quality INTEGER,
			deal_profit_bot REAL,
			deal_profit_user REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_round ON sessions(session_code, round)`,
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			origin TEXT NOT NULL,
			price REAL,
			quality INTEGER,
			profit_bot REAL NOT NULL,
			profit_user REAL NOT NULL,
			enhanced TEXT NOT NULL DEFAULT '',
			stamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offers_session ON offers(session_id, stamp)`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			stamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns(session_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
