package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mergehawk-dev/mergehawk/internal/config"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracked_projects (
  project_key TEXT PRIMARY KEY,
  blob TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// DB is the SQLite-backed persistence gateway for tracked review
// requests. Each project's record set is stored as one opaque JSON
// blob; the tracker owns the format.
type DB struct {
	*sql.DB
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	return filepath.Join(config.DataDir(), "requests.db")
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode and a busy timeout: the daemon is single-instance but
	// the CLI may read the file concurrently.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	wrapped := &DB{db}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate runs any needed migrations for existing databases.
func (db *DB) migrate() error {
	// Migration: add updated_at to tracked_projects if missing
	// (databases created before the column existed).
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tracked_projects') WHERE name = 'updated_at'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check updated_at column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE tracked_projects ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add updated_at column: %w", err)
		}
	}
	return nil
}

// Load returns the blob for a project key, or nil if absent.
func (db *DB) Load(projectKey string) ([]byte, error) {
	var blob string
	err := db.QueryRow(
		`SELECT blob FROM tracked_projects WHERE project_key = ?`, projectKey,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectKey, err)
	}
	return []byte(blob), nil
}

// Save overwrites the blob for a project key.
func (db *DB) Save(projectKey string, blob []byte) error {
	_, err := db.Exec(`
		INSERT INTO tracked_projects (project_key, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(project_key) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		projectKey, string(blob), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save project %s: %w", projectKey, err)
	}
	return nil
}

// Delete removes the blob for a project key.
func (db *DB) Delete(projectKey string) error {
	_, err := db.Exec(`DELETE FROM tracked_projects WHERE project_key = ?`, projectKey)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", projectKey, err)
	}
	return nil
}

// ProjectKeys lists all persisted project keys.
func (db *DB) ProjectKeys() ([]string, error) {
	rows, err := db.Query(`SELECT project_key FROM tracked_projects ORDER BY project_key`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
