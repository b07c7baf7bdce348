package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite journal at path and creates the journal table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, err
	}

	// a single writer keeps concurrent workers from hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY,
		target_id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'downloading',
		bytes INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		updated_at TEXT
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
