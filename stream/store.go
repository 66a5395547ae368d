package stream

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrRomNotFound indicates the requested rom isn't stored
var ErrRomNotFound = errors.New("rom not found")

// RomStore keeps rom payloads of models in a SQLite database.
type RomStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// RomInfo describes one stored rom.
type RomInfo struct {
	Model string
	ID    uint32
	Size  int
}

// OpenRomStore opens or creates the store at dbPath.
func OpenRomStore(dbPath string) (*RomStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Readers run on their own goroutines while imports write
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS roms (
		model TEXT NOT NULL,
		id INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (model, id)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &RomStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file.
func (s *RomStore) Path() string { return s.dbPath }

// Close closes the database connection
func (s *RomStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores the payload of one rom, replacing any previous one.
func (s *RomStore) Put(model string, id uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO roms (model, id, data) VALUES (?, ?, ?)",
		model, id, data,
	)
	if err != nil {
		return fmt.Errorf("saving rom %d of %s: %w", id, model, err)
	}
	return nil
}

// Import stores every payload of a model in one transaction and returns
// how many were written.
func (s *RomStore) Import(model string, payloads map[uint32][]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning import: %w", err)
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO roms (model, id, data) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing import: %w", err)
	}
	defer stmt.Close()

	for id, data := range payloads {
		if _, err := stmt.Exec(model, id, data); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("importing rom %d of %s: %w", id, model, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}
	return len(payloads), nil
}

// Get loads the payload of one rom.
func (s *RomStore) Get(model string, id uint32) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM roms WHERE model = ? AND id = ?", model, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRomNotFound
		}
		return nil, fmt.Errorf("querying rom %d of %s: %w", id, model, err)
	}
	return data, nil
}

// Delete removes one rom. Deleting a missing rom is not an error.
func (s *RomStore) Delete(model string, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM roms WHERE model = ? AND id = ?", model, id); err != nil {
		return fmt.Errorf("deleting rom %d of %s: %w", id, model, err)
	}
	return nil
}

// List describes the stored roms of model, or of every model when model
// is empty, ordered by model and id.
func (s *RomStore) List(model string) ([]RomInfo, error) {
	query := "SELECT model, id, length(data) FROM roms"
	var args []any
	if model != "" {
		query += " WHERE model = ?"
		args = append(args, model)
	}
	query += " ORDER BY model, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing roms: %w", err)
	}
	defer rows.Close()

	var infos []RomInfo
	for rows.Next() {
		var info RomInfo
		if err := rows.Scan(&info.Model, &info.ID, &info.Size); err != nil {
			return nil, fmt.Errorf("scanning rom row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
