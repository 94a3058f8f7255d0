package compiler

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/chazu/tern/pkg/backend"
	"github.com/chazu/tern/pkg/bytecode"
)

// Store is a persistent cache of lowered programs, keyed by a digest of
// the function's full encoded form. Analysis and lowering are
// deterministic, so a cache hit skips both; machine code itself is never
// cached, since entry points do not survive the process.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) a program cache at the given path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening program cache: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS programs (
		key     TEXT PRIMARY KEY,
		name    TEXT NOT NULL,
		request BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating programs table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// FunctionKey returns the cache key for a function: a digest over its
// complete wire encoding, so any change to code, constants, or names
// produces a different key.
func FunctionKey(fn *bytecode.Function) (string, error) {
	data, err := bytecode.MarshalFunction(fn)
	if err != nil {
		return "", fmt.Errorf("encoding function for digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get looks up the cached lowered program for a function.
func (s *Store) Get(fn *bytecode.Function) (*backend.Request, bool, error) {
	key, err := FunctionKey(fn)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var blob []byte
	err = s.db.QueryRow("SELECT request FROM programs WHERE key = ?", key).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("querying program cache: %w", err)
	}

	var req backend.Request
	if err := cbor.Unmarshal(blob, &req); err != nil {
		return nil, false, fmt.Errorf("decoding cached program: %w", err)
	}
	return &req, true, nil
}

// Put stores the lowered program for a function.
func (s *Store) Put(fn *bytecode.Function, req *backend.Request) error {
	key, err := FunctionKey(fn)
	if err != nil {
		return err
	}
	blob, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding program for cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO programs (key, name, request) VALUES (?, ?, ?)",
		key, fn.Name, blob,
	)
	if err != nil {
		return fmt.Errorf("saving program: %w", err)
	}
	return nil
}

// Count returns the number of cached programs.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM programs").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting programs: %w", err)
	}
	return n, nil
}
