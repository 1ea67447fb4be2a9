// Package cache stores compiled chunk images in SQLite, keyed by source
// hash, so unchanged files skip recompilation.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tliron/commonlog"
)

// Cache is a SQLite-backed store of compiled images.
type Cache struct {
	db  *sql.DB
	mu  sync.Mutex
	log commonlog.Logger
}

// Open opens (or creates) a cache database at path, creating parent
// directories as needed.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS images (
		hash       TEXT PRIMARY KEY,
		image      BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating images table: %w", err)
	}

	return &Cache{db: db, log: commonlog.GetLogger("manifast.cache")}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// HashSource returns the cache key for source text.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Get looks up an image by hash. The second result reports a hit.
func (c *Cache) Get(hash string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var image []byte
	err := c.db.QueryRow("SELECT image FROM images WHERE hash = ?", hash).Scan(&image)
	if err == sql.ErrNoRows {
		c.log.Debugf("miss: %s", hash)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache: %w", err)
	}
	c.log.Debugf("hit: %s", hash)
	return image, true, nil
}

// Put stores an image under its hash, replacing any previous entry.
func (c *Cache) Put(hash string, image []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO images (hash, image, created_at) VALUES (?, ?, ?)",
		hash, image, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}
