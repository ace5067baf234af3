package cache

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store is an interface for a cache store.
// It stores and retrieves []byte values under a key, scoped to a named group.
// Every entry carries an expiration time; the zero time means the entry never expires.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the cached value for the given group and key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the entry has expired, the boolean should be false.
	Get(group, key string) ([]byte, bool, error)
	// Add stores the given value under the given key, but only if there is no
	// unexpired entry for that key yet. It returns true if the value was written.
	// The check and the write must happen atomically.
	Add(group, key string, expires time.Time, bytes []byte) (bool, error)
}

// Entry is a single stored value.
type Entry struct {
	Expires time.Time
	Bytes   []byte
}

// expired reports whether the entry is no longer valid at the given time.
func (e Entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// MemCache keeps entries in a map. Values are copied on the way in and out,
// so callers may modify the slices they pass or receive.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]Entry
	now   func() time.Time
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
		now:   time.Now,
	}
}

// WithClock returns a MemCache sharing the same storage but judging expiry
// with the given clock.
func (m MemCache) WithClock(now func() time.Time) MemCache {
	m.now = now
	return m
}

func (m MemCache) Get(group, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[memKey(group, key)]
	if !ok || entry.expired(m.now()) {
		return nil, false, nil
	}
	if entry.Bytes == nil {
		return []byte{}, true, nil
	}
	return bytes.Clone(entry.Bytes), true, nil
}

func (m MemCache) Add(group, key string, expires time.Time, b []byte) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	k := memKey(group, key)
	if entry, ok := m.db[k]; ok && !entry.expired(m.now()) {
		return false, nil
	}
	m.db[k] = Entry{Expires: expires, Bytes: bytes.Clone(b)}
	return true, nil
}

// size returns the number of stored entries, expired ones included.
func (m MemCache) size() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

func memKey(group, key string) string {
	return group + "\x00" + key
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// memDBCount names in-memory databases, so that each cache gets its own.
var memDBCount atomic.Uint64

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened. It is private to the
// returned cache and lives until Close.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	inMemory := filename == ""
	if inMemory {
		filename = fmt.Sprintf("file:fetch-remote-url-%d?mode=memory&cache=shared", memDBCount.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite cache: %w", err)
	}
	if inMemory {
		// the db is dropped once its last connection closes, keep exactly one
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			grp TEXT NOT NULL,
			key TEXT NOT NULL,
			expires INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (grp, key)
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
	}
	if !inMemory {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(group, key string) ([]byte, bool, error) {
	var expires int64
	var b []byte
	err := s.db.QueryRow("SELECT expires, bytes FROM cache WHERE grp = ? AND key = ?", group, key).Scan(&expires, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expires > 0 && !time.Now().Before(time.Unix(expires, 0)) {
		return nil, false, nil
	}
	if b == nil {
		b = []byte{}
	}
	return b, true, nil
}

// Add inserts the entry, replacing an existing row only when that row has expired.
func (s SQLiteCache) Add(group, key string, expires time.Time, b []byte) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	result, err := s.db.Exec(`INSERT INTO cache (grp, key, expires, bytes) VALUES (?, ?, ?, ?)
		ON CONFLICT (grp, key) DO UPDATE SET expires = excluded.expires, bytes = excluded.bytes
		WHERE cache.expires > 0 AND cache.expires <= ?`,
		group, key, exp, b, time.Now().Unix())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
