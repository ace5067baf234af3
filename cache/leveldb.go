package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDBCache stores entries on disk in a LevelDB database.
// Entry values are gob-encoded and keyed as "e:<group>:<key>".
type LevelDBCache struct {
	db *leveldb.DB
	// leveldb has no compare-and-set, so Add holds this across read and write
	mu *sync.Mutex
}

// NewLevelDBCache opens (or creates) the database at path.
// If path is empty, the database lives in memory.
func NewLevelDBCache(path string) (LevelDBCache, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return LevelDBCache{}, fmt.Errorf("open leveldb cache: %w", err)
	}
	return LevelDBCache{db: db, mu: &sync.Mutex{}}, nil
}

func (l LevelDBCache) Get(group, key string) ([]byte, bool, error) {
	ent, ok, err := l.peek(group, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if ent.expired(time.Now()) {
		return nil, false, nil
	}
	if ent.Bytes == nil {
		ent.Bytes = []byte{}
	}
	return ent.Bytes, true, nil
}

func (l LevelDBCache) Add(group, key string, expires time.Time, value []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent, ok, err := l.peek(group, key)
	if err != nil {
		return false, err
	}
	if ok && !ent.expired(time.Now()) {
		return false, nil
	}
	b, err := encodeGob(Entry{Expires: expires, Bytes: value})
	if err != nil {
		return false, err
	}
	if err := l.db.Put(levelKey(group, key), b, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}

func (l LevelDBCache) peek(group, key string) (Entry, bool, error) {
	b, err := l.db.Get(levelKey(group, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		// unreadable entries count as absent so they get overwritten
		return Entry{}, false, nil
	}
	return ent, true, nil
}

func levelKey(group, key string) []byte {
	return []byte("e:" + group + ":" + key)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
