// Package pebblestore is a Pebble-backed implementation of vynqtalk.Storage.
package pebblestore

import (
	"errors"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"
)

const keyPrefix = "kv:"

// Store persists client keys in a Pebble database. Writes are synced.
type Store struct {
	db *pebble.DB
}

// Open creates or opens the database directory at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(key string) (string, bool, error) {
	v, closer, err := s.db.Get([]byte(keyPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	// v is only valid until closer.Close
	return string(v), true, nil
}

func (s *Store) Set(key, value string) error {
	return s.db.Set([]byte(keyPrefix+key), []byte(value), pebble.Sync)
}

func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(keyPrefix+key), pebble.Sync)
}

// Keys lists every stored key in order.
func (s *Store) Keys() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("kv;"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for ok := it.First(); ok; ok = it.Next() {
		keys = append(keys, string(it.Key()[len(keyPrefix):]))
	}
	return keys, it.Error()
}
