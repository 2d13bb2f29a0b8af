package vynqtalk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage keys shared by the gateway, the realtime session and the CLI.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyTheme        = "theme"
	KeySettings     = "settings"
)

// Storage is durable string key-value persistence. Structured values are stored as JSON.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// ============================================================================
// Helpers
// ============================================================================

// LoadTokens reads the persisted token pair. Missing keys yield empty strings.
func LoadTokens(s Storage) (TokenPair, error) {
	var tp TokenPair
	access, _, err := s.Get(KeyAccessToken)
	if err != nil {
		return tp, fmt.Errorf("failed to read access token: %w", err)
	}
	refresh, _, err := s.Get(KeyRefreshToken)
	if err != nil {
		return tp, fmt.Errorf("failed to read refresh token: %w", err)
	}
	tp.AccessToken, tp.RefreshToken = access, refresh
	return tp, nil
}

// SaveTokens persists both tokens. An empty refresh token leaves the stored one untouched.
func SaveTokens(s Storage, tp TokenPair) error {
	if err := s.Set(KeyAccessToken, tp.AccessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if tp.RefreshToken == "" {
		return nil
	}
	if err := s.Set(KeyRefreshToken, tp.RefreshToken); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// ClearSession removes tokens and the cached user. Theme and settings survive logout.
func ClearSession(s Storage) error {
	var errs []error
	for _, k := range []string{KeyAccessToken, KeyRefreshToken, KeyUser} {
		if err := s.Delete(k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// GetJSON decodes the JSON value stored under key into out. It reports whether the key existed.
func GetJSON(s Storage, key string, out any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, &ParseError{Source: "storage key " + key, Err: err}
	}
	return true, nil
}

// SetJSON stores value under key as JSON.
func SetJSON(s Storage, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(key, string(b))
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

// ============================================================================
// FileStorage
// ============================================================================

// FileStorage keeps all keys in a single JSON object on disk.
// Every write rewrites the file via a temp file and rename.
type FileStorage struct {
	path string

	mu     sync.Mutex
	values map[string]string
	loaded bool
}

// NewFileStorage returns a storage backed by path. The file is created on first write.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the backing file path.
func (f *FileStorage) Path() string { return f.path }

func (f *FileStorage) load() error {
	if f.loaded {
		return nil
	}
	f.values = make(map[string]string)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.loaded = true
			return nil
		}
		return err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.values); err != nil {
			return &ParseError{Source: f.path, Err: err}
		}
	}
	f.loaded = true
	return nil
}

func (f *FileStorage) flush() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStorage) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return "", false, err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *FileStorage) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	f.values[key] = value
	return f.flush()
}

func (f *FileStorage) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flush()
}
