// Package docstore is the durable home of the subsystem's JSON
// documents: opaque byte payloads addressed by string key. Backends
// are selected by DSN, mirroring how state backends are composed in
// deployment environments (memory for tests, a file directory for
// desktop installs, postgres for hosted services).
package docstore

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrInvalidDSN = errors.New("invalid docstore dsn")

// Store persists opaque documents by key. Put must be durable before
// it returns; Get reports presence explicitly so an absent document is
// not an error.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, data []byte) error
	Close() error
}

// Open builds a Store from a DSN. Supported schemes:
//
//	memory://            volatile, for tests
//	file:///path/to/dir  one file per key, atomic writes
//	postgres://...       single keyed-snapshot table
//
// A bare filesystem path is treated as a file:// directory.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDSN)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "", "file":
		dir, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(dir)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: file dsn has no path", ErrInvalidDSN)
	}
	return path, nil
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string][]byte{}}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, true, nil
}

func (s *MemoryStore) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]byte, len(data))
	copy(clone, data)
	s.docs[key] = clone
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// FileStore writes one JSON file per key under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn
// document behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidDSN)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *FileStore) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.pathFor(key), data, 0o644)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
