package storage

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Store backend names accepted by NewStore.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

var ErrUnsupportedStore = errors.New("unsupported store backend")

// NewStore opens the backend named by kind. An empty kind selects the
// in-memory store; sqlitePath is only read by the sqlite backend.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if strings.TrimSpace(sqlitePath) == "" {
			return nil, fmt.Errorf("%s store requires a database path", KindSQLite)
		}
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, kind)
	}
}

// CloseIfSupported closes stores that hold resources; the memory store has
// none.
func CloseIfSupported(store Store) error {
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
