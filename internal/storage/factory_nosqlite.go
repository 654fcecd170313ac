//go:build !sqlite

package storage

import "fmt"

func DefaultStoreKind() string {
	return KindMemory
}

func newSQLiteStore(_ string) (Store, error) {
	return nil, fmt.Errorf("%w: %s needs a build with -tags sqlite", ErrUnsupportedStore, KindSQLite)
}
