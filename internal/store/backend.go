package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backend kinds accepted by OpenBackend.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// OpenBackend opens the backend named by kind in dir.
//
//nolint:ireturn // factory returns interface by design
func OpenBackend(kind, dir string, readOnly bool) (Backend, error) {
	switch kind {
	case BackendFile, "":
		return OpenFile(dir, readOnly)
	case BackendSQLite:
		return OpenSQLite(dir, readOnly)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// Exists reports whether dir already holds tables for kind.
func Exists(kind, dir string) bool {
	name := BatchTableFile
	if kind == BackendSQLite {
		name = SQLiteFile
	}
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
