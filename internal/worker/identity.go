package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bamsammich/grid/internal/grid"
)

// IDFile holds the worker's last issued id inside its directory.
const IDFile = "worker.id"

// LoadID returns the id stored in dir, or grid.BlankID when none was
// ever issued. A corrupt file also reads as blank so the coordinator
// issues a new id.
func LoadID(dir string) grid.WorkerID {
	data, err := os.ReadFile(filepath.Join(dir, IDFile))
	if err != nil {
		return grid.BlankID
	}
	id, err := grid.ParseWorkerID(strings.TrimSpace(string(data)))
	if err != nil {
		return grid.BlankID
	}
	return id
}

// SaveID stores id in dir.
func SaveID(dir string, id grid.WorkerID) error {
	if !id.Valid() {
		return fmt.Errorf("save worker id: %w: %s", grid.ErrInvalidID, id)
	}
	path := filepath.Join(dir, IDFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil { //nolint:gosec // G306: not secret
		return fmt.Errorf("save worker id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(fmt.Errorf("save worker id: %w", err), os.Remove(tmp))
	}
	return nil
}
