// Package spool manages the on-disk areas that hold batch job files as
// they move between the coordinator and workers.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/bamsammich/grid/internal/archive"
)

// Area is one of the batch directories under the spool root.
type Area string

const (
	// Pending holds job files ready to be sent.
	Pending Area = "pending"
	// Sent holds job files currently out with a worker.
	Sent Area = "sent"
	// Archive holds returned results.
	Archive Area = "archive"
	// Cache is scratch space for unpacking returned blobs.
	Cache Area = "cache"
)

// Areas lists every area in a spool.
var Areas = []Area{Pending, Sent, Archive, Cache}

// ErrBadBatchName is returned for entries whose name is not a batch number.
var ErrBadBatchName = errors.New("cannot determine batch number")

// Spool is a directory tree with one subdirectory per Area. Each batch is
// a single entry named by its decimal number.
type Spool struct {
	root string
}

// New returns a spool rooted at root. Call Init to create the areas.
func New(root string) *Spool {
	return &Spool{root: root}
}

// Init creates every area.
func (s *Spool) Init() error {
	for _, a := range Areas {
		if err := os.MkdirAll(s.Dir(a), 0o755); err != nil {
			return fmt.Errorf("create %s area: %w", a, err)
		}
	}
	return nil
}

// Root returns the spool root.
func (s *Spool) Root() string {
	return s.root
}

// Dir returns the directory for area a.
func (s *Spool) Dir(a Area) string {
	return filepath.Join(s.root, string(a))
}

// Path returns where batch n lives in area a.
func (s *Spool) Path(a Area, n uint32) string {
	return filepath.Join(s.Dir(a), strconv.FormatUint(uint64(n), 10))
}

// Exists reports whether batch n is present in area a.
func (s *Spool) Exists(a Area, n uint32) bool {
	_, err := os.Lstat(s.Path(a, n))
	return err == nil
}

// Move relocates batch n between areas. An existing destination is
// replaced.
func (s *Spool) Move(n uint32, from, to Area) error {
	dst := s.Path(to, n)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear %s: %w", dst, err)
	}
	if err := os.Rename(s.Path(from, n), dst); err != nil {
		return fmt.Errorf("move batch %d from %s to %s: %w", n, from, to, err)
	}
	return nil
}

// Remove deletes batch n from area a. A missing batch is not an error.
func (s *Spool) Remove(a Area, n uint32) error {
	if err := os.RemoveAll(s.Path(a, n)); err != nil {
		return fmt.Errorf("remove batch %d from %s: %w", n, a, err)
	}
	return nil
}

// Clear empties area a.
func (s *Spool) Clear(a Area) error {
	dir := s.Dir(a)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s area: %w", a, err)
	}
	return os.MkdirAll(dir, 0o755)
}

// List returns the batch numbers in area a in ascending order. Entries
// whose names are not batch numbers make List fail with ErrBadBatchName.
func (s *Spool) List(a Area) ([]uint32, error) {
	entries, err := os.ReadDir(s.Dir(a))
	if err != nil {
		return nil, fmt.Errorf("list %s area: %w", a, err)
	}
	out := make([]uint32, 0, len(entries))
	for _, e := range entries {
		n, err := ParseBatchNumber(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

// Entries returns archive entries for batches in area a.
func (s *Spool) Entries(a Area, batches []uint32) []archive.Entry {
	out := make([]archive.Entry, 0, len(batches))
	for _, n := range batches {
		out = append(out, archive.Entry{Name: strconv.FormatUint(uint64(n), 10), Path: s.Path(a, n)})
	}
	return out
}

// ParseBatchNumber converts a spool entry name into its batch number.
func ParseBatchNumber(name string) (uint32, error) {
	n, err := strconv.ParseUint(name, 10, 32)
	if err != nil || strconv.FormatUint(n, 10) != name {
		return 0, fmt.Errorf("%w: %q", ErrBadBatchName, name)
	}
	return uint32(n), nil
}
