package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DiscoveryFile is the name of the discovery file inside the data dir.
const DiscoveryFile = "coordinator.toml"

// Discovery describes a running coordinator. grid serve writes it at
// startup and removes it on shutdown; grid status reads it.
type Discovery struct {
	Started time.Time `toml:"started"`
	Addr    string    `toml:"addr"`
	PID     int       `toml:"pid"`
}

// DiscoveryPath returns the discovery file path for dataDir.
func DiscoveryPath(dataDir string) string {
	return filepath.Join(dataDir, DiscoveryFile)
}

// WriteDiscovery writes d into dataDir, replacing any previous file.
func WriteDiscovery(dataDir string, d Discovery) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("encode discovery: %w", err)
	}

	path := DiscoveryPath(dataDir)
	tmp := path + ".tmp"
	//nolint:gosec // G306: world-readable so other users can run grid status
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write discovery: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write discovery: %w", err)
	}
	return nil
}

// ReadDiscovery reads the discovery file in dataDir. Returns
// os.ErrNotExist if no coordinator has published one.
func ReadDiscovery(dataDir string) (Discovery, error) {
	var d Discovery
	if _, err := toml.DecodeFile(DiscoveryPath(dataDir), &d); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Discovery{}, os.ErrNotExist
		}
		return Discovery{}, fmt.Errorf("read discovery: %w", err)
	}
	return d, nil
}

// RemoveDiscovery removes the discovery file (best-effort).
func RemoveDiscovery(dataDir string) {
	os.Remove(DiscoveryPath(dataDir)) //nolint:errcheck // best-effort cleanup on shutdown
}
