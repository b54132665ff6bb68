// Package archive packs batch directories into a single compressed blob
// for transfer and unpacks them on the other side.
package archive

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/zeebo/blake3"
)

// ErrUnsafePath is returned when a blob names a path outside the
// extraction root.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Entry is one top-level item to pack: Path on disk stored under Name.
type Entry struct {
	Name string
	Path string
}

// Archiver converts directory trees to and from opaque blobs.
type Archiver interface {
	Pack(ctx context.Context, entries []Entry) ([]byte, error)
	Unpack(ctx context.Context, blob []byte, dst string) error
}

// Digest returns the hex BLAKE3 digest of blob.
func Digest(blob []byte) string {
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
