package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxUnpacked bounds the decompressed size of one blob.
const DefaultMaxUnpacked = 1 << 30 // 1 GB

// TarZstd packs entries as a tar stream compressed with zstd.
type TarZstd struct {
	// Level is the zstd encoder level; zero means SpeedDefault.
	Level zstd.EncoderLevel
	// MaxUnpacked bounds the bytes Unpack will write; zero means DefaultMaxUnpacked.
	MaxUnpacked int64
}

// NewTarZstd returns a TarZstd archiver. level follows the zstd command
// line convention (1 fastest, 3 default, up to 22); zero selects the default.
func NewTarZstd(level int) *TarZstd {
	a := &TarZstd{}
	if level > 0 {
		a.Level = zstd.EncoderLevelFromZstd(level)
	}
	return a
}

// Pack walks every entry and writes it into one compressed tar blob.
// Entry names must be single path elements.
func (a *TarZstd) Pack(ctx context.Context, entries []Entry) ([]byte, error) {
	level := a.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		if !validName(e.Name) {
			zw.Close()
			return nil, fmt.Errorf("%w: %q", ErrUnsafePath, e.Name)
		}
		if err := addTree(ctx, tw, e); err != nil {
			zw.Close()
			return nil, fmt.Errorf("pack %s: %w", e.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return buf.Bytes(), nil
}

func addTree(ctx context.Context, tw *tar.Writer, e Entry) error {
	return filepath.WalkDir(e.Path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(e.Path, p)
		if err != nil {
			return err
		}
		name := e.Name
		if rel != "." {
			name = path.Join(e.Name, filepath.ToSlash(rel))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o755,
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			return addFile(tw, p, name, info)
		default:
			// Symlinks and devices have no place in a job directory.
			return nil
		}
	})
}

func addFile(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	f, err := os.Open(p) //nolint:gosec // G304: path comes from the spool walk
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s: %w", p, err)
	}
	return nil
}

// Unpack extracts blob into dst, creating it if needed. Entries that
// would land outside dst are rejected.
func (a *TarZstd) Unpack(ctx context.Context, blob []byte, dst string) error {
	limit := a.MaxUnpacked
	if limit <= 0 {
		limit = DefaultMaxUnpacked
	}

	zr, err := zstd.NewReader(bytes.NewReader(blob), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	tr := tar.NewReader(zr)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			written += hdr.Size
			if written > limit {
				return fmt.Errorf("archive expands beyond %d bytes", limit)
			}
			if err := extractFile(tr, target, hdr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry type %q for %s", ErrUnsafePath, hdr.Typeflag, hdr.Name)
		}
	}
}

func extractFile(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(hdr.Mode).Perm() //nolint:gosec // G115: masked to permission bits
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) //nolint:gosec // G304: target validated by safeJoin
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	return f.Close()
}

func safeJoin(dst, name string) (string, error) {
	clean := path.Clean(name)
	if path.IsAbs(name) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dst, filepath.FromSlash(clean)), nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`)
}
