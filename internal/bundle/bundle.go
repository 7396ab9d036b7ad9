// Package bundle packs a plugin or daemon directory into a .tar.gz and
// unpacks one safely.
package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrUnsafePath is returned for entries that would land outside the
// destination or that are links.
var ErrUnsafePath = errors.New("unsafe archive entry")

// ErrBadArchive is returned when the input is not a readable .tar.gz or
// exceeds the unpack limits.
var ErrBadArchive = errors.New("malformed archive")

// Limits bounds what Unpack will write.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
	MaxTotal     int64
}

// DefaultLimits fit any plugin the daemon is expected to host.
var DefaultLimits = Limits{
	MaxFiles:     10000,
	MaxFileBytes: 500 << 20,
	MaxTotal:     1 << 30,
}

// Pack writes every regular file and directory under srcDir to w. Symlinks
// are skipped.
func Pack(ctx context.Context, srcDir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 || !(info.IsDir() || info.Mode().IsRegular()) {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// PackFile packs srcDir into the file at dst.
func PackFile(ctx context.Context, srcDir, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := Pack(ctx, srcDir, f); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}
	return f.Close()
}

// Unpack extracts r into dest with DefaultLimits.
func Unpack(ctx context.Context, r io.Reader, dest string) error {
	return UnpackLimited(ctx, r, dest, DefaultLimits)
}

func UnpackLimited(ctx context.Context, r io.Reader, dest string, lim Limits) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: gzip: %v", ErrBadArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	var total int64
	root := filepath.Clean(dest) + string(os.PathSeparator)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: tar entry: %v", ErrBadArchive, err)
		}

		count++
		if lim.MaxFiles > 0 && count > lim.MaxFiles {
			return fmt.Errorf("%w: more than %d files", ErrBadArchive, lim.MaxFiles)
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			return fmt.Errorf("%w: link entry %s", ErrUnsafePath, hdr.Name)
		}

		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if filepath.Clean(target) == filepath.Clean(dest) {
			if hdr.Typeflag == tar.TypeDir {
				continue
			}
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		if !strings.HasPrefix(filepath.Clean(target), root) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			n, err := writeFile(tr, target, fs.FileMode(hdr.Mode), lim.MaxFileBytes)
			if err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			total += n
			if lim.MaxTotal > 0 && total > lim.MaxTotal {
				return fmt.Errorf("%w: more than %d bytes unpacked", ErrBadArchive, lim.MaxTotal)
			}
		}
	}
}

func writeFile(r io.Reader, target string, mode fs.FileMode, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode&0o777|0o600)
	if err != nil {
		return 0, err
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, closeErr
	}
	if limit > 0 && n > limit {
		return n, fmt.Errorf("file exceeds maximum size (%d bytes)", limit)
	}
	return n, nil
}

// UnpackFile extracts the archive at src into dest.
func UnpackFile(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return Unpack(ctx, f, dest)
}
