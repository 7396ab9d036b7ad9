package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/basket/plat/internal/bundle"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func rawArchive(t *testing.T, entries []tar.Header, bodies []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for i := range entries {
		h := entries[i]
		body := bodies[i]
		if h.Typeflag == tar.TypeSymlink || h.Typeflag == tar.TypeLink {
			body = ""
		}
		h.Size = int64(len(body))
		if h.Mode == 0 {
			h.Mode = 0o644
		}
		if err := tw.WriteHeader(&h); err != nil {
			t.Fatalf("header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("body: %v", err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"plugin.json":       `{"name":"x"}`,
		"bin/x.wasm":        "\x00asm",
		"assets/index.html": "<h1>x</h1>",
	})
	if err := os.MkdirAll(filepath.Join(src, "storage"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(src, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "out", "plugin.tar.gz")
	if err := bundle.PackFile(context.Background(), src, archive); err != nil {
		t.Fatalf("pack: %v", err)
	}
	dest := t.TempDir()
	if err := bundle.UnpackFile(context.Background(), archive, dest); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "assets", "index.html"))
	if err != nil || string(got) != "<h1>x</h1>" {
		t.Fatalf("unexpected asset: %q %v", got, err)
	}
	if info, err := os.Stat(filepath.Join(dest, "storage")); err != nil || !info.IsDir() {
		t.Fatalf("empty directory not preserved: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dest, "link")); !os.IsNotExist(err) {
		t.Fatalf("symlink must not be packed, got %v", err)
	}
}

func TestUnpack_RejectsTraversalAndLinks(t *testing.T) {
	cases := map[string][]tar.Header{
		"dotdot":   {{Name: "../evil.txt", Typeflag: tar.TypeReg}},
		"nested":   {{Name: "a/../../evil.txt", Typeflag: tar.TypeReg}},
		"symlink":  {{Name: "l", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}},
		"hardlink": {{Name: "h", Typeflag: tar.TypeLink, Linkname: "plugin.json"}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			raw := rawArchive(t, entries, []string{"x"})
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			err := bundle.Unpack(context.Background(), bytes.NewReader(raw), dest)
			if !errors.Is(err, bundle.ErrUnsafePath) {
				t.Fatalf("expected ErrUnsafePath, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(err) {
				t.Fatalf("file escaped destination")
			}
		})
	}
}

func TestUnpackLimited_EnforcesLimits(t *testing.T) {
	raw := rawArchive(t, []tar.Header{
		{Name: "a", Typeflag: tar.TypeReg},
		{Name: "b", Typeflag: tar.TypeReg},
	}, []string{"12345", "12345"})

	if err := bundle.UnpackLimited(context.Background(), bytes.NewReader(raw), t.TempDir(), bundle.Limits{MaxFiles: 1}); err == nil {
		t.Fatalf("expected file count error")
	}
	if err := bundle.UnpackLimited(context.Background(), bytes.NewReader(raw), t.TempDir(), bundle.Limits{MaxFileBytes: 4}); err == nil {
		t.Fatalf("expected file size error")
	}
	if err := bundle.UnpackLimited(context.Background(), bytes.NewReader(raw), t.TempDir(), bundle.Limits{MaxTotal: 8}); err == nil {
		t.Fatalf("expected total size error")
	}
	if err := bundle.UnpackLimited(context.Background(), bytes.NewReader(raw), t.TempDir(), bundle.DefaultLimits); err != nil {
		t.Fatalf("unexpected error within limits: %v", err)
	}
}

func TestUnpack_CancelledContext(t *testing.T) {
	raw := rawArchive(t, []tar.Header{{Name: "a", Typeflag: tar.TypeReg}}, []string{"x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bundle.Unpack(ctx, bytes.NewReader(raw), t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnpack_NotGzip(t *testing.T) {
	if err := bundle.Unpack(context.Background(), bytes.NewReader([]byte("plain")), t.TempDir()); err == nil {
		t.Fatalf("expected gzip error")
	}
}
