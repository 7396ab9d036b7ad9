package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/manifest"
)

func writeTestPlugin(t *testing.T, dir string) {
	t.Helper()
	raw, err := manifest.Manifest{Name: "echo", Version: "0.1.0", WasmRoot: "plugin.wasm"}.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string][]byte{
		manifest.FileName:                   raw,
		"plugin.wasm":                       []byte("\x00asm\x01\x00\x00\x00"),
		filepath.Join("assets", "index.js"): []byte("console.log(1)"),
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestPluginTarUntar_RoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "echo")
	writeTestPlugin(t, src)
	archive := filepath.Join(t.TempDir(), "echo.tar.gz")

	if code := runTarCommand(context.Background(), "plugin", []string{src, "-o", archive}); code != 0 {
		t.Fatalf("tar exit %d", code)
	}
	out := filepath.Join(t.TempDir(), "unpacked")
	if code := runUntarCommand(context.Background(), "plugin", []string{archive, "-o", out}); code != 0 {
		t.Fatalf("untar exit %d", code)
	}
	m, err := manifest.Load(out)
	if err != nil || m.Name != "echo" {
		t.Fatalf("unpacked manifest = %+v, %v", m, err)
	}
	got, err := os.ReadFile(filepath.Join(out, "assets", "index.js"))
	if err != nil || string(got) != "console.log(1)" {
		t.Fatalf("asset = %q, %v", got, err)
	}
}

func TestTarCommand_RejectsWrongKind(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(t.TempDir(), "x.tar.gz")
	if code := runTarCommand(context.Background(), "plugin", []string{dir, "-o", archive}); code != 1 {
		t.Fatalf("plugin tar of an empty dir: exit %d, want 1", code)
	}
	if code := runTarCommand(context.Background(), "daemon", []string{dir, "-o", archive}); code != 1 {
		t.Fatalf("daemon tar of an empty dir: exit %d, want 1", code)
	}
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Fatalf("archive written for a rejected source: %v", err)
	}
}

func TestDaemonTar(t *testing.T) {
	dir := t.TempDir()
	id, err := identity.Generate(identity.VariantLocal, "", "pw")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := id.Save(filepath.Join(dir, identity.FileName)); err != nil {
		t.Fatalf("save: %v", err)
	}
	archive := filepath.Join(t.TempDir(), "daemon.tar.gz")
	if code := runTarCommand(context.Background(), "daemon", []string{dir, "-o", archive}); code != 0 {
		t.Fatalf("tar exit %d", code)
	}
	out := t.TempDir()
	if code := runUntarCommand(context.Background(), "daemon", []string{archive, "-o", out}); code != 0 {
		t.Fatalf("untar exit %d", code)
	}
	loaded, err := identity.Load(out)
	if err != nil || loaded.PublicKey != id.PublicKey {
		t.Fatalf("unpacked identity = %+v, %v", loaded, err)
	}
}

func TestArchiveArgs(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"src"},
		{"-o", "out"},
		{"a", "b", "-o", "out"},
	} {
		if _, err := parseArchiveArgs("plugin tar", args); err == nil {
			t.Errorf("args %v accepted", args)
		}
	}
	a, err := parseArchiveArgs("plugin tar", []string{"-o", "out.tar.gz", "src"})
	if err != nil || a.src != "src" || a.out != "out.tar.gz" {
		t.Fatalf("args = %+v, %v", a, err)
	}
}
