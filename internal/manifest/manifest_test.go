package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/plat/internal/manifest"
)

const sample = `{
  "name": "notes",
  "version": "0.1.0",
  "wasm_root": "bin/notes.wasm",
  "entries": [{"label": "Notes", "icon": "note.svg", "href": "/", "target": "_self"}]
}`

func TestParse_AppliesDefaults(t *testing.T) {
	m, err := manifest.Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.AssetsRoot != "assets" || m.StorageRoot != "storage" {
		t.Fatalf("expected default roots, got %q %q", m.AssetsRoot, m.StorageRoot)
	}
	if len(m.Entries) != 1 || m.Entries[0].Label != "Notes" {
		t.Fatalf("unexpected entries: %+v", m.Entries)
	}
	dir := filepath.Join("srv", "notes")
	if got := m.WasmPath(dir); got != filepath.Join(dir, "bin", "notes.wasm") {
		t.Fatalf("unexpected wasm path %q", got)
	}
	if got := m.StoragePath(dir); got != filepath.Join(dir, "storage") {
		t.Fatalf("unexpected storage path %q", got)
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"name":`,
		"missing name":     `{"version":"1","wasm_root":"a.wasm"}`,
		"empty name":       `{"name":"","version":"1","wasm_root":"a.wasm"}`,
		"slash in name":    `{"name":"a/b","version":"1","wasm_root":"a.wasm"}`,
		"dot name":         `{"name":".","version":"1","wasm_root":"a.wasm"}`,
		"dot-dot name":     `{"name":"..","version":"1","wasm_root":"a.wasm"}`,
		"control in name":  `{"name":"a\u0000b","version":"1","wasm_root":"a.wasm"}`,
		"wrong type":       `{"name":"a","version":1,"wasm_root":"a.wasm"}`,
		"absolute wasm":    `{"name":"a","version":"1","wasm_root":"/etc/a.wasm"}`,
		"escaping storage": `{"name":"a","version":"1","wasm_root":"a.wasm","storage_root":"../x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := manifest.Parse([]byte(raw)); !errors.Is(err, manifest.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCheckName(t *testing.T) {
	for _, name := range []string{"", "  ", ".", "..", "a/b", `a\b`, "a\nb", "x\x7f"} {
		if err := manifest.CheckName(name); err == nil {
			t.Errorf("CheckName(%q) accepted", name)
		}
	}
	for _, name := range []string{"echo", "my plugin", "...", ".hidden", "notes-1.2"} {
		if err := manifest.CheckName(name); err != nil {
			t.Errorf("CheckName(%q) = %v", name, err)
		}
	}
	m := manifest.Manifest{Name: "..", Version: "1", WasmRoot: "a.wasm", AssetsRoot: "assets", StorageRoot: "storage"}
	if err := m.Validate(); !errors.Is(err, manifest.ErrInvalid) {
		t.Fatalf("Validate with name .. = %v", err)
	}
}

func TestLoad_DirectoryOrFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, manifest.FileName)
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromDir, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	fromFile, err := manifest.Load(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if fromDir.Name != "notes" || fromFile.Name != "notes" {
		t.Fatalf("unexpected names %q %q", fromDir.Name, fromFile.Name)
	}
	if _, err := manifest.Load(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}

func TestMarshal_OmitsUnsetAddresses(t *testing.T) {
	m, _ := manifest.Parse([]byte(sample))
	raw, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := manifest.Parse(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Address != "" || again.Name != m.Name {
		t.Fatalf("unexpected reparse: %+v", again)
	}
}
