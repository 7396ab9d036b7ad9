// Package manifest describes a plugin: its name, component binary, storage
// and asset roots, and the menu entries an operator UI shows for it.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FileName is the manifest file inside a plugin directory.
const FileName = "plugin.json"

const (
	DefaultAssetsRoot  = "assets"
	DefaultStorageRoot = "storage"
)

var ErrInvalid = errors.New("invalid plugin manifest")

//go:embed schema.json
var schemaJSON []byte

type Entry struct {
	Label  string `json:"label"`
	Icon   string `json:"icon"`
	Href   string `json:"href"`
	Target string `json:"target"`
}

// Manifest is the plugin.json document. Address is filled in by the plugin
// process once its listener is bound.
type Manifest struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	WasmRoot      string  `json:"wasm_root"`
	AssetsRoot    string  `json:"assets_root"`
	StorageRoot   string  `json:"storage_root"`
	Entries       []Entry `json:"entries"`
	Address       string  `json:"address,omitempty"`
	DaemonAddress string  `json:"daemon_address,omitempty"`
	RegistAddress string  `json:"regist_address,omitempty"`
}

// RegisteredPlugin is the daemon's view of a live plugin.
type RegisteredPlugin struct {
	Addr     string   `json:"addr"`
	Manifest Manifest `json:"manifest"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plugin.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("plugin.schema.json")
	})
	return schema, schemaErr
}

// Parse validates raw against the manifest schema, decodes it and fills in
// default roots.
func Parse(raw []byte) (Manifest, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Manifest{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sch.Validate(doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Load reads plugin.json from a plugin directory, or from the file itself
// when path is not a directory.
func Load(path string) (Manifest, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(raw)
}

func (m *Manifest) applyDefaults() {
	if m.AssetsRoot == "" {
		m.AssetsRoot = DefaultAssetsRoot
	}
	if m.StorageRoot == "" {
		m.StorageRoot = DefaultStorageRoot
	}
	if m.Entries == nil {
		m.Entries = []Entry{}
	}
}

// Validate checks the invariants the schema cannot express: every root is
// a relative path that stays inside the plugin directory.
func (m Manifest) Validate() error {
	if err := CheckName(m.Name); err != nil {
		return fmt.Errorf("%w: name: %v", ErrInvalid, err)
	}
	for field, p := range map[string]string{
		"wasm_root":    m.WasmRoot,
		"assets_root":  m.AssetsRoot,
		"storage_root": m.StorageRoot,
	} {
		if err := checkRelative(p); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
		}
	}
	return nil
}

// CheckName reports whether name can be used as a single directory name
// under plugins/ and .cache/.
func CheckName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("empty")
	case name == "." || name == "..":
		return fmt.Errorf("%q is not a plugin name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%q contains a path separator", name)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return fmt.Errorf("%q contains a control character", name)
	}
	return nil
}

func checkRelative(p string) error {
	if p == "" {
		return errors.New("empty path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %q", p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the plugin directory", p)
	}
	return nil
}

func (m Manifest) WasmPath(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(m.WasmRoot))
}

func (m Manifest) AssetsPath(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(m.AssetsRoot))
}

func (m Manifest) StoragePath(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(m.StorageRoot))
}

// Marshal encodes m so that Parse accepts it again.
func (m Manifest) Marshal() ([]byte, error) {
	if m.Entries == nil {
		m.Entries = []Entry{}
	}
	return json.Marshal(m)
}
