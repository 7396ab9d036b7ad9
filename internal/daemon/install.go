package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/basket/plat/internal/bundle"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/registry"
)

// ErrInstallPending is returned when an install of the same plugin name is
// already waiting for an operator.
var ErrInstallPending = errors.New("an install of this plugin is already pending")

// Deregistration reason for deleted plugins.
const ReasonDeleted = "deleted"

const archiveName = "plugin.tar.gz"

// PluginDir is where an installed plugin named name lives.
func (d *Daemon) PluginDir(name string) (string, error) {
	return childDir(filepath.Join(d.dir, PluginsDir), name)
}

// CachePath is the staging directory of a pending install of name.
func (d *Daemon) CachePath(name string) (string, error) {
	return childDir(filepath.Join(d.dir, CacheDir), name)
}

// childDir joins parent and the escaped name, and fails unless the result
// is a direct child of parent.
func childDir(parent, name string) (string, error) {
	if err := manifest.CheckName(name); err != nil {
		return "", fmt.Errorf("%w: name: %v", manifest.ErrInvalid, err)
	}
	dir := filepath.Join(parent, url.PathEscape(name))
	if filepath.Dir(dir) != filepath.Clean(parent) {
		return "", fmt.Errorf("%w: name %q leaves %s", manifest.ErrInvalid, name, parent)
	}
	return dir, nil
}

// Install stages the plugin archive read from archive, asks the operators
// and, on allow, moves it into plugins/ and starts it. It reports false when
// an operator denied the install. A denied or failed install leaves no
// trace in the cache.
func (d *Daemon) Install(ctx context.Context, archive io.Reader) (bool, error) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "daemon.install")
	defer span.End()

	cache, m, err := d.stage(ctx, archive)
	if err != nil {
		return false, err
	}
	span.SetAttributes(otel.AttrPluginName.String(m.Name))
	defer d.clearPending(m.Name)
	defer os.RemoveAll(cache)

	if _, hosted := d.lookupHosted(m.Name); !hosted {
		if _, taken := d.registry.Get(m.Name); taken {
			return false, registry.ErrConflict
		}
	}

	err = d.broker.Confirm(ctx, confirm.Request{
		Kind:    confirm.KindInstall,
		Key:     m.Name,
		Payload: confirm.PluginPayload{Name: m.Name, Plugin: m},
	})
	if errors.Is(err, confirm.ErrDenied) {
		d.logger.Info("plugin install denied", "plugin", m.Name)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	dir, err := d.commit(ctx, m.Name, filepath.Join(cache, "out"))
	if err != nil {
		return false, err
	}
	if err := d.startLocal(ctx, dir); err != nil {
		return false, fmt.Errorf("start %s: %w", m.Name, err)
	}
	d.logger.Info("plugin installed", "plugin", m.Name, "dir", dir)
	return true, nil
}

// stage writes the archive to a fresh upload directory, unpacks it, reads
// the manifest and moves the upload to the per-name cache path.
func (d *Daemon) stage(ctx context.Context, archive io.Reader) (string, manifest.Manifest, error) {
	upload := filepath.Join(d.dir, CacheDir, "upload-"+uuid.NewString())
	if err := os.MkdirAll(upload, 0o755); err != nil {
		return "", manifest.Manifest{}, fmt.Errorf("create upload dir: %w", err)
	}
	fail := func(err error) (string, manifest.Manifest, error) {
		_ = os.RemoveAll(upload)
		return "", manifest.Manifest{}, err
	}

	tarPath := filepath.Join(upload, archiveName)
	f, err := os.Create(tarPath)
	if err != nil {
		return fail(fmt.Errorf("create archive: %w", err))
	}
	_, err = io.Copy(f, archive)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(fmt.Errorf("receive archive: %w", err))
	}
	out := filepath.Join(upload, "out")
	if err := bundle.UnpackFile(ctx, tarPath, out); err != nil {
		return fail(err)
	}
	m, err := manifest.Load(out)
	if errors.Is(err, os.ErrNotExist) {
		return fail(fmt.Errorf("%w: archive has no %s", manifest.ErrInvalid, manifest.FileName))
	}
	if err != nil {
		return fail(err)
	}

	cache, err := d.CachePath(m.Name)
	if err != nil {
		return fail(err)
	}
	d.mu.Lock()
	_, busy := d.pending[m.Name]
	if !busy {
		d.pending[m.Name] = struct{}{}
	}
	d.mu.Unlock()
	if busy {
		return fail(ErrInstallPending)
	}
	_ = os.RemoveAll(cache)
	if err := os.Rename(upload, cache); err != nil {
		d.clearPending(m.Name)
		return fail(fmt.Errorf("stage %s: %w", m.Name, err))
	}
	return cache, m, nil
}

func (d *Daemon) clearPending(name string) {
	d.mu.Lock()
	delete(d.pending, name)
	d.mu.Unlock()
}

// commit replaces any installed copy of name with out, carrying the old
// storage directory over.
func (d *Daemon) commit(ctx context.Context, name, out string) (string, error) {
	if hp, ok := d.takeHosted(name); ok {
		hp.stop(ctx, "replaced")
	}
	dir, err := d.PluginDir(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err == nil {
		if old, err := manifest.Load(dir); err == nil {
			storage := old.StoragePath(dir)
			if _, err := os.Stat(storage); err == nil {
				target := filepath.Join(out, manifest.DefaultStorageRoot)
				if m, err := manifest.Load(out); err == nil {
					target = m.StoragePath(out)
				}
				_ = os.RemoveAll(target)
				if err := os.Rename(storage, target); err != nil {
					return "", fmt.Errorf("keep storage of %s: %w", name, err)
				}
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("remove old %s: %w", name, err)
		}
	}
	if err := os.Rename(out, dir); err != nil {
		return "", fmt.Errorf("install %s: %w", name, err)
	}
	return dir, nil
}

func (d *Daemon) lookupHosted(name string) (*hostedPlugin, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hp, ok := d.hosted[name]
	return hp, ok
}

// Delete asks the operators and, on allow, stops the installed plugin
// name, removes its directory and drops its registration. It reports false
// when an operator denied the delete.
func (d *Daemon) Delete(ctx context.Context, name string) (bool, error) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "daemon.delete", otel.AttrPluginName.String(name))
	defer span.End()

	dir, err := d.PluginDir(name)
	if err != nil {
		return false, registry.ErrNotFound
	}
	m, err := manifest.Load(dir)
	if err != nil {
		hp, ok := d.lookupHosted(name)
		if !ok {
			return false, registry.ErrNotFound
		}
		m = hp.server.Manifest()
	}

	err = d.broker.Confirm(ctx, confirm.Request{
		Kind:    confirm.KindDelete,
		Key:     name,
		Payload: confirm.PluginPayload{Name: name, Plugin: m},
	})
	if errors.Is(err, confirm.ErrDenied) {
		d.logger.Info("plugin delete denied", "plugin", name)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	hp, hosted := d.takeHosted(name)
	if hosted {
		hp.cancel()
		<-hp.done
		_ = hp.server.Close(ctx)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove %s: %w", name, err)
	}
	if hosted {
		hp.handle.Deregister(ReasonDeleted)
	}
	d.logger.Info("plugin deleted", "plugin", name)
	return true, nil
}
