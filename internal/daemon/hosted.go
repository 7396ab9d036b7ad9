package daemon

import (
	"context"
	"fmt"

	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/pluginserver"
	"github.com/basket/plat/internal/registry"
)

// hostedPlugin is an installed plugin served by this process.
type hostedPlugin struct {
	dir    string
	server *pluginserver.Server
	handle *registry.Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// stop ends serving, releases the runtime and drops the registration.
func (hp *hostedPlugin) stop(ctx context.Context, reason string) {
	hp.cancel()
	<-hp.done
	_ = hp.server.Close(ctx)
	hp.handle.Deregister(reason)
}

// startLocal brings up the plugin in dir on an ephemeral loopback port and
// registers it. It runs the lifecycle hook before registering.
func (d *Daemon) startLocal(ctx context.Context, dir string) error {
	d.mu.Lock()
	base, address := d.ctx, d.address
	d.mu.Unlock()

	srv, err := pluginserver.New(ctx, dir, pluginserver.Options{
		DaemonAddress: address,
		Sandbox:       d.settings.Sandbox,
		Locks:         d.locks,
		Logger:        d.logger.With("component", "plugin"),
		Metrics:       d.metrics,
		Tracer:        d.tracer,
	})
	if err != nil {
		return err
	}
	srv.SetDaemonKey(d.id.PublicKey)
	if err := srv.RunLifecycle(ctx); err != nil {
		_ = srv.Close(ctx)
		return err
	}
	m := srv.Manifest()
	h, err := d.registry.Register(ctx, manifest.RegisteredPlugin{Addr: m.Address, Manifest: m}, registry.SourceLocal)
	if err != nil {
		_ = srv.Close(ctx)
		return fmt.Errorf("register %s: %w", m.Name, err)
	}

	serveCtx, cancel := context.WithCancel(base)
	hp := &hostedPlugin{dir: dir, server: srv, handle: h, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(hp.done)
		if err := srv.Serve(serveCtx); err != nil {
			d.logger.Error("hosted plugin stopped serving", "plugin", m.Name, "error", err)
		}
	}()

	d.mu.Lock()
	d.hosted[m.Name] = hp
	d.mu.Unlock()
	return nil
}

// takeHosted removes name from the hosted set and returns it.
func (d *Daemon) takeHosted(name string) (*hostedPlugin, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hp, ok := d.hosted[name]
	if ok {
		delete(d.hosted, name)
	}
	return hp, ok
}

// Hosted lists the names of plugins served by this process.
func (d *Daemon) Hosted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.hosted))
	for name := range d.hosted {
		out = append(out, name)
	}
	return out
}
