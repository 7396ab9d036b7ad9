// Package daemon ties the daemon's identity, plugin registry, operator
// channels and locally hosted plugins together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/bus"
	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/confirm"
	"github.com/basket/plat/internal/control"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/locktable"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/registry"
)

// Layout of a daemon directory.
const (
	PluginsDir = "plugins"
	CacheDir   = ".cache"
)

var ErrAlreadyInitialized = errors.New("daemon directory already initialized")

// Init creates dir with a fresh identity and an empty plugins directory.
// An existing daemon.json is never overwritten.
func Init(dir string, variant identity.Variant, address, password string) (*identity.DaemonIdentity, error) {
	path := filepath.Join(dir, identity.FileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, path)
	}
	id, err := identity.Generate(variant, address, password)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, PluginsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

type Config struct {
	// Dir holds daemon.json, plugins/ and the install cache.
	Dir string
	// Identity is loaded from Dir when nil.
	Identity *identity.DaemonIdentity
	Settings config.Config

	Bus *bus.Bus
	// Locks is the advisory lock table shared by every hosted plugin. A
	// fresh table is created when nil.
	Locks   *locktable.Table
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Daemon struct {
	dir      string
	id       *identity.DaemonIdentity
	settings config.Config

	bus     *bus.Bus
	locks   *locktable.Table
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	registry *registry.Registry
	protocol *registry.Protocol
	poller   *registry.Poller
	control  *control.Server
	broker   *confirm.Broker
	client   *http.Client

	mu      sync.Mutex
	ctx     context.Context
	address string
	hosted  map[string]*hostedPlugin
	pending map[string]struct{}

	pushSub *bus.Subscription
	pushWG  sync.WaitGroup
}

func New(cfg Config) (*Daemon, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.Locks == nil {
		cfg.Locks = locktable.New()
	}
	id := cfg.Identity
	if id == nil {
		loaded, err := identity.Load(cfg.Dir)
		if err != nil {
			return nil, err
		}
		id = loaded
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, PluginsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}

	s := cfg.Settings
	d := &Daemon{
		dir:      cfg.Dir,
		id:       id,
		settings: s,
		bus:      cfg.Bus,
		locks:    cfg.Locks,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		ctx:      context.Background(),
		hosted:   map[string]*hostedPlugin{},
		pending:  map[string]struct{}{},
	}
	d.registry = registry.New(registry.Config{
		Bus:     cfg.Bus,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger.With("component", "registry"),
	})
	d.protocol = registry.NewProtocol(d.registry, registry.ProtocolConfig{
		Greeting:       s.RegistrationGreeting,
		PublicKey:      id.PublicKey,
		PingInterval:   s.Liveness.PingInterval(),
		SilenceTimeout: s.Liveness.SilenceTimeout(),
		AllowOrigins:   s.AllowOrigins,
		Logger:         cfg.Logger.With("component", "registry"),
	})
	poller, err := registry.NewPoller(d.registry, registry.PollerConfig{
		Schedule: s.Liveness.PollSchedule,
		Client:   d.client,
		Logger:   cfg.Logger.With("component", "poller"),
	})
	if err != nil {
		return nil, err
	}
	d.poller = poller
	d.control = control.NewServer(control.ServerConfig{
		Profile:        s.HandshakeProfile,
		Password:       id.Password,
		PingInterval:   s.Control.PingInterval(),
		ReceiveTimeout: s.Control.ReceiveTimeout(),
		AllowOrigins:   s.AllowOrigins,
		Snapshot:       d.SnapshotEnvelope,
		Bus:            cfg.Bus,
		Metrics:        cfg.Metrics,
		Logger:         cfg.Logger.With("component", "control"),
	})
	d.broker = confirm.NewBroker(confirm.BrokerConfig{
		Channels: d.control,
		Bus:      cfg.Bus,
		Metrics:  cfg.Metrics,
		Tracer:   cfg.Tracer,
		Logger:   cfg.Logger.With("component", "confirm"),
	})
	return d, nil
}

func (d *Daemon) Identity() *identity.DaemonIdentity { return d.id }

func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Locks is the lock table every hosted plugin serializes on.
func (d *Daemon) Locks() *locktable.Table { return d.locks }

// RegistrationHandler serves /api/regist websocket upgrades.
func (d *Daemon) RegistrationHandler() http.Handler { return d.protocol }

// ControlHandler serves /api/connect.
func (d *Daemon) ControlHandler() http.Handler { return d.control }

func (d *Daemon) Control() *control.Server { return d.control }

func (d *Daemon) Dir() string { return d.dir }

// Address is the daemon's own http address, known once Start has run.
func (d *Daemon) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Start records the address the daemon is reachable on, starts the poller
// and the snapshot pusher, and brings up every installed plugin. Hosted
// plugins live until ctx ends or Shutdown is called. A plugin that fails to
// start is logged and skipped.
func (d *Daemon) Start(ctx context.Context, address string) error {
	d.mu.Lock()
	d.ctx = ctx
	d.address = address
	d.mu.Unlock()

	d.poller.Start(ctx)
	d.pushSub = d.bus.SubscribeBuffered("plugin.", 64)
	d.pushWG.Add(1)
	go d.pushSnapshots(ctx, d.pushSub)

	started, err := d.StartInstalled(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("daemon started", "addr", address, "public_key", d.id.PublicKey, "installed", started)
	return nil
}

// StartInstalled starts every directory under plugins/ that holds a valid
// manifest and returns how many came up.
func (d *Daemon) StartInstalled(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(filepath.Join(d.dir, PluginsDir))
	if err != nil {
		return 0, fmt.Errorf("read plugins dir: %w", err)
	}
	var (
		g       errgroup.Group
		mu      sync.Mutex
		started int
	)
	g.SetLimit(4)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(d.dir, PluginsDir, e.Name())
		g.Go(func() error {
			if _, err := manifest.Load(dir); err != nil {
				d.logger.Warn("skipping plugin directory", "dir", dir, "error", err)
				return nil
			}
			if err := d.startLocal(ctx, dir); err != nil {
				d.logger.Error("installed plugin failed to start", "dir", dir, "error", err)
				return nil
			}
			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	return started, g.Wait()
}

func (d *Daemon) pushSnapshots(ctx context.Context, sub *bus.Subscription) {
	defer d.pushWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			d.PushSnapshot(ctx)
		}
	}
}

// Snapshot is the daemon state operators see.
func (d *Daemon) Snapshot() confirm.Snapshot {
	return confirm.Snapshot{PublicKey: d.id.PublicKey, Plugins: d.registry.List()}
}

func (d *Daemon) SnapshotEnvelope() (confirm.Envelope, error) {
	return confirm.NewEnvelope(confirm.TypeDaemon, d.Snapshot())
}

// PushSnapshot sends the current snapshot to every operator channel and
// returns how many received it.
func (d *Daemon) PushSnapshot(ctx context.Context) int {
	if d.control.Len() == 0 {
		return 0
	}
	env, err := d.SnapshotEnvelope()
	if err != nil {
		d.logger.Error("build snapshot", "error", err)
		return 0
	}
	return d.control.Broadcast(ctx, env)
}

type Stats struct {
	Operators int    `json:"operators"`
	DenyCount int64  `json:"deny_count"`
	Config    string `json:"config"`
}

// Info is the GET /api document.
type Info struct {
	Daemon  identity.PublicIdentity     `json:"daemon"`
	Plugins []manifest.RegisteredPlugin `json:"plugins"`
	Stats   Stats                       `json:"stats"`
}

func (d *Daemon) Info() Info {
	return Info{
		Daemon:  d.id.Public(),
		Plugins: d.registry.List(),
		Stats: Stats{
			Operators: d.control.Len(),
			DenyCount: audit.DenyCount(),
			Config:    d.settings.Fingerprint(),
		},
	}
}

// RegisterPull registers the plugin served at addr as poll-tracked.
func (d *Daemon) RegisterPull(ctx context.Context, addr string) (manifest.RegisteredPlugin, error) {
	h, err := d.registry.RegisterPull(ctx, d.client, addr)
	if err != nil {
		return manifest.RegisteredPlugin{}, err
	}
	return h.Plugin(), nil
}

// Shutdown stops the poller and every hosted plugin, and closes operator
// channels.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.poller.Stop()
	d.mu.Lock()
	hosted := make([]*hostedPlugin, 0, len(d.hosted))
	for name, hp := range d.hosted {
		hosted = append(hosted, hp)
		delete(d.hosted, name)
	}
	d.mu.Unlock()
	for _, hp := range hosted {
		hp.stop(ctx, registry.ReasonShutdown)
	}
	for _, h := range d.registry.Handles(registry.SourceSocket) {
		h.Deregister(registry.ReasonShutdown)
	}
	d.control.CloseAll("daemon shutting down")
	if d.pushSub != nil {
		d.bus.Unsubscribe(d.pushSub)
		d.pushWG.Wait()
	}
	d.logger.Info("daemon stopped")
}
