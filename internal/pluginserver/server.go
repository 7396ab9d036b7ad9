// Package pluginserver runs one plugin process: it hosts a wasm component
// behind an HTTP listener and registers the plugin with its daemon.
package pluginserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/locktable"
	"github.com/basket/plat/internal/manifest"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/sandbox/wasm"
)

const (
	// ManifestPath is served from the parsed manifest, bypassing the sandbox.
	ManifestPath = "/" + manifest.FileName
	// DaemonProxyPrefix is reverse-proxied to the daemon with the prefix
	// stripped.
	DaemonProxyPrefix = "/extern/daemon"
)

// Guest environment keys.
const (
	EnvDaemonAddress   = "daemon_address"
	EnvDaemonPublicKey = "daemon_public_key"
)

type Options struct {
	// DaemonAddress is the daemon's http(s) base address.
	DaemonAddress string
	// RegistAddress is the address advertised to the daemon. Empty uses the
	// listener address.
	RegistAddress string
	// BindHost defaults to 127.0.0.1; Port 0 picks a free port.
	BindHost string
	Port     int
	// Watch recompiles the component when it changes on disk.
	Watch bool

	Sandbox config.SandboxConfig
	Locks   *locktable.Table
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Server is a running plugin process.
type Server struct {
	dir      string
	manifest manifest.Manifest
	host     *wasm.Host
	listener net.Listener
	address  string
	daemon   *url.URL
	watch    bool
	logger   *slog.Logger
	http     *http.Server
}

// New loads the manifest at path (a plugin directory or its plugin.json),
// compiles the component and binds the listener. The returned server is not
// serving yet.
func New(ctx context.Context, path string, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dir := path
	if filepath.Base(path) == manifest.FileName {
		dir = filepath.Dir(path)
	}
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}
	if opts.DaemonAddress == "" {
		opts.DaemonAddress = m.DaemonAddress
	}
	if opts.RegistAddress == "" {
		opts.RegistAddress = m.RegistAddress
	}

	var daemon *url.URL
	if opts.DaemonAddress != "" {
		daemon, err = url.Parse(opts.DaemonAddress)
		if err != nil || daemon.Host == "" {
			return nil, fmt.Errorf("%w: daemon address %q", manifest.ErrInvalid, opts.DaemonAddress)
		}
	}

	locks := opts.Locks
	if locks == nil {
		locks = locktable.New()
	}
	logger := opts.Logger.With("plugin", m.Name)
	host, err := wasm.NewHost(ctx, wasm.Config{
		Name:             m.Name,
		WasmPath:         m.WasmPath(dir),
		StorageDir:       m.StoragePath(dir),
		AssetsDir:        m.AssetsPath(dir),
		Env:              map[string]string{EnvDaemonAddress: opts.DaemonAddress},
		Locks:            locks,
		Logger:           logger,
		Metrics:          opts.Metrics,
		Tracer:           opts.Tracer,
		MemoryLimitPages: opts.Sandbox.MemoryLimitPages,
		RequestTimeout:   opts.Sandbox.RequestTimeout(),
		MaxBodyBytes:     opts.Sandbox.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	bindHost := opts.BindHost
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprint(opts.Port)))
	if err != nil {
		_ = host.Close(ctx)
		return nil, fmt.Errorf("bind plugin listener: %w", err)
	}
	address := "http://" + ln.Addr().String()
	m.Address = address
	if opts.RegistAddress != "" {
		m.Address = strings.TrimRight(opts.RegistAddress, "/")
	}

	s := &Server{
		dir:      dir,
		manifest: m,
		host:     host,
		listener: ln,
		address:  address,
		daemon:   daemon,
		watch:    opts.Watch,
		logger:   logger,
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Manifest returns the manifest with Address set to the advertised address.
func (s *Server) Manifest() manifest.Manifest { return s.manifest }

// Address is the listener's own http address.
func (s *Server) Address() string { return s.address }

func (s *Server) Dir() string { return s.dir }

func (s *Server) Host() *wasm.Host { return s.host }

// SetDaemonKey exposes the daemon public key to instances created from now on.
func (s *Server) SetDaemonKey(key string) {
	s.host.SetEnv(EnvDaemonPublicKey, key)
}

// RunLifecycle runs the component's start hook, if it exports one.
func (s *Server) RunLifecycle(ctx context.Context) error {
	return s.host.RunLifecycle(ctx)
}

// Handler routes the manifest path and the daemon proxy, and sends every
// other request into the sandbox.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ManifestPath, s.handleManifest)
	if s.daemon != nil {
		mux.Handle(DaemonProxyPrefix+"/", s.daemonProxy())
	}
	mux.Handle("/", s.host)
	return MirrorCORS(mux)
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.manifest)
}

func (s *Server) daemonProxy() http.Handler {
	target := s.daemon
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = joinPath(target.Path, strings.TrimPrefix(pr.In.URL.Path, DaemonProxyPrefix))
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("daemon proxy failed", "path", r.URL.Path, "error", err)
			http.Error(w, "daemon unreachable", http.StatusBadGateway)
		},
	}
	return proxy
}

func joinPath(base, p string) string {
	if p == "" {
		p = "/"
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p, "/")
}

// Serve accepts requests until ctx ends, then shuts the listener down.
// In-flight requests get a short grace period.
func (s *Server) Serve(ctx context.Context) error {
	if s.watch {
		if err := wasm.NewReloader(s.host, s.logger).Start(ctx); err != nil {
			s.logger.Warn("component hot reload disabled", "error", err)
		}
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(s.listener) }()
	s.logger.Info("plugin serving", "addr", s.address, "advertised", s.manifest.Address)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return nil
	}
}

// Close stops serving and releases the wasm runtime.
func (s *Server) Close(ctx context.Context) error {
	_ = s.http.Close()
	_ = s.listener.Close()
	return s.host.Close(ctx)
}

// IsManifestError reports whether err came from a missing or invalid
// manifest rather than the component or the listener.
func IsManifestError(err error) bool {
	return errors.Is(err, manifest.ErrInvalid) || errors.Is(err, os.ErrNotExist)
}
