package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/daemon"
	"github.com/basket/plat/internal/gateway"
	"github.com/basket/plat/internal/identity"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/telemetry"
)

func printDaemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: plat daemon init [-dir D] [-variant Local|Remote|Hybrid] [-address A] [-password P]")
	fmt.Fprintln(w, "       plat daemon serve [-addr host:port]")
	fmt.Fprintln(w, "       plat daemon status")
	fmt.Fprintln(w, "       plat daemon tar <dir> -o <file>")
	fmt.Fprintln(w, "       plat daemon untar <file> -o <dir>")
}

func runDaemonCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printDaemonUsage(os.Stderr)
		return 2
	}
	if isHelpArg(args[0]) {
		printDaemonUsage(os.Stdout)
		return 0
	}
	switch args[0] {
	case "init":
		return runDaemonInit(args[1:])
	case "serve":
		return runDaemonServe(ctx, args[1:])
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "tar":
		return runTarCommand(ctx, "daemon", args[1:])
	case "untar":
		return runUntarCommand(ctx, "daemon", args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon action %q\n", args[0])
		printDaemonUsage(os.Stderr)
		return 2
	}
}

type daemonInitOptions struct {
	dir      string
	variant  identity.Variant
	address  string
	password string
}

func parseDaemonInitArgs(args []string, defaultDir string) (daemonInitOptions, error) {
	fs := newFlagSet("daemon init", printDaemonUsage)
	dir := fs.String("dir", defaultDir, "daemon directory")
	variant := fs.String("variant", string(identity.VariantLocal), "Local, Remote or Hybrid")
	address := fs.String("address", "", "address the daemon is reached on (required unless Local)")
	password := fs.String("password", "", "operator password (random when empty)")
	if err := fs.Parse(args); err != nil {
		return daemonInitOptions{}, err
	}
	if fs.NArg() != 0 {
		return daemonInitOptions{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	v, err := identity.ParseVariant(*variant)
	if err != nil {
		return daemonInitOptions{}, err
	}
	if *dir == "" {
		return daemonInitOptions{}, errors.New("-dir is required")
	}
	return daemonInitOptions{dir: *dir, variant: v, address: *address, password: *password}, nil
}

func runDaemonInit(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	opts, err := parseDaemonInitArgs(args, cfg.DaemonDir)
	if err != nil {
		if code := flagExit(err); code == 0 {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	id, err := daemon.Init(opts.dir, opts.variant, opts.address, opts.password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon init: %v\n", err)
		return 1
	}
	if cfg.NeedsInit || opts.dir != cfg.DaemonDir {
		cfg.DaemonDir = opts.dir
		if err := config.Save(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "write config.yaml: %v\n", err)
			return 1
		}
	}

	fmt.Printf("daemon initialized in %s\n", opts.dir)
	fmt.Printf("  variant:    %s\n", id.Variant)
	if id.Address != "" {
		fmt.Printf("  address:    %s\n", id.Address)
	}
	fmt.Printf("  public key: %s\n", id.PublicKey)
	fmt.Printf("  password:   %s\n", id.Password)
	fmt.Println("Keep the password: operators need it to approve installs, deletes and signatures.")
	return 0
}

func runDaemonServe(ctx context.Context, args []string) int {
	fs := newFlagSet("daemon serve", printDaemonUsage)
	bind := fs.String("addr", "", "listen address, overrides bind_addr")
	if err := fs.Parse(args); err != nil {
		return flagExit(err)
	}
	if fs.NArg() != 0 {
		printDaemonUsage(os.Stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *bind != "" {
		cfg.BindAddr = *bind
	}

	// Audit comes up before the logger so a logger failure is still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, false, "daemon")
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "daemon_dir", cfg.DaemonDir, "fingerprint", cfg.Fingerprint())

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	d, err := daemon.New(daemon.Config{
		Dir:      cfg.DaemonDir,
		Settings: cfg,
		Metrics:  metrics,
		Tracer:   provider.TracerOrNoop(),
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_DAEMON_LOAD", fmt.Errorf("%w (run `plat daemon init` first)", err))
	}
	logger.Info("startup phase", "phase", "identity_loaded", "public_key", d.Identity().PublicKey, "variant", d.Identity().Variant)

	gw := gateway.New(gateway.Config{
		Daemon:         d,
		CORS:           cfg.CORS,
		RateLimit:      cfg.RateLimit,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		StaticDir:      cfg.StaticDir,
		Logger:         logger.With("component", "gateway"),
		Metrics:        metrics,
	})

	if len(cfg.AllowOrigins) == 0 && !isLoopbackBind(cfg.BindAddr) {
		logger.Warn("daemon bound beyond loopback with allow_origins empty; any browser origin may open operator sockets",
			"bind_addr", cfg.BindAddr)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	address := daemonURL(ln.Addr().String())
	logger.Info("startup phase", "phase", "listener_bound", "addr", address)

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := d.Start(gctx, address); err != nil {
		logger.Error("installed plugins not started", "error", err)
	}
	gw.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)

	watcher := config.NewWatcher(cfg.HomeDir, level, logger.With("component", "config"))
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			for ev := range watcher.Events() {
				if ev.Err != nil {
					continue
				}
				if ev.Config.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config.yaml changed; log level applied, other settings apply on restart",
						"fingerprint", ev.Config.Fingerprint())
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		d.Shutdown(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
