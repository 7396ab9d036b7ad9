package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/plat/internal/audit"
	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/pluginserver"
	"github.com/basket/plat/internal/registry"
	"github.com/basket/plat/internal/sandbox/wasm"
	"github.com/basket/plat/internal/telemetry"
)

func printPluginUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: plat plugin serve <path> -d <daemon_address> [-r <regist_address>] [-p port] [-host H] [-pull] [-watch]")
	fmt.Fprintln(w, "       plat plugin tar <dir> -o <file>")
	fmt.Fprintln(w, "       plat plugin untar <file> -o <dir>")
}

func runPluginCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printPluginUsage(os.Stderr)
		return 2
	}
	if isHelpArg(args[0]) {
		printPluginUsage(os.Stdout)
		return 0
	}
	switch args[0] {
	case "serve":
		return runPluginServe(ctx, args[1:])
	case "tar":
		return runTarCommand(ctx, "plugin", args[1:])
	case "untar":
		return runUntarCommand(ctx, "plugin", args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown plugin action %q\n", args[0])
		printPluginUsage(os.Stderr)
		return 2
	}
}

type pluginServeOptions struct {
	path          string
	daemonAddress string
	registAddress string
	host          string
	port          int
	pull          bool
	watch         bool
}

func parsePluginServeArgs(args []string) (pluginServeOptions, error) {
	fs := newFlagSet("plugin serve", printPluginUsage)
	d := fs.String("d", "", "daemon address (http://host:port); defaults to the manifest's daemon_address")
	r := fs.String("r", "", "address advertised to the daemon; defaults to the listener address")
	host := fs.String("host", "127.0.0.1", "listen host")
	port := fs.Int("p", 0, "listen port (0 picks a free port)")
	pull := fs.Bool("pull", false, "register for polling instead of keeping a registration socket open")
	watch := fs.Bool("watch", false, "recompile the component when it changes on disk")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return pluginServeOptions{}, err
	}
	if len(positional) != 1 {
		return pluginServeOptions{}, errors.New("usage: plat plugin serve <path> -d <daemon_address>")
	}
	if *port < 0 || *port > 65535 {
		return pluginServeOptions{}, fmt.Errorf("-p %d: port out of range", *port)
	}
	opts := pluginServeOptions{
		path:          positional[0],
		registAddress: *r,
		host:          *host,
		port:          *port,
		pull:          *pull,
		watch:         *watch,
	}
	if *d != "" {
		opts.daemonAddress = daemonURL(*d)
	}
	return opts, nil
}

// pluginStartupCode classifies a pluginserver.New failure.
func pluginStartupCode(err error) string {
	switch {
	case wasm.FaultReason(err) == wasm.FaultCompile:
		return "E_COMPONENT_COMPILE"
	case pluginserver.IsManifestError(err):
		return "E_MANIFEST_LOAD"
	default:
		return "E_LISTENER_BIND"
	}
}

func runPluginServe(ctx context.Context, args []string) int {
	opts, err := parsePluginServeArgs(args)
	if err != nil {
		if code := flagExit(err); code == 0 {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, false, "plugin")
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

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

	srv, err := pluginserver.New(ctx, opts.path, pluginserver.Options{
		DaemonAddress: opts.daemonAddress,
		RegistAddress: opts.registAddress,
		BindHost:      opts.host,
		Port:          opts.port,
		Watch:         opts.watch,
		Sandbox:       cfg.Sandbox,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        provider.TracerOrNoop(),
	})
	if err != nil {
		code := pluginStartupCode(err)
		if code == "E_LISTENER_BIND" && isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(fmt.Sprintf("%s:%d", opts.host, opts.port)))
		}
		fatalStartup(logger, code, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(closeCtx)
	}()
	m := srv.Manifest()

	if err := srv.RunLifecycle(ctx); err != nil {
		fatalStartup(logger, "E_LIFECYCLE_HOOK", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	daemonAddr := opts.daemonAddress
	if daemonAddr == "" && m.DaemonAddress != "" {
		daemonAddr = daemonURL(m.DaemonAddress)
	}
	switch {
	case daemonAddr == "":
		logger.Warn("no daemon address; serving without registration", "addr", m.Address)
	case opts.pull:
		rp, err := pluginserver.RegisterPull(gctx, &http.Client{Timeout: 10 * time.Second}, daemonAddr, m.Address)
		if err != nil {
			fatalStartup(logger, "E_REGISTRATION", err)
		}
		logger.Info("plugin registered for polling", "daemon", daemonAddr, "addr", rp.Addr)
	default:
		reg, err := pluginserver.Register(gctx, daemonAddr, m, pluginserver.RegisterOptions{
			PingInterval:   cfg.Liveness.PingInterval(),
			SilenceTimeout: cfg.Liveness.SilenceTimeout(),
			Logger:         logger,
		})
		if err != nil {
			fatalStartup(logger, "E_REGISTRATION", err)
		}
		if key := reg.DaemonKey(); key != "" {
			srv.SetDaemonKey(key)
		}
		logger.Info("plugin registered", "daemon", daemonAddr, "addr", m.Address)
		g.Go(func() error {
			select {
			case <-gctx.Done():
				_ = reg.Close()
				return nil
			case <-reg.Done():
			}
			err := reg.Err()
			if err == nil {
				return nil
			}
			if errors.Is(err, registry.ErrConflict) {
				audit.Record(audit.Deny, "registry.register", "duplicate name", m.Name)
			}
			logger.Error("registration ended", "reason_code", "E_REGISTRATION", "error", err)
			return fmt.Errorf("registration ended: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("plugin stopped with error", "error", err)
		return 1
	}
	logger.Info("plugin stopped")
	return 0
}
