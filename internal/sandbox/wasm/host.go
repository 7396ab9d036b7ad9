// Package wasm hosts one plugin component per Host. The component is
// compiled once; every request runs in a fresh instance that sees the
// request on stdin, writes a CGI response on stdout, and has the plugin's
// storage and assets directories mounted.
package wasm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/plat/internal/locktable"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/shared"
)

// DefaultMemoryLimitPages is 512 pages = 32MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 512

// DefaultRequestTimeout is the wall-clock limit for a single request.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps the request body handed to the guest.
const DefaultMaxBodyBytes = 10 << 20

// LockHeader names the advisory lock a request is serialized on.
const LockHeader = "lock-id"

// Mount points inside the guest filesystem.
const (
	StorageMount = "/storage"
	AssetsMount  = "/assets"
)

// Lifecycle hook exports, in lookup order.
var lifecycleHooks = []string{"on-start", "on_start", "on-init"}

type Config struct {
	// Name is the plugin name, used in logs, faults and the guest env.
	Name       string
	WasmPath   string
	StorageDir string
	AssetsDir  string
	// Env is added to every instance's environment.
	Env map[string]string

	Locks   *locktable.Table
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// MemoryLimitPages caps memory per instance (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// RequestTimeout caps wall-clock time per request. 0 uses DefaultRequestTimeout.
	RequestTimeout time.Duration
	// MaxBodyBytes caps the request body. 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// compiled is one generation of the component. A superseded generation is
// closed once its last in-flight instance finishes.
type compiled struct {
	mod        wazero.CompiledModule
	generation uint64

	mu      sync.Mutex
	refs    int
	retired bool
}

func (c *compiled) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return false
	}
	c.refs++
	return true
}

func (c *compiled) release(ctx context.Context) {
	c.mu.Lock()
	c.refs--
	closeNow := c.retired && c.refs == 0
	c.mu.Unlock()
	if closeNow {
		_ = c.mod.Close(ctx)
	}
}

func (c *compiled) retire(ctx context.Context) {
	c.mu.Lock()
	c.retired = true
	closeNow := c.refs == 0
	c.mu.Unlock()
	if closeNow {
		_ = c.mod.Close(ctx)
	}
}

type Host struct {
	name       string
	wasmPath   string
	storageDir string
	assetsDir  string

	envMu sync.RWMutex
	env   map[string]string

	locks   *locktable.Table
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	runtime        wazero.Runtime
	requestTimeout time.Duration
	maxBodyBytes   int64

	hostFunctions map[string]struct{}

	current    atomic.Pointer[compiled]
	generation atomic.Uint64
	reloadMu   sync.Mutex
}

// NewHost creates the runtime, links WASI and the plat capability module,
// creates the storage and assets directories, and compiles WasmPath.
// A compile failure is returned as a *Fault with reason WASM_COMPILE.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	for _, dir := range []string{cfg.StorageDir, cfg.AssetsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create plugin dir: %w", err)
		}
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		name:           cfg.Name,
		wasmPath:       cfg.WasmPath,
		storageDir:     cfg.StorageDir,
		assetsDir:      cfg.AssetsDir,
		env:            map[string]string{},
		locks:          cfg.Locks,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		runtime:        wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		requestTimeout: timeout,
		maxBodyBytes:   maxBody,
		hostFunctions:  map[string]struct{}{},
	}
	for k, v := range cfg.Env {
		h.env[k] = v
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	if err := h.instantiateHostModule(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if err := h.Reload(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (h *Host) Name() string { return h.name }

func (h *Host) WasmPath() string { return h.wasmPath }

// SetEnv adds or replaces one environment variable for instances created
// from now on.
func (h *Host) SetEnv(key, value string) {
	h.envMu.Lock()
	defer h.envMu.Unlock()
	h.env[key] = value
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

// Generation increments on every successful compile.
func (h *Host) Generation() uint64 {
	return h.generation.Load()
}

// Reload recompiles WasmPath. On failure the previous module stays active.
func (h *Host) Reload(ctx context.Context) error {
	wasmBytes, err := os.ReadFile(h.wasmPath)
	if err != nil {
		return &Fault{Reason: FaultCompile, Module: h.name, Detail: fmt.Sprintf("read component: %v", err)}
	}
	return h.Load(ctx, wasmBytes)
}

// Load compiles wasmBytes and makes it the active module.
func (h *Host) Load(ctx context.Context, wasmBytes []byte) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	mod, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return &Fault{Reason: FaultCompile, Module: h.name, Detail: err.Error()}
	}
	next := &compiled{mod: mod, generation: h.generation.Add(1)}
	if prev := h.current.Swap(next); prev != nil {
		prev.retire(ctx)
	}
	h.logger.Info("wasm component compiled", "plugin", h.name, "path", h.wasmPath, "generation", next.generation)
	return nil
}

func (h *Host) acquireCompiled() *compiled {
	for {
		c := h.current.Load()
		if c == nil {
			return nil
		}
		if c.acquire() {
			return c
		}
	}
}

func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

func (h *Host) moduleConfig(stdin io.Reader, stdout io.Writer, extra map[string]string) wazero.ModuleConfig {
	fsCfg := wazero.NewFSConfig()
	if h.storageDir != "" {
		fsCfg = fsCfg.WithDirMount(h.storageDir, StorageMount)
	}
	if h.assetsDir != "" {
		fsCfg = fsCfg.WithDirMount(h.assetsDir, AssetsMount)
	}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(h.name).
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(os.Stderr).
		WithFSConfig(fsCfg).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	h.envMu.RLock()
	for k, v := range h.env {
		cfg = cfg.WithEnv(k, v)
	}
	h.envMu.RUnlock()
	for k, v := range extra {
		cfg = cfg.WithEnv(k, v)
	}
	return cfg.WithEnv("plugin_name", h.name)
}

// RunLifecycle calls the first lifecycle hook the component exports, in a
// fresh instance whose _start is not run. A component without a hook is
// fine. A trap is a Fault with reason WASM_LIFECYCLE.
func (h *Host) RunLifecycle(ctx context.Context) error {
	c := h.acquireCompiled()
	if c == nil {
		return &Fault{Reason: FaultLifecycle, Module: h.name, Detail: "no component loaded"}
	}
	defer c.release(ctx)

	exports := c.mod.ExportedFunctions()
	hook := ""
	for _, name := range lifecycleHooks {
		if _, ok := exports[name]; ok {
			hook = name
			break
		}
	}
	if hook == "" {
		return nil
	}

	ctx, held := withHeldLocks(ctx, h.locks)
	defer held.releaseAll()

	cfg := h.moduleConfig(eofReader{}, os.Stdout, nil).WithStartFunctions()
	mod, err := h.runtime.InstantiateModule(ctx, c.mod, cfg)
	if err != nil {
		return &Fault{Reason: FaultLifecycle, Module: h.name, Detail: err.Error()}
	}
	defer mod.Close(ctx)

	if _, err := mod.ExportedFunction(hook).Call(ctx); err != nil {
		if classifyFault(h.name, err) == nil {
			return nil
		}
		return &Fault{Reason: FaultLifecycle, Module: h.name, Detail: fmt.Sprintf("%s: %v", hook, err)}
	}
	h.logger.Info("lifecycle hook completed", "plugin", h.name, "hook", hook)
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// ServeHTTP runs one request in a fresh instance. A request carrying the
// lock-id header holds that advisory lock for its whole duration.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := shared.WithPlugin(r.Context(), h.name)
	ctx, span := otel.StartServerSpan(ctx, h.tracer, "sandbox.request",
		otel.AttrPluginName.String(h.name),
		attribute.String("http.method", r.Method),
		attribute.String("http.target", r.URL.Path),
	)
	defer span.End()

	status := h.serve(ctx, w, r)
	span.SetAttributes(attribute.Int("http.status_code", status))
	h.metrics.RecordRequest(ctx, h.name, time.Since(start).Seconds(), status)
}

func (h *Host) serve(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	ctx, held := withHeldLocks(ctx, h.locks)
	defer held.releaseAll()
	if id := r.Header.Get(LockHeader); id != "" && h.locks != nil {
		waitStart := time.Now()
		release, err := h.locks.Acquire(ctx, id)
		if err != nil {
			http.Error(w, "lock wait aborted", http.StatusServiceUnavailable)
			return http.StatusServiceUnavailable
		}
		held.pin(id, release)
		h.metrics.RecordLockWait(ctx, time.Since(waitStart).Seconds())
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrLockID.String(id))
	}

	c := h.acquireCompiled()
	if c == nil {
		return h.writeFault(ctx, w, &Fault{Reason: FaultCompile, Module: h.name, Detail: "no component loaded"})
	}
	defer c.release(ctx)

	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	cw := newCGIWriter(w)
	stdin := io.LimitReader(r.Body, h.maxBodyBytes)
	cfg := h.moduleConfig(stdin, cw, cgiEnv(r))

	done := make(chan error, 1)
	go func() {
		mod, err := h.runtime.InstantiateModule(ctx, c.mod, cfg)
		if mod != nil {
			_ = mod.Close(ctx)
		}
		done <- err
	}()

	var runErr error
	select {
	case <-cw.set:
		trace.SpanFromContext(ctx).AddEvent("response set")
		runErr = <-done
	case runErr = <-done:
	}

	fault := classifyFault(h.name, runErr)
	sent, status, hdrErr, wrote := cw.result()
	if sent {
		if fault != nil {
			// Headers are already out; the body is truncated.
			h.logger.Warn("wasm guest failed after responding", "plugin", h.name, "reason", fault.Reason, "detail", fault.Detail)
			h.metrics.RecordFault(ctx, h.name, fault.Reason)
		}
		return status
	}
	switch {
	case hdrErr != nil:
		fault = &Fault{Reason: FaultBadResponse, Module: h.name, Detail: hdrErr.Error()}
	case fault != nil:
	case wrote:
		fault = &Fault{Reason: FaultBadResponse, Module: h.name, Detail: "response header block was never terminated"}
	default:
		fault = &Fault{Reason: FaultNoResponse, Module: h.name, Detail: ErrNoResponse.Error()}
	}
	return h.writeFault(ctx, w, fault)
}

func (h *Host) writeFault(ctx context.Context, w http.ResponseWriter, fault *Fault) int {
	h.logger.Warn("wasm request fault", "plugin", h.name, "reason", fault.Reason, "detail", fault.Detail, "trace_id", shared.TraceID(ctx))
	h.metrics.RecordFault(ctx, h.name, fault.Reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": fault.Reason, "detail": fault.Detail})
	return http.StatusBadGateway
}

// IsFault reports whether err is a Fault with the given reason.
func IsFault(err error, reason string) bool {
	var f *Fault
	return errors.As(err, &f) && f.Reason == reason
}
