package wasm

import (
	"context"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/basket/plat/internal/locktable"
)

// HostModule is the import namespace of the capability functions.
const HostModule = "plat"

// Result codes returned to the guest by capability functions.
const (
	CapOK          int32 = 0
	CapFailed      int32 = -1
	CapUnsupported int32 = -2
	CapAlreadyHeld int32 = -3
	CapNotHeld     int32 = -4
)

// maxResourceName bounds names read from guest memory.
const maxResourceName = 256

type heldKey struct{}

// heldLocks are the locks one request holds: the lock-id header lock,
// pinned by the host, and those the guest took through lock_acquire. All
// are released when the request ends.
type heldLocks struct {
	mu     sync.Mutex
	table  *locktable.Table
	locks  map[string]func()
	pinned map[string]struct{}
}

func withHeldLocks(ctx context.Context, table *locktable.Table) (context.Context, *heldLocks) {
	held := &heldLocks{table: table, locks: map[string]func(){}, pinned: map[string]struct{}{}}
	return context.WithValue(ctx, heldKey{}, held), held
}

// pin records a lock the host took for the request. The guest sees it as
// already held and cannot release it.
func (h *heldLocks) pin(id string, release func()) {
	h.mu.Lock()
	h.locks[id] = release
	h.pinned[id] = struct{}{}
	h.mu.Unlock()
}

func heldFrom(ctx context.Context) *heldLocks {
	h, _ := ctx.Value(heldKey{}).(*heldLocks)
	return h
}

func (h *heldLocks) releaseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, release := range h.locks {
		release()
		delete(h.locks, id)
	}
}

func (h *Host) instantiateHostModule(ctx context.Context) error {
	builder := h.runtime.NewHostModuleBuilder(HostModule)
	builder.NewFunctionBuilder().WithFunc(h.hostLockAcquire).Export("lock_acquire")
	builder.NewFunctionBuilder().WithFunc(h.hostLockRelease).Export("lock_release")
	builder.NewFunctionBuilder().WithFunc(h.hostChannelOpen).Export("channel_open")
	builder.NewFunctionBuilder().WithFunc(h.hostTaskSpawn).Export("task_spawn")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	for _, name := range []string{"lock_acquire", "lock_release", "channel_open", "task_spawn", "log"} {
		h.hostFunctions[HostModule+"."+name] = struct{}{}
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func readResourceName(module api.Module, ptr, length uint32) (string, bool) {
	if length == 0 || length > maxResourceName {
		return "", false
	}
	name, ok := readWASMString(module, ptr, length)
	if !ok || strings.TrimSpace(name) == "" {
		return "", false
	}
	return name, true
}

func (h *Host) hostLockAcquire(ctx context.Context, module api.Module, ptr, length uint32) int32 {
	id, ok := readResourceName(module, ptr, length)
	if !ok {
		return CapFailed
	}
	held := heldFrom(ctx)
	if held == nil || held.table == nil {
		return CapUnsupported
	}
	held.mu.Lock()
	_, dup := held.locks[id]
	held.mu.Unlock()
	if dup {
		return CapAlreadyHeld
	}
	release, err := held.table.Acquire(ctx, id)
	if err != nil {
		h.logger.Warn("guest lock acquire aborted", "plugin", h.name, "lock_id", id, "error", err)
		return CapFailed
	}
	held.mu.Lock()
	held.locks[id] = release
	held.mu.Unlock()
	return CapOK
}

func (h *Host) hostLockRelease(ctx context.Context, module api.Module, ptr, length uint32) int32 {
	id, ok := readResourceName(module, ptr, length)
	if !ok {
		return CapFailed
	}
	held := heldFrom(ctx)
	if held == nil || held.table == nil {
		return CapUnsupported
	}
	held.mu.Lock()
	release, ok := held.locks[id]
	_, pinned := held.pinned[id]
	if ok && !pinned {
		delete(held.locks, id)
	}
	held.mu.Unlock()
	if !ok || pinned {
		return CapNotHeld
	}
	release()
	return CapOK
}

// Channel and task capabilities are declared so guests link, but the host
// does not provide them.
func (h *Host) hostChannelOpen(ctx context.Context, module api.Module, ptr, length uint32) int32 {
	if _, ok := readResourceName(module, ptr, length); !ok {
		return CapFailed
	}
	return CapUnsupported
}

func (h *Host) hostTaskSpawn(ctx context.Context, module api.Module, ptr, length uint32) int32 {
	if _, ok := readResourceName(module, ptr, length); !ok {
		return CapFailed
	}
	return CapUnsupported
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("plat.log: failed to read message from wasm memory", "plugin", h.name)
		return
	}

	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "plugin", h.name, "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "plugin", h.name, "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "plugin", h.name, "msg", msg)
	default:
		h.logger.Info("wasm guest log", "plugin", h.name, "msg", msg)
	}
}
