package wasmtest

const wasi = "wasi_snapshot_preview1"

var (
	fdIOParams = []byte{I32, I32, I32, I32}
	i32Result  = []byte{I32}
)

// Responder writes resp to stdout from _start. resp is a complete CGI
// response, headers included.
func Responder(resp string) []byte {
	return responder(resp).Bytes()
}

func responder(resp string) *Builder {
	b := NewBuilder()
	fdWrite := b.Import(wasi, "fd_write", fdIOParams, i32Result)
	b.Memory(1)
	// iovec {buf=64, len} at 0, nwritten at 8.
	b.Data(0, le32(64, uint32(len(resp))))
	b.Data(64, []byte(resp))
	start := b.Func(nil, nil, Concat(
		I32Const(1), I32Const(0), I32Const(1), I32Const(8), Call(fdWrite), Drop(),
	))
	b.Export("_start", start)
	return b
}

// Echo writes header followed by up to 4 KiB read from stdin.
func Echo(header string) []byte {
	b := NewBuilder()
	fdRead := b.Import(wasi, "fd_read", fdIOParams, i32Result)
	fdWrite := b.Import(wasi, "fd_write", fdIOParams, i32Result)
	b.Memory(1)
	// 0: read iovec {1024, 4096}; 8: nread
	// 16: header iovec {64, len(header)}; 24: body iovec {1024, nread}
	// 32: nwritten; 64: header bytes; 1024: body buffer
	b.Data(0, le32(1024, 4096))
	b.Data(16, le32(64, uint32(len(header)), 1024, 0))
	b.Data(64, []byte(header))
	start := b.Func(nil, nil, Concat(
		I32Const(0), I32Const(0), I32Const(1), I32Const(8), Call(fdRead), Drop(),
		I32Const(28), I32Const(8), I32Load(), I32Store(),
		I32Const(1), I32Const(16), I32Const(2), I32Const(32), Call(fdWrite), Drop(),
	))
	b.Export("_start", start)
	return b.Bytes()
}

// Silent has a _start that returns without writing anything.
func Silent() []byte {
	b := NewBuilder()
	b.Memory(1)
	b.Export("_start", b.Func(nil, nil, nil))
	return b.Bytes()
}

// Trap has a _start that executes unreachable.
func Trap() []byte {
	b := NewBuilder()
	b.Memory(1)
	b.Export("_start", b.Func(nil, nil, Unreachable()))
	return b.Bytes()
}

// Spin has a _start that never returns.
func Spin() []byte {
	b := NewBuilder()
	b.Memory(1)
	b.Export("_start", b.Func(nil, nil, SpinForever()))
	return b.Bytes()
}

// Hooked is a Responder that also exports a lifecycle hook named hook.
// The hook traps when trap is set.
func Hooked(hook string, trap bool, resp string) []byte {
	b := responder(resp)
	var body []byte
	if trap {
		body = Unreachable()
	}
	b.Export(hook, b.Func(nil, nil, body))
	return b.Bytes()
}

// Probe calls plat.<fn>(arg) times times, then writes okResp when the last
// call returned 0 and failResp otherwise.
func Probe(fn, arg string, times int, okResp, failResp string) []byte {
	b := NewBuilder()
	fdWrite := b.Import(wasi, "fd_write", fdIOParams, i32Result)
	platFn := b.Import("plat", fn, []byte{I32, I32}, i32Result)
	b.Memory(1)

	const argAt, okAt = 32, 256
	failAt := okAt + uint32(len(okResp))
	// 0: ok iovec; 8: fail iovec; 16: nwritten
	b.Data(0, le32(okAt, uint32(len(okResp)), failAt, uint32(len(failResp))))
	b.Data(argAt, []byte(arg))
	b.Data(okAt, []byte(okResp+failResp))

	call := Concat(I32Const(argAt), I32Const(int32(len(arg))), Call(platFn))
	var body []byte
	for i := 0; i < times-1; i++ {
		body = Concat(body, call, Drop())
	}
	body = Concat(body,
		I32Const(1), I32Const(0), I32Const(8), call, I32Eqz(), Select(),
		I32Const(1), I32Const(16), Call(fdWrite), Drop(),
	)
	b.Export("_start", b.Func(nil, nil, body))
	return b.Bytes()
}

// Environ writes header followed by the instance environment as
// NUL-terminated key=value strings.
func Environ(header string) []byte {
	b := NewBuilder()
	sizesGet := b.Import(wasi, "environ_sizes_get", []byte{I32, I32}, i32Result)
	environGet := b.Import(wasi, "environ_get", []byte{I32, I32}, i32Result)
	fdWrite := b.Import(wasi, "fd_write", fdIOParams, i32Result)
	b.Memory(1)
	// 0: count; 4: buf size; 16: header iovec; 24: env iovec; 32: nwritten
	// 64: header bytes; 256: pointer array; 2048: env buffer
	b.Data(16, le32(64, uint32(len(header)), 2048, 0))
	b.Data(64, []byte(header))
	start := b.Func(nil, nil, Concat(
		I32Const(0), I32Const(4), Call(sizesGet), Drop(),
		I32Const(256), I32Const(2048), Call(environGet), Drop(),
		I32Const(28), I32Const(4), I32Load(), I32Store(),
		I32Const(1), I32Const(16), I32Const(2), I32Const(32), Call(fdWrite), Drop(),
	))
	b.Export("_start", start)
	return b.Bytes()
}
