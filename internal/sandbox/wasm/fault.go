package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for component failures.
const (
	FaultCompile     = "WASM_COMPILE"
	FaultTrap        = "WASM_TRAP"
	FaultTimeout     = "WASM_TIMEOUT"
	FaultNoResponse  = "WASM_NO_RESPONSE"
	FaultLifecycle   = "WASM_LIFECYCLE"
	FaultBadResponse = "WASM_BAD_RESPONSE"
)

// ErrNoResponse is wrapped by faults whose guest finished without writing
// a response header block.
var ErrNoResponse = errors.New("guest never produced a response")

// Fault is a structured error emitted by the component host.
type Fault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

func (e *Fault) Unwrap() error {
	if e.Reason == FaultNoResponse {
		return ErrNoResponse
	}
	return nil
}

// classifyFault maps a guest execution error to a Fault. A clean exit
// (nil, or proc_exit(0)) is not a fault.
func classifyFault(module string, err error) *Fault {
	if err == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return &Fault{Reason: FaultTimeout, Module: module, Detail: err.Error()}
		default:
			return &Fault{Reason: FaultTrap, Module: module, Detail: fmt.Sprintf("exit code %d", exitErr.ExitCode())}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: module, Detail: err.Error()}
	}
	return &Fault{Reason: FaultTrap, Module: module, Detail: err.Error()}
}

// FaultReason returns the reason code of err, or "" if err is not a Fault.
func FaultReason(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
