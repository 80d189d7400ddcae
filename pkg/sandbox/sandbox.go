// Package sandbox executes untrusted WebAssembly modules under memory and
// fuel (wall-time) limits using wazero, a pure-Go WebAssembly runtime.
// Guests get no filesystem, network, or environment access beyond WASI
// stdio and a monotonic clock.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/phase-network/phase-daemon/pkg/crypto"
)

// FuelPerSecond is the calibration constant mapping a timeout to a fuel
// budget: 1,000,000 fuel units per second of wall time. It is a tunable,
// not a cryptographic guarantee.
const FuelPerSecond = 1_000_000

// WasmPageSize is the WebAssembly linear-memory page size in bytes.
const WasmPageSize = 64 * 1024

// EntryPoint is the exported function name the sandbox invokes.
const EntryPoint = "_start"

// Limits bounds a single execution.
type Limits struct {
	MemoryBytes uint64
	Timeout     time.Duration
}

// FuelBudget converts a timeout into the equivalent fuel units under the
// FuelPerSecond heuristic.
func (l Limits) FuelBudget() uint64 {
	return uint64(l.Timeout.Seconds() * FuelPerSecond)
}

// ExecutionResult is what the caller learns about one run.
type ExecutionResult struct {
	ModuleHash string
	ExitCode   uint32
	Stdout     string
	Stderr     string
	WallTimeMs uint64
	TimedOut   bool
}

// ModuleLoadError reports a malformed module or a missing entry point.
type ModuleLoadError struct{ Reason string }

func (e *ModuleLoadError) Error() string { return fmt.Sprintf("sandbox: module load failed: %s", e.Reason) }

// MemoryLimitExceededError reports a module whose linear memory needs
// exceed the configured limit before any code runs. Growth beyond the
// limit during execution surfaces as a guest trap instead, since the
// runtime cap makes the grow fail inside the sandbox.
type MemoryLimitExceededError struct {
	Requested uint64
	Limit     uint64
}

func (e *MemoryLimitExceededError) Error() string {
	return fmt.Sprintf("sandbox: memory limit exceeded: requested %d bytes, limit %d bytes", e.Requested, e.Limit)
}

// Sandbox executes WASM modules. It is safe for concurrent use; each
// Execute call gets its own wazero runtime instance so guests cannot
// observe each other.
type Sandbox struct{}

// New returns a ready-to-use Sandbox.
func New() *Sandbox { return &Sandbox{} }

// Execute runs moduleBytes to completion (or until limits are exceeded),
// returning the independently-computed module hash, exit code, captured
// stdio, and measured wall time.
func (s *Sandbox) Execute(ctx context.Context, moduleBytes []byte, args []string, limits Limits) (*ExecutionResult, error) {
	moduleHash := crypto.SHA256Hex(moduleBytes)

	limitPages := uint32(limits.MemoryBytes / WasmPageSize)
	if limitPages == 0 {
		limitPages = 1
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(limitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		// wazero refuses at compile time a memory whose minimum is over the
		// page cap; compile again without the cap to tell that case apart.
		probe := wazero.NewRuntime(ctx)
		defer probe.Close(ctx)
		if unlimited, probeErr := probe.CompileModule(ctx, moduleBytes); probeErr == nil {
			for _, mem := range unlimited.ExportedMemories() {
				if mem.Min() > limitPages {
					return nil, &MemoryLimitExceededError{
						Requested: uint64(mem.Min()) * WasmPageSize,
						Limit:     limits.MemoryBytes,
					}
				}
			}
		}
		return nil, &ModuleLoadError{Reason: err.Error()}
	}
	if _, ok := compiled.ExportedFunctions()[EntryPoint]; !ok {
		return nil, &ModuleLoadError{Reason: "no _start function"}
	}
	for _, mem := range compiled.ExportedMemories() {
		if mem.Min() > limitPages {
			return nil, &MemoryLimitExceededError{
				Requested: uint64(mem.Min()) * WasmPageSize,
				Limit:     limits.MemoryBytes,
			}
		}
	}

	var stdout, stderr bytes.Buffer
	// Guests get a monotonic clock only: real wall time stays hidden, so
	// the default zero walltime is left in place.
	moduleConfig := wazero.NewModuleConfig().
		WithArgs(append([]string{"module"}, args...)...).
		WithStdout(io.MultiWriter(os.Stdout, &stdout)).
		WithStderr(io.MultiWriter(os.Stderr, &stderr)).
		WithSysNanotime().
		WithStartFunctions()

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	start := time.Now()
	instance, instantiateErr := runtime.InstantiateModule(runCtx, compiled, moduleConfig)
	var callErr error
	if instantiateErr == nil {
		_, callErr = instance.ExportedFunction(EntryPoint).Call(runCtx)
	}
	wallTime := time.Since(start)

	runErr := instantiateErr
	if runErr == nil {
		runErr = callErr
	}

	result := &ExecutionResult{
		ModuleHash: moduleHash,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		WallTimeMs: uint64(wallTime.Milliseconds()),
	}

	switch {
	case runErr == nil:
		result.ExitCode = 0
	case isTimeout(runCtx, runErr):
		result.ExitCode = 1
		result.TimedOut = true
	default:
		var exitErr *sys.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}
	}

	if instance != nil {
		_ = instance.Close(ctx)
	}

	return result, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
