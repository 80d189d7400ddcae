// Package executor runs a single validated job end to end: request
// validation, the module-hash gate, sandboxed execution, and signed
// receipt construction.
package executor

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phase-network/phase-daemon/pkg/crypto"
	"github.com/phase-network/phase-daemon/pkg/receipt"
	"github.com/phase-network/phase-daemon/pkg/sandbox"
)

const bytesPerMiB = 1024 * 1024

// Requirements describes the resource envelope a job needs.
type Requirements struct {
	CPUCores       uint32
	MemoryMB       uint64
	TimeoutSeconds uint64
	Arch           string
	Runtime        string
}

// JobRequest is the unit of work handed to the executor. ModuleBytes is
// consumed by the sandbox and is not retained after the job completes.
type JobRequest struct {
	JobID        string
	ModuleHash   string
	ModuleBytes  []byte
	Args         []string
	Requirements Requirements
}

// JobResult is what a completed (or failed-after-sandbox) job produces.
type JobResult struct {
	JobID       string
	Stdout      string
	Stderr      string
	ExitCode    uint32
	ReceiptJSON string
}

// InvalidRequestError reports a malformed JobRequest. The job is not
// retriable.
type InvalidRequestError struct{ Details string }

func (e *InvalidRequestError) Error() string { return fmt.Sprintf("executor: invalid request: %s", e.Details) }

// HashMismatchError reports that module_bytes does not match the
// declared module_hash. No sandbox execution occurs once this fires.
type HashMismatchError struct{ Expected, Got string }

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("executor: hash mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Executor owns a signing key for the lifetime of the daemon process and
// never exposes it beyond Sign.
type Executor struct {
	sandbox    *sandbox.Sandbox
	signingKey ed25519.PrivateKey
}

// New returns an Executor that signs receipts with signingKey.
func New(sb *sandbox.Sandbox, signingKey ed25519.PrivateKey) *Executor {
	return &Executor{sandbox: sb, signingKey: signingKey}
}

// ExecuteJob runs the five-step job contract. Validation and hash-gate
// failures return before any sandbox invocation and produce no receipt;
// sandbox failures (timeout, trap, memory exhaustion) still produce a
// signed receipt carrying a non-zero exit code.
func (e *Executor) ExecuteJob(ctx context.Context, req JobRequest) (*JobResult, error) {
	if req.JobID == "" {
		return nil, &InvalidRequestError{Details: "job_id is empty"}
	}
	if len(req.ModuleBytes) == 0 {
		return nil, &InvalidRequestError{Details: "module_bytes is empty"}
	}
	if req.Requirements.CPUCores < 1 {
		return nil, &InvalidRequestError{Details: "cpu_cores must be at least 1"}
	}

	got := crypto.SHA256Hex(req.ModuleBytes)
	if got != req.ModuleHash {
		return nil, &HashMismatchError{Expected: req.ModuleHash, Got: got}
	}

	limits := sandbox.Limits{
		MemoryBytes: req.Requirements.MemoryMB * bytesPerMiB,
		Timeout:     time.Duration(req.Requirements.TimeoutSeconds) * time.Second,
	}
	execResult, err := e.sandbox.Execute(ctx, req.ModuleBytes, req.Args, limits)
	if err != nil {
		return nil, err
	}

	r := receipt.New(req.ModuleHash, execResult.ExitCode, execResult.WallTimeMs)
	r.Sign(e.signingKey)

	receiptJSON, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal receipt: %w", err)
	}

	return &JobResult{
		JobID:       req.JobID,
		Stdout:      execResult.Stdout,
		Stderr:      execResult.Stderr,
		ExitCode:    execResult.ExitCode,
		ReceiptJSON: string(receiptJSON),
	}, nil
}
