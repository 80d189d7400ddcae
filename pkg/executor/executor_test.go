package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-network/phase-daemon/pkg/crypto"
	"github.com/phase-network/phase-daemon/pkg/receipt"
	"github.com/phase-network/phase-daemon/pkg/sandbox"
)

// minimalModule is a no-op `_start` export, identical in shape to the
// fixture used by the sandbox package's own tests.
var minimalModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func newExecutor(t *testing.T) (*Executor, []byte) {
	t.Helper()
	signingKey, verifyingKey, err := crypto.Ed25519Generate()
	require.NoError(t, err)
	return New(sandbox.New(), signingKey), verifyingKey
}

func baseRequest(t *testing.T) JobRequest {
	t.Helper()
	return JobRequest{
		JobID:       "j1",
		ModuleHash:  crypto.SHA256Hex(minimalModule),
		ModuleBytes: minimalModule,
		Requirements: Requirements{
			CPUCores:       1,
			MemoryMB:       1,
			TimeoutSeconds: 5,
			Arch:           "x86_64",
			Runtime:        "wasmtime",
		},
	}
}

func TestExecuteJobHappyPath(t *testing.T) {
	exec, verifyingKey := newExecutor(t)
	req := baseRequest(t)

	result, err := exec.ExecuteJob(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "j1", result.JobID)
	assert.Equal(t, uint32(0), result.ExitCode)

	var r receipt.Receipt
	require.NoError(t, json.Unmarshal([]byte(result.ReceiptJSON), &r))
	ok, err := r.Verify(verifyingKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteJobRejectsEmptyJobID(t *testing.T) {
	exec, _ := newExecutor(t)
	req := baseRequest(t)
	req.JobID = ""

	_, err := exec.ExecuteJob(context.Background(), req)
	var invalid *InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestExecuteJobRejectsEmptyModuleBytes(t *testing.T) {
	exec, _ := newExecutor(t)
	req := baseRequest(t)
	req.ModuleBytes = nil

	_, err := exec.ExecuteJob(context.Background(), req)
	var invalid *InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestExecuteJobRejectsZeroCPUCores(t *testing.T) {
	exec, _ := newExecutor(t)
	req := baseRequest(t)
	req.Requirements.CPUCores = 0

	_, err := exec.ExecuteJob(context.Background(), req)
	var invalid *InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestExecuteJobRejectsHashMismatch(t *testing.T) {
	exec, _ := newExecutor(t)
	req := baseRequest(t)
	req.ModuleHash = "sha256:deadbeef"

	_, err := exec.ExecuteJob(context.Background(), req)
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "sha256:deadbeef", mismatch.Expected)
}

func TestExecuteJobNeverRunsSandboxOnHashMismatch(t *testing.T) {
	exec, _ := newExecutor(t)
	req := baseRequest(t)
	req.ModuleBytes = []byte("tampered")

	_, err := exec.ExecuteJob(context.Background(), req)
	var mismatch *HashMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
