package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/phase-network/phase-daemon/pkg/admission"
	"github.com/phase-network/phase-daemon/pkg/executor"
	"github.com/phase-network/phase-daemon/pkg/overlay"
)

// jobProtocolID is the stream protocol peers use to submit a job and
// receive its result. One JSON request, one JSON response, per stream.
const jobProtocolID protocol.ID = "/phase/job/1.0.0"

// jobRequestWire is JobRequest's wire form: module bytes travel as
// base64 inside JSON, per the wire data model.
type jobRequestWire struct {
	JobID          string           `json:"job_id"`
	ModuleHash     string           `json:"module_hash"`
	ModuleBytesB64 string           `json:"wasm_bytes"`
	Args           []string         `json:"args"`
	Requirements   requirementsWire `json:"requirements"`
}

type requirementsWire struct {
	CPUCores       uint32 `json:"cpu_cores"`
	MemoryMB       uint64 `json:"memory_mb"`
	TimeoutSeconds uint64 `json:"timeout_seconds"`
	Arch           string `json:"arch"`
	Runtime        string `json:"runtime"`
}

type jobResultWire struct {
	JobID       string `json:"job_id"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    uint32 `json:"exit_code"`
	ReceiptJSON string `json:"receipt_json"`
	Rejected    string `json:"rejected,omitempty"`
	Error       string `json:"error,omitempty"`
}

// jobServer wires an inbound stream to AdmissionFilter then JobExecutor,
// following the reply-on-the-same-abstraction pattern: OverlayNode
// delivers the stream, the result is written back on it directly.
type jobServer struct {
	node          *overlay.OverlayNode
	exec          *executor.Executor
	caps          admission.PeerCapabilities
	inFlight      atomic.Int64
	maxInFlight   int64
	maxTimeoutSec uint64
	log           *log.Logger
}

func newJobServer(node *overlay.OverlayNode, exec *executor.Executor, caps admission.PeerCapabilities, maxInFlight int, maxTimeoutSec uint64, logger *log.Logger) *jobServer {
	return &jobServer{node: node, exec: exec, caps: caps, maxInFlight: int64(maxInFlight), maxTimeoutSec: maxTimeoutSec, log: logger}
}

func (j *jobServer) register() {
	j.node.Host().SetStreamHandler(jobProtocolID, j.handleStream)
}

func (j *jobServer) handleStream(s network.Stream) {
	defer s.Close()

	// Correlation ID for log lines about this stream, independent of the
	// client-chosen job_id.
	streamID := uuid.NewString()

	var req jobRequestWire
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		j.log.Printf("stream %s from %s: malformed request: %v", streamID, s.Conn().RemotePeer(), err)
		j.writeError(s, "", fmt.Sprintf("malformed request: %v", err))
		return
	}
	j.log.Printf("stream %s: job %q offered by %s", streamID, req.JobID, s.Conn().RemotePeer())

	offer := admission.JobOffer{
		JobID:    req.JobID,
		Arch:     req.Requirements.Arch,
		Runtime:  req.Requirements.Runtime,
		CPUCores: req.Requirements.CPUCores,
		MemoryMB: req.Requirements.MemoryMB,
	}

	if j.inFlight.Load() >= j.maxInFlight {
		resp := admission.QueueFull(req.JobID)
		j.writeRejection(s, resp)
		return
	}

	resp := admission.Evaluate(offer, j.caps, j.node.ID().String())
	if resp.Kind != admission.Accepted {
		j.writeRejection(s, resp)
		return
	}

	j.inFlight.Add(1)
	defer j.inFlight.Add(-1)

	moduleBytes, err := base64.StdEncoding.DecodeString(req.ModuleBytesB64)
	if err != nil {
		j.writeError(s, req.JobID, fmt.Sprintf("malformed wasm_bytes: %v", err))
		return
	}

	// Clients cannot hold a sandbox slot longer than this node permits.
	timeoutSec := req.Requirements.TimeoutSeconds
	if j.maxTimeoutSec > 0 && timeoutSec > j.maxTimeoutSec {
		timeoutSec = j.maxTimeoutSec
	}

	result, err := j.exec.ExecuteJob(context.Background(), executor.JobRequest{
		JobID:       req.JobID,
		ModuleHash:  req.ModuleHash,
		ModuleBytes: moduleBytes,
		Args:        req.Args,
		Requirements: executor.Requirements{
			CPUCores:       req.Requirements.CPUCores,
			MemoryMB:       req.Requirements.MemoryMB,
			TimeoutSeconds: timeoutSec,
			Arch:           req.Requirements.Arch,
			Runtime:        req.Requirements.Runtime,
		},
	})
	if err != nil {
		j.log.Printf("stream %s: job %q failed: %v", streamID, req.JobID, err)
		j.writeError(s, req.JobID, err.Error())
		return
	}

	j.log.Printf("stream %s: job %q finished with exit code %d", streamID, result.JobID, result.ExitCode)
	j.writeJSON(s, jobResultWire{
		JobID:       result.JobID,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		ExitCode:    result.ExitCode,
		ReceiptJSON: result.ReceiptJSON,
	})
}

func (j *jobServer) writeRejection(s network.Stream, resp admission.JobResponse) {
	j.writeJSON(s, jobResultWire{JobID: resp.JobID, Rejected: rejectionReason(resp), Error: resp.Details})
}

func (j *jobServer) writeError(s network.Stream, jobID, message string) {
	j.writeJSON(s, jobResultWire{JobID: jobID, Error: message})
}

func (j *jobServer) writeJSON(s network.Stream, v jobResultWire) {
	if err := json.NewEncoder(s).Encode(v); err != nil {
		j.log.Printf("jobserver: write response: %v", err)
	}
}

func rejectionReason(resp admission.JobResponse) string {
	switch resp.Kind {
	case admission.RejectedArchMismatch:
		return fmt.Sprintf("ArchMismatch{required:%s, available:%s}", resp.RequiredArch, resp.AvailableArch)
	case admission.RejectedRuntimeNotSupported:
		return fmt.Sprintf("RuntimeNotSupported{required:%s}", resp.RequiredRuntime)
	case admission.RejectedInsufficientResources:
		return fmt.Sprintf("InsufficientResources{%s}", resp.Details)
	case admission.RejectedQueueFull:
		return "QueueFull"
	case admission.RejectedInvalidRequest:
		return fmt.Sprintf("InvalidRequest{%s}", resp.Details)
	default:
		return ""
	}
}
