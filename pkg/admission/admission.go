// Package admission decides whether an incoming job offer fits a node's
// advertised capabilities. Evaluate is a pure function: the same inputs
// always produce the same response.
package admission

import (
	"fmt"
	"strings"
	"time"
)

// JobOffer is what a prospective job asks for.
type JobOffer struct {
	JobID    string
	Arch     string
	Runtime  string
	CPUCores uint32
	MemoryMB uint64
}

// PeerCapabilities is what a node advertises it can run.
type PeerCapabilities struct {
	Arch     string
	Runtime  string
	CPUCores uint32
	MemoryMB uint64
}

// ResponseKind distinguishes acceptance from the various rejection
// reasons.
type ResponseKind int

const (
	Accepted ResponseKind = iota
	RejectedArchMismatch
	RejectedRuntimeNotSupported
	RejectedInsufficientResources
	RejectedQueueFull
	RejectedInvalidRequest
)

// JobResponse is the outcome of admission evaluation.
type JobResponse struct {
	Kind            ResponseKind
	JobID           string
	EstimatedStart  int64
	NodePeerID      string
	RequiredArch    string
	AvailableArch   string
	RequiredRuntime string
	Details         string
}

// now is overridable in tests; production callers get wall-clock time.
var now = func() int64 { return time.Now().Unix() }

// Evaluate runs the deterministic, ordered admission checks: arch match,
// runtime support, CPU budget, memory budget, then acceptance.
func Evaluate(offer JobOffer, caps PeerCapabilities, nodePeerID string) JobResponse {
	if offer.Arch != caps.Arch {
		return JobResponse{
			Kind:          RejectedArchMismatch,
			JobID:         offer.JobID,
			RequiredArch:  offer.Arch,
			AvailableArch: caps.Arch,
		}
	}

	requiredRuntime := strings.SplitN(offer.Runtime, "-", 2)[0]
	if !strings.Contains(caps.Runtime, requiredRuntime) {
		return JobResponse{
			Kind:            RejectedRuntimeNotSupported,
			JobID:           offer.JobID,
			RequiredRuntime: offer.Runtime,
		}
	}

	if offer.CPUCores > caps.CPUCores {
		return JobResponse{
			Kind:    RejectedInsufficientResources,
			JobID:   offer.JobID,
			Details: fmt.Sprintf("CPU: need %d, have %d", offer.CPUCores, caps.CPUCores),
		}
	}

	if offer.MemoryMB > caps.MemoryMB {
		return JobResponse{
			Kind:    RejectedInsufficientResources,
			JobID:   offer.JobID,
			Details: fmt.Sprintf("Memory: need %d MB, have %d MB", offer.MemoryMB, caps.MemoryMB),
		}
	}

	return JobResponse{
		Kind:           Accepted,
		JobID:          offer.JobID,
		EstimatedStart: now(),
		NodePeerID:     nodePeerID,
	}
}

// QueueFull is raised by callers, not Evaluate, when the in-flight job
// count exceeds a configured maximum.
func QueueFull(jobID string) JobResponse {
	return JobResponse{Kind: RejectedQueueFull, JobID: jobID}
}

// InvalidRequest is raised by callers (notably JobExecutor's validation
// step) rather than by Evaluate itself.
func InvalidRequest(jobID, details string) JobResponse {
	return JobResponse{Kind: RejectedInvalidRequest, JobID: jobID, Details: details}
}
