package api

import (
	"time"

	"recon/scanner"
)

// Task lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// ScanTask represents a scanning job managed by the API service.
type ScanTask struct {
	// ID is the immutable identifier of the scan task (UUID v4).
	ID string `json:"id" format:"uuid" example:"a3f5c62e-1234-4f72-a84a-1c2d3e4f5678" description:"Immutable UUIDv4 identifier assigned when the task is accepted. Reuse it when polling or cancelling."`
	// Status reflects the asynchronous lifecycle state of the task.
	Status string `json:"status" enums:"pending,running,completed,cancelled,failed" example:"running" description:"pending while queued, running while probes are in flight, completed or cancelled once a report is attached, failed when the session could not run."`
	// Targets captures every address, prefix or hostname submitted.
	Targets []string `json:"targets" example:"[\"192.0.2.0/28\",\"scanme.nmap.org\"]" description:"IPv4 addresses, IPv4 prefixes (/16 or longer) and hostnames. Hostnames are resolved before probing."`
	// Ports is the port expression used for syn probes.
	Ports string `json:"ports,omitempty" example:"22,80,443,8000-8100" description:"Comma separated ports, inclusive ranges and top:N. Empty means the server default."`
	// Kinds lists the probe kinds.
	Kinds string `json:"kinds,omitempty" example:"syn,icmp" description:"Comma separated probe kinds: syn, icmp, arp. Empty means the server default."`
	// Progress is the most recent snapshot of a running session.
	Progress *scanner.Snapshot `json:"progress,omitempty" description:"Live counters of the running session. Refreshed while the task is running."`
	// Report is attached once the session has finished.
	Report *scanner.FinalReport `json:"report,omitempty" description:"Final report with one finding per (target, port) pair. Present for completed and cancelled tasks."`
	// CreatedAt records when the task was created.
	CreatedAt time.Time `json:"created_at" format:"date-time" example:"2024-01-02T15:04:05Z" description:"Timestamp (UTC, RFC3339) when the API accepted the scan request."`
	// CompletedAt is set once the task transitions to a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time" example:"2024-01-02T15:06:30Z" description:"Timestamp (UTC, RFC3339) when the task reached a terminal status."`
	// CancelRequested is set by DELETE until a worker honours it.
	CancelRequested bool `json:"cancel_requested,omitempty" description:"True once cancellation was requested for the task."`
	// Error contains context when a task fails.
	Error string `json:"error,omitempty" example:"insufficient privilege for raw sockets" description:"Diagnostic message describing why the task failed."`
}

// Terminal reports whether the task has reached a final status.
func (t *ScanTask) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CreateScanRequest is the payload for creating new scan tasks.
type CreateScanRequest struct {
	// Targets enumerates every address, prefix or hostname to probe.
	Targets []string `json:"targets" binding:"required,min=1,dive,required" example:"[\"192.0.2.10\",\"scanme.nmap.org\"]" description:"Targets to scan. Provide at least one entry."`
	// Ports expresses the desired port selection.
	Ports string `json:"ports" example:"22,80,443,top:20" description:"Single ports, inclusive ranges and top:N, comma separated. Optional."`
	// Kinds selects the probe kinds.
	Kinds string `json:"kinds" example:"syn,icmp" description:"Probe kinds, comma separated: syn, icmp, arp. Optional."`
}

// ScanAcceptedResponse captures the asynchronous acknowledgement returned after job submission.
type ScanAcceptedResponse struct {
	// ID mirrors the queued task identifier returned to clients for polling.
	ID string `json:"id" format:"uuid" example:"a3f5c62e-1234-4f72-a84a-1c2d3e4f5678" description:"Identifier clients must supply to GET /scans/{id} when polling for status."`
	// Status is pending immediately after acceptance.
	Status string `json:"status" enums:"pending,cancelled" example:"pending" description:"Task status at the time of the response."`
}

// ErrorResponse provides a consistent structure for API error payloads.
type ErrorResponse struct {
	// Error is a human-readable explanation of why the request failed.
	Error string `json:"error" example:"task not found" description:"Human readable error message describing why the request was rejected."`
}
