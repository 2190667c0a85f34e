// Package processor defines the contract for the external TEE data
// processor and an HTTP client implementing it. The processor is a black box
// with bounded latency; this subsystem only interprets success/failure and
// the result payload.
package processor

import (
	"context"
	"encoding/json"
	"time"
)

// Result statuses reported by the processor.
const (
	// StatusSuccess means the processor produced a result payload
	StatusSuccess = "success"
	// StatusError means the processor reported a failure message
	StatusError = "error"
)

// Refs are the opaque external references a job carries; they are passed
// through to the processor unmodified.
type Refs struct {
	BlobID        string `json:"blobId"`
	OnchainFileID string `json:"onchainFileId"`
	PolicyID      string `json:"policyId"`
}

// Result is the processor's verdict on a single job.
type Result struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Succeeded reports whether the processor completed the work.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Processor performs the actual domain-specific work for a job. Process must
// respect the timeout independently of any queue-level lease.
type Processor interface {
	Process(ctx context.Context, refs Refs, timeout time.Duration) (*Result, error)
}
