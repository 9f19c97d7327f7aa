// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/silvachamo/agrosync/pkg/models"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      int              `json:"code"`
	Kind      models.ErrorKind `json:"kind,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status
type StatusResponse struct {
	Online          bool      `json:"online"`
	LastChange      time.Time `json:"last_change"`
	Pending         int       `json:"pending"`
	NeedsResolution int       `json:"needs_resolution"`
	Persistence     string    `json:"persistence"`
	Remote          string    `json:"remote"`
}

// ConnectivityRequest is the body for PUT /api/v1/connectivity
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// QueueResponse is returned by GET /api/v1/queue
type QueueResponse struct {
	Operations []models.Operation `json:"operations"`
	Count      int                `json:"count"`
}

// EnqueueRequest is the body for POST /api/v1/queue and POST /api/v1/writes
type EnqueueRequest struct {
	Table     string        `json:"table"`
	Action    models.Action `json:"action"`
	Payload   models.Record `json:"payload"`
	KeyColumn string        `json:"key_column,omitempty"`
}

// OperationResponse wraps a single queued operation.
type OperationResponse struct {
	Operation models.Operation `json:"operation"`
}

// FailureInfo is one failed replay.
type FailureInfo struct {
	Operation models.Operation `json:"operation"`
	Kind      models.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
}

// DrainResponse is returned by POST /api/v1/queue/drain
type DrainResponse struct {
	Count    int           `json:"count"`
	Failures []FailureInfo `json:"failures"`
	Pending  int           `json:"pending"`
}

// SubmitResponse is returned by POST /api/v1/writes
type SubmitResponse struct {
	Operation models.Operation `json:"operation"`
	Applied   bool             `json:"applied"`
	Drain     *DrainResponse   `json:"drain,omitempty"`
}

// SnapshotResponse is returned by GET /api/v1/snapshots/{label}
type SnapshotResponse struct {
	Label   string          `json:"label"`
	Records []models.Record `json:"records"`
	SavedAt time.Time       `json:"saved_at"`
}

// SnapshotListResponse is returned by GET /api/v1/snapshots
type SnapshotListResponse struct {
	Labels []string `json:"labels"`
}

// SaveSnapshotRequest is the body for PUT /api/v1/snapshots/{label}
type SaveSnapshotRequest struct {
	Records []models.Record `json:"records"`
}

// RecordsResponse is returned by GET /api/v1/records/{table}
type RecordsResponse struct {
	Table   string          `json:"table"`
	Label   string          `json:"label"`
	Source  string          `json:"source"` // "remote" or "snapshot"
	Records []models.Record `json:"records"`
	SavedAt *time.Time      `json:"saved_at,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// Event types carried on the SSE stream.
const (
	EventConnectivity = "connectivity"
	EventEnqueued     = "enqueued"
	EventDrained      = "drained"
	EventFailed       = "failed"
	EventRetried      = "retried"
	EventDiscarded    = "discarded"
	EventSnapshot     = "snapshot"
)

// Event is a server-sent event describing a sync state change.
type Event struct {
	Type      string           `json:"type"`
	Online    *bool            `json:"online,omitempty"`
	OpID      string           `json:"op_id,omitempty"`
	Table     string           `json:"table,omitempty"`
	Action    models.Action    `json:"action,omitempty"`
	Label     string           `json:"label,omitempty"`
	Count     int              `json:"count,omitempty"`
	Pending   int              `json:"pending"`
	Kind      models.ErrorKind `json:"kind,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp int64            `json:"timestamp"`
}
