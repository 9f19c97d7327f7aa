// Package models contains the data types shared by the daemon, the CLI and
// the HTTP protocol.
package models

import (
	"fmt"
	"time"
)

// Record is a single row as exchanged with the remote store. Its shape is
// opaque to the sync layer.
type Record map[string]any

// DefaultKeyColumn is the primary key column used when an operation does not
// name one.
const DefaultKeyColumn = "id"

// Action is the kind of write an operation performs.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ErrorKind classifies why a remote or local call failed.
type ErrorKind string

const (
	KindTransport       ErrorKind = "transport"
	KindAuthorization   ErrorKind = "authorization"
	KindNotFound        ErrorKind = "not_found"
	KindRejected        ErrorKind = "rejected"
	KindInvalid         ErrorKind = "invalid"
	KindPersistence     ErrorKind = "persistence"
	KindNeedsResolution ErrorKind = "needs_resolution"
)

// Retryable reports whether a later attempt of the same call may succeed
// without anyone changing anything.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport
}

// OperationError is the last failure recorded against a queued operation.
type OperationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Operation is a write waiting to be replayed against the remote store.
type Operation struct {
	ID         string    `json:"id"`
	Table      string    `json:"table"`
	Action     Action    `json:"action"`
	Payload    Record    `json:"payload"`
	KeyColumn  string    `json:"key_column,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	EnqueuedBy string    `json:"enqueued_by,omitempty"`

	// Replay bookkeeping. Attempts counts every replay that reached the
	// remote store. ConsecutiveFailures counts failures of any kind since
	// the last Retry. FailureStreak counts only the trailing run of
	// identical non-retryable failures and decides NeedsResolution.
	Attempts            int             `json:"attempts"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	FailureStreak       int             `json:"failure_streak,omitempty"`
	LastError           *OperationError `json:"last_error,omitempty"`
	NeedsResolution     bool            `json:"needs_resolution,omitempty"`
}

// Key returns the primary key column and value carried in the payload.
func (op Operation) Key() (string, any, error) {
	col := op.KeyColumn
	if col == "" {
		col = DefaultKeyColumn
	}
	v, ok := op.Payload[col]
	if !ok || v == nil {
		return col, nil, fmt.Errorf("%s on %s: payload has no %q", op.Action, op.Table, col)
	}
	return col, v, nil
}

// Patch returns the payload without its primary key column.
func (op Operation) Patch() Record {
	col, _, _ := op.Key()
	patch := make(Record, len(op.Payload))
	for k, v := range op.Payload {
		if k == col {
			continue
		}
		patch[k] = v
	}
	return patch
}

// Clone returns a copy of r that shares no maps or slices with it.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = cloneValue(v)
	}
	return c
}

// cloneValue copies the containers JSON decoding produces. Other values
// are immutable or opaque and are returned as is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case Record:
		return t.Clone()
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	case []Record:
		c := make([]Record, len(t))
		for i, e := range t {
			c[i] = e.Clone()
		}
		return c
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Clone returns a copy that shares no mutable state with op.
func (op Operation) Clone() Operation {
	c := op
	c.Payload = op.Payload.Clone()
	if op.LastError != nil {
		e := *op.LastError
		c.LastError = &e
	}
	return c
}

// Filter restricts a select. Op uses PostgREST operator names.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  string `json:"value"`
}

// Supported filter operators.
var FilterOps = map[string]string{
	"eq":    "=",
	"neq":   "<>",
	"gt":    ">",
	"gte":   ">=",
	"lt":    "<",
	"lte":   "<=",
	"like":  "LIKE",
	"ilike": "ILIKE",
}
