// Package remote defines the contract with the remote database service and
// the error taxonomy every implementation reports in.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/pkg/models"
)

// Store is the remote database as seen by the sync layer. Tables are opaque
// names; records are opaque maps.
type Store interface {
	Insert(ctx context.Context, table string, rec models.Record) error
	Update(ctx context.Context, table, keyColumn string, key any, patch models.Record) (int64, error)
	Delete(ctx context.Context, table, keyColumn string, key any) (int64, error)
	Select(ctx context.Context, table string, filters []models.Filter) ([]models.Record, error)

	// Ping checks that the service is reachable. Used by the fallback prober.
	Ping(ctx context.Context) error
}

// Error is a classified remote failure.
type Error struct {
	Kind   models.ErrorKind
	Op     string
	Table  string
	Status int // HTTP status or 0
	Err    error
}

func (e *Error) Error() string {
	target := e.Op
	if e.Table != "" {
		target += " " + e.Table
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d): %v", target, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(kind models.ErrorKind, op, table string, err error) *Error {
	return &Error{Kind: kind, Op: op, Table: table, Err: err}
}

// KindOf classifies err. Unclassified network and context errors are
// transport failures; anything else unknown is treated as rejected.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.KindTransport
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return models.KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.KindTransport
	}
	return models.KindRejected
}

// Retryable reports whether err is worth retrying later.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// FormatKey renders a primary key value for a filter or a message. Keys
// decoded from JSON arrive as float64, which must not be printed in
// exponent form.
func FormatKey(key any) string {
	switch v := key.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprint(key)
	}
}

// Instrument wraps s so that every call runs under timeout, is classified,
// and is recorded in metrics and logs.
func Instrument(s Store, backend string, timeout time.Duration) Store {
	return &instrumented{next: s, backend: backend, timeout: timeout}
}

type instrumented struct {
	next    Store
	backend string
	timeout time.Duration
}

func (i *instrumented) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.timeout)
}

// finish classifies err, records metrics and logs the outcome.
func (i *instrumented) finish(ctx context.Context, op, table string, start time.Time, err error) error {
	d := time.Since(start)
	if err == nil {
		metrics.RecordRemoteRequest(i.backend, op, "ok", d)
		logging.Debug("remote call",
			zap.String("backend", i.backend),
			zap.String("op", op),
			zap.String("table", table),
			zap.Duration("duration", d))
		return nil
	}

	var re *Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		re = NewError(models.KindTransport, op, table, fmt.Errorf("timed out after %s: %w", i.timeout, err))
	case !errors.As(err, &re):
		re = NewError(KindOf(err), op, table, err)
	}

	metrics.RecordRemoteRequest(i.backend, op, string(re.Kind), d)
	logging.Warn("remote call failed",
		zap.String("backend", i.backend),
		zap.String("op", op),
		zap.String("table", table),
		logging.Kind(re.Kind),
		zap.Duration("duration", d),
		zap.Error(err))
	return re
}

func (i *instrumented) Insert(ctx context.Context, table string, rec models.Record) error {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := i.next.Insert(ctx, table, rec)
	return i.finish(ctx, "insert", table, start, err)
}

func (i *instrumented) Update(ctx context.Context, table, keyColumn string, key any, patch models.Record) (int64, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	n, err := i.next.Update(ctx, table, keyColumn, key, patch)
	return n, i.finish(ctx, "update", table, start, err)
}

func (i *instrumented) Delete(ctx context.Context, table, keyColumn string, key any) (int64, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	n, err := i.next.Delete(ctx, table, keyColumn, key)
	return n, i.finish(ctx, "delete", table, start, err)
}

func (i *instrumented) Select(ctx context.Context, table string, filters []models.Filter) ([]models.Record, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	recs, err := i.next.Select(ctx, table, filters)
	if err != nil {
		return nil, i.finish(ctx, "select", table, start, err)
	}
	return recs, i.finish(ctx, "select", table, start, nil)
}

func (i *instrumented) Ping(ctx context.Context) error {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := i.next.Ping(ctx)
	return i.finish(ctx, "ping", "", start, err)
}
