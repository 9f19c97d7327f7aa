// Package syncmgr keeps a durable FIFO queue of writes for the remote store
// and a per-label cache of the last successful reads.
//
// Writes are replayed in enqueue order and replay stops at the first
// failure, so an operation never overtakes one it may depend on. Every queue
// mutation is persisted before the call that made it returns.
package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/persist"
	"github.com/silvachamo/agrosync/internal/remote"
	"github.com/silvachamo/agrosync/pkg/models"
)

const (
	queueKey       = "queue"
	snapshotPrefix = "snapshot/"

	// DefaultMaxConsecutiveFailures is how many identical non-retryable
	// failures in a row flag an operation for manual resolution.
	DefaultMaxConsecutiveFailures = 3
)

var (
	// ErrQueueFull is returned by Enqueue when MaxQueueLen is reached.
	ErrQueueFull = errors.New("sync queue is full")

	// ErrNotQueued is returned for an operation id that is not in the queue.
	ErrNotQueued = errors.New("operation not queued")

	// ErrInFlight is returned when discarding an operation that a drain is
	// currently replaying.
	ErrInFlight = errors.New("operation is being replayed")

	// ErrNoSnapshot is returned by Fetch when the remote store cannot be
	// read and nothing was ever cached for the label.
	ErrNoSnapshot = errors.New("no snapshot for label")
)

// Connectivity reports whether the remote store is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// Config holds manager dependencies and limits.
type Config struct {
	Store   persist.Store
	Remote  remote.Store
	Monitor Connectivity

	MaxQueueLen            int // 0 = unlimited
	MaxConsecutiveFailures int // 0 = DefaultMaxConsecutiveFailures, <0 = never flag

	// Notify, if set, receives every notice after the change is persisted.
	Notify func(Notice)

	Now func() time.Time
}

// Manager is the sync queue and snapshot cache. Create it with Open.
type Manager struct {
	store   persist.Store
	remote  remote.Store
	monitor Connectivity
	notify  func(Notice)
	now     func() time.Time

	maxQueueLen int
	maxFailures int

	// drainMu serializes drains. It is never taken while mu is held.
	drainMu sync.Mutex

	mu        sync.Mutex
	queue     []models.Operation
	inflight  string
	snapshots map[string]Snapshot
}

// Error is a failure of a local call, classified like remote failures.
type Error struct {
	Kind models.ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned by the manager.
func KindOf(err error) models.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return remote.KindOf(err)
}

// Open creates a manager and reloads the queue saved by a previous process.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Remote == nil || cfg.Monitor == nil {
		return nil, errors.New("syncmgr: store, remote and monitor are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Notice) {}
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}

	m := &Manager{
		store:       cfg.Store,
		remote:      cfg.Remote,
		monitor:     cfg.Monitor,
		notify:      cfg.Notify,
		now:         cfg.Now,
		maxQueueLen: cfg.MaxQueueLen,
		maxFailures: cfg.MaxConsecutiveFailures,
		snapshots:   make(map[string]Snapshot),
	}

	data, found, err := m.store.Get(ctx, queueKey)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if found && len(data) > 0 {
		if err := json.Unmarshal(data, &m.queue); err != nil {
			return nil, fmt.Errorf("decode queue: %w", err)
		}
	}

	m.updateGauges()
	logging.Info("sync queue loaded",
		zap.String("backend", m.store.Backend()),
		zap.Int("pending", len(m.queue)))
	return m, nil
}

// persistQueueLocked writes q as the durable queue. Caller holds mu.
func (m *Manager) persistQueueLocked(ctx context.Context, q []models.Operation) error {
	if q == nil {
		q = []models.Operation{}
	}
	data, err := json.Marshal(q)
	if err != nil {
		return &Error{Kind: models.KindPersistence, Err: fmt.Errorf("encode queue: %w", err)}
	}
	if err := m.store.Set(ctx, queueKey, data); err != nil {
		return &Error{Kind: models.KindPersistence, Err: fmt.Errorf("save queue: %w", err)}
	}
	return nil
}

func (m *Manager) updateGaugesLocked() {
	blocked := 0
	for _, op := range m.queue {
		if op.NeedsResolution {
			blocked++
		}
	}
	metrics.SetQueueDepth(len(m.queue), blocked)
}

func (m *Manager) updateGauges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateGaugesLocked()
}

// Enqueue appends op to the queue and persists it before returning. It
// fills in ID and EnqueuedAt when empty. If the queue cannot be saved the
// operation is not queued and an error of kind persistence is returned.
func (m *Manager) Enqueue(ctx context.Context, op models.Operation) (models.Operation, error) {
	if op.Table == "" || !op.Action.Valid() {
		return models.Operation{}, &Error{
			Kind: models.KindInvalid,
			Err:  fmt.Errorf("operation needs a table and one of insert, update, delete (got %q on %q)", op.Action, op.Table),
		}
	}

	op = op.Clone()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = m.now().UTC()
	}
	op.Attempts = 0
	op.ConsecutiveFailures = 0
	op.FailureStreak = 0
	op.LastError = nil
	op.NeedsResolution = false

	m.mu.Lock()
	if m.maxQueueLen > 0 && len(m.queue) >= m.maxQueueLen {
		m.mu.Unlock()
		metrics.RecordEnqueueFailure("queue_full")
		logging.Error("enqueue rejected", logging.Operation(op), zap.Error(ErrQueueFull))
		return models.Operation{}, &Error{Kind: models.KindPersistence, Err: ErrQueueFull}
	}

	next := make([]models.Operation, len(m.queue), len(m.queue)+1)
	copy(next, m.queue)
	next = append(next, op)
	if err := m.persistQueueLocked(ctx, next); err != nil {
		m.mu.Unlock()
		reason := "persist_error"
		if errors.Is(err, persist.ErrQuotaExceeded) {
			reason = "quota_exceeded"
		}
		metrics.RecordEnqueueFailure(reason)
		logging.Error("enqueue failed, operation not queued", logging.Operation(op), zap.Error(err))
		return models.Operation{}, err
	}
	m.queue = next
	pending := len(m.queue)
	m.updateGaugesLocked()
	m.mu.Unlock()

	metrics.RecordEnqueue(op.Table, string(op.Action))
	logging.Debug("operation enqueued", logging.Operation(op), zap.Int("pending", pending))
	m.notify(Notice{Type: NoticeEnqueued, Op: ptr(op.Clone()), Pending: pending, At: m.now()})
	return op.Clone(), nil
}

// Queue returns a copy of the pending operations in enqueue order.
func (m *Manager) Queue() []models.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Operation, len(m.queue))
	for i, op := range m.queue {
		out[i] = op.Clone()
	}
	return out
}

// Pending returns the queue length and how many operations need a human.
func (m *Manager) Pending() (total, needsResolution int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.queue {
		if op.NeedsResolution {
			needsResolution++
		}
	}
	return len(m.queue), needsResolution
}

// Get returns the queued operation with id.
func (m *Manager) Get(id string) (models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return models.Operation{}, ErrNotQueued
	}
	return m.queue[i].Clone(), nil
}

func (m *Manager) indexLocked(id string) int {
	for i, op := range m.queue {
		if op.ID == id {
			return i
		}
	}
	return -1
}

// Retry clears the failure count of a queued operation so the next drain
// attempts it again.
func (m *Manager) Retry(ctx context.Context, id string) (models.Operation, error) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return models.Operation{}, ErrNotQueued
	}

	next := cloneQueue(m.queue)
	next[i].ConsecutiveFailures = 0
	next[i].FailureStreak = 0
	next[i].NeedsResolution = false
	if err := m.persistQueueLocked(ctx, next); err != nil {
		m.mu.Unlock()
		return models.Operation{}, err
	}
	m.queue = next
	op := next[i].Clone()
	pending := len(m.queue)
	m.updateGaugesLocked()
	m.mu.Unlock()

	logging.Info("operation released for retry", logging.Operation(op))
	m.notify(Notice{Type: NoticeRetried, Op: ptr(op.Clone()), Pending: pending, At: m.now()})
	return op, nil
}

// Discard removes a queued operation without replaying it.
func (m *Manager) Discard(ctx context.Context, id string) (models.Operation, error) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return models.Operation{}, ErrNotQueued
	}
	if m.inflight == id {
		m.mu.Unlock()
		return models.Operation{}, ErrInFlight
	}

	op := m.queue[i].Clone()
	next := make([]models.Operation, 0, len(m.queue)-1)
	next = append(next, m.queue[:i]...)
	next = append(next, m.queue[i+1:]...)
	if err := m.persistQueueLocked(ctx, next); err != nil {
		m.mu.Unlock()
		return models.Operation{}, err
	}
	m.queue = next
	pending := len(m.queue)
	m.updateGaugesLocked()
	m.mu.Unlock()

	metrics.RecordDiscard()
	logging.Warn("operation discarded", logging.Operation(op))
	m.notify(Notice{Type: NoticeDiscarded, Op: ptr(op.Clone()), Pending: pending, At: m.now()})
	return op, nil
}

func cloneQueue(q []models.Operation) []models.Operation {
	out := make([]models.Operation, len(q))
	for i, op := range q {
		out[i] = op.Clone()
	}
	return out
}

func ptr[T any](v T) *T { return &v }
