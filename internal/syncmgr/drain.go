package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/internal/remote"
	"github.com/silvachamo/agrosync/pkg/models"
)

var errHeadChanged = errors.New("queue head changed during replay")

// Failure is an operation that could not be replayed.
type Failure struct {
	Op      models.Operation
	Kind    models.ErrorKind
	Message string
	Err     error
}

// DrainResult summarizes one drain run.
type DrainResult struct {
	Count    int
	Failures []Failure
}

// Complete reports whether the drain emptied the queue without failures.
func (r DrainResult) Complete() bool {
	return len(r.Failures) == 0
}

// SubmitResult describes what happened to a submitted write.
type SubmitResult struct {
	Op      models.Operation
	Applied bool // replayed against the remote store
	Drain   DrainResult
}

// Drain replays queued operations in FIFO order. Each operation is removed
// and the removal persisted only after the remote store confirmed it. The
// run stops at the first failure, leaving that operation and everything
// after it queued. Concurrent calls are serialized.
func (m *Manager) Drain(ctx context.Context) DrainResult {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	start := time.Now()
	var res DrainResult

	for {
		// The head is claimed in the same critical section that reads it so
		// Discard cannot remove it between here and the replay.
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			break
		}
		head := m.queue[0].Clone()
		if !head.NeedsResolution {
			m.inflight = head.ID
		}
		m.mu.Unlock()

		if head.NeedsResolution {
			msg := "waiting for retry or discard"
			if head.LastError != nil {
				msg = fmt.Sprintf("%s after %d failures: %s", msg, head.FailureStreak, head.LastError.Message)
			}
			res.Failures = append(res.Failures, Failure{
				Op:      head,
				Kind:    models.KindNeedsResolution,
				Message: msg,
				Err:     &Error{Kind: models.KindNeedsResolution, Err: errors.New(msg)},
			})
			break
		}

		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, Failure{Op: head, Kind: models.KindTransport, Message: err.Error(), Err: err})
			break
		}

		// A connection can drop mid-drain. The drain stops with a transport
		// failure in its result, but nothing is recorded on the operation.
		if !m.monitor.IsOnline() {
			err := &Error{Kind: models.KindTransport, Err: errors.New("offline")}
			res.Failures = append(res.Failures, Failure{Op: head, Kind: models.KindTransport, Message: "offline", Err: err})
			break
		}

		err := m.replay(ctx, head)

		if err != nil {
			f := m.recordFailure(ctx, head, err)
			res.Failures = append(res.Failures, f)
			break
		}

		if perr := m.removeHead(ctx, head); perr != nil {
			// Applied remotely but still queued: it will be sent again.
			res.Failures = append(res.Failures, Failure{
				Op:      head,
				Kind:    models.KindPersistence,
				Message: perr.Error(),
				Err:     perr,
			})
			break
		}
		res.Count++
		metrics.RecordReplay(head.Table, string(head.Action), "success")
		logging.Debug("operation replayed", logging.Operation(head))
	}

	m.mu.Lock()
	m.inflight = ""
	pending := len(m.queue)
	m.updateGaugesLocked()
	m.mu.Unlock()

	metrics.RecordDrain(time.Since(start), res.Complete())
	if res.Count > 0 || len(res.Failures) > 0 {
		fields := []zap.Field{
			zap.Int("replayed", res.Count),
			zap.Int("pending", pending),
			zap.Duration("duration", time.Since(start)),
		}
		if len(res.Failures) > 0 {
			f := res.Failures[0]
			fields = append(fields, logging.Operation(f.Op), logging.Kind(f.Kind), zap.String("error", f.Message))
			logging.Warn("drain stopped", fields...)
		} else {
			logging.Info("drain complete", fields...)
		}
	}

	n := Notice{Type: NoticeDrained, Count: res.Count, Pending: pending, At: m.now()}
	if len(res.Failures) > 0 {
		f := res.Failures[0]
		n.Type = NoticeFailed
		n.Op = ptr(f.Op.Clone())
		n.Kind = f.Kind
		n.Message = f.Message
	}
	m.notify(n)
	return res
}

// replay sends one operation to the remote store.
func (m *Manager) replay(ctx context.Context, op models.Operation) error {
	switch op.Action {
	case models.ActionInsert:
		return m.remote.Insert(ctx, op.Table, op.Payload)

	case models.ActionUpdate, models.ActionDelete:
		col, key, err := op.Key()
		if err != nil {
			return remote.NewError(models.KindInvalid, string(op.Action), op.Table, err)
		}
		var n int64
		if op.Action == models.ActionUpdate {
			n, err = m.remote.Update(ctx, op.Table, col, key, op.Patch())
		} else {
			n, err = m.remote.Delete(ctx, op.Table, col, key)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return remote.NewError(models.KindNotFound, string(op.Action), op.Table,
				fmt.Errorf("no row with %s=%s", col, remote.FormatKey(key)))
		}
		return nil

	default:
		return remote.NewError(models.KindInvalid, string(op.Action), op.Table,
			fmt.Errorf("unknown action %q", op.Action))
	}
}

// removeHead drops op from the front of the queue and persists the removal.
// On a persistence error the in-memory queue is left as it is on disk.
// The write is detached from ctx cancellation: op was already applied, and
// leaving it queued would send it again.
func (m *Manager) removeHead(ctx context.Context, op models.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 || m.queue[0].ID != op.ID {
		return &Error{Kind: models.KindPersistence, Err: fmt.Errorf("%w: %s is no longer at the head of the queue", errHeadChanged, op.ID)}
	}
	next := make([]models.Operation, len(m.queue)-1)
	copy(next, m.queue[1:])
	if err := m.persistQueueLocked(context.WithoutCancel(ctx), next); err != nil {
		logging.Error("replayed operation could not be removed from the queue",
			logging.Operation(op), zap.Error(err))
		return err
	}
	m.queue = next
	return nil
}

// recordFailure stamps the failure on the queued operation and flags it
// for manual resolution once it failed maxFailures times in a row with the
// same non-retryable kind. A transport failure or a change of kind restarts
// that streak.
func (m *Manager) recordFailure(ctx context.Context, op models.Operation, err error) Failure {
	kind := KindOf(err)
	now := m.now().UTC()

	m.mu.Lock()
	i := m.indexLocked(op.ID)
	if i >= 0 {
		next := cloneQueue(m.queue)
		q := &next[i]
		q.Attempts++
		q.ConsecutiveFailures++
		switch {
		case kind.Retryable():
			q.FailureStreak = 0
		case q.FailureStreak > 0 && q.LastError != nil && q.LastError.Kind == kind:
			q.FailureStreak++
		default:
			q.FailureStreak = 1
		}
		q.LastError = &models.OperationError{Kind: kind, Message: err.Error(), At: now}
		if m.maxFailures > 0 && q.FailureStreak >= m.maxFailures {
			q.NeedsResolution = true
		}
		if perr := m.persistQueueLocked(context.WithoutCancel(ctx), next); perr != nil {
			logging.Error("could not save replay failure", logging.Operation(op), zap.Error(perr))
		} else {
			m.queue = next
		}
		op = m.queue[i].Clone()
	}
	m.mu.Unlock()

	metrics.RecordReplay(op.Table, string(op.Action), string(kind))
	if op.NeedsResolution {
		logging.Error("operation needs manual resolution",
			logging.Operation(op), logging.Kind(kind), zap.Int("failure_streak", op.FailureStreak), zap.Error(err))
	}
	return Failure{Op: op, Kind: kind, Message: err.Error(), Err: err}
}

// Submit is the single write path: the operation is always queued first,
// then the queue is drained right away when online. Applied reports whether
// this operation reached the remote store during that drain.
func (m *Manager) Submit(ctx context.Context, op models.Operation) (SubmitResult, error) {
	queued, err := m.Enqueue(ctx, op)
	if err != nil {
		return SubmitResult{}, err
	}

	res := SubmitResult{Op: queued}
	if !m.monitor.IsOnline() {
		return res, nil
	}

	res.Drain = m.Drain(ctx)
	if current, err := m.Get(queued.ID); err == nil {
		res.Op = current
	} else {
		res.Applied = true
	}
	return res, nil
}
