package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/silvachamo/agrosync/internal/logging"
	"github.com/silvachamo/agrosync/internal/metrics"
	"github.com/silvachamo/agrosync/pkg/models"
)

// Snapshot is the last known-good result of a read.
type Snapshot struct {
	Label   string          `json:"label"`
	Records []models.Record `json:"records"`
	SavedAt time.Time       `json:"saved_at"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Records = make([]models.Record, len(s.Records))
	for i, r := range s.Records {
		out.Records[i] = r.Clone()
	}
	return out
}

// Source tells where Fetch got its records from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceSnapshot Source = "snapshot"
)

// FetchResult is the outcome of a read-through fetch.
type FetchResult struct {
	Records []models.Record
	Source  Source
	SavedAt time.Time // when the snapshot was taken; zero for remote reads

	// RemoteErr is the error that caused a snapshot fallback, if any.
	RemoteErr error
}

// SaveSnapshot replaces the snapshot for label. A nil slice is saved as an
// empty list, which is different from having no snapshot at all.
func (m *Manager) SaveSnapshot(ctx context.Context, label string, records []models.Record) error {
	if label == "" {
		return &Error{Kind: models.KindInvalid, Err: errors.New("snapshot label is required")}
	}
	if records == nil {
		records = []models.Record{}
	}

	snap := Snapshot{Label: label, Records: records, SavedAt: m.now().UTC()}.clone()
	data, err := json.Marshal(snap)
	if err != nil {
		metrics.RecordSnapshotSave(false)
		return &Error{Kind: models.KindInvalid, Err: fmt.Errorf("encode snapshot %s: %w", label, err)}
	}

	m.mu.Lock()
	if err := m.store.Set(ctx, snapshotPrefix+label, data); err != nil {
		m.mu.Unlock()
		metrics.RecordSnapshotSave(false)
		logging.Error("snapshot save failed", zap.String("label", label), zap.Error(err))
		return &Error{Kind: models.KindPersistence, Err: fmt.Errorf("save snapshot %s: %w", label, err)}
	}
	m.snapshots[label] = snap
	m.mu.Unlock()

	metrics.RecordSnapshotSave(true)
	logging.Debug("snapshot saved", zap.String("label", label), zap.Int("records", len(records)))
	m.notify(Notice{Type: NoticeSnapshot, Label: label, Count: len(records), At: snap.SavedAt})
	return nil
}

// Snapshot returns the saved snapshot for label. found is false when no
// snapshot was ever saved. It never contacts the remote store.
func (m *Manager) Snapshot(ctx context.Context, label string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap, ok := m.snapshots[label]; ok {
		return snap.clone(), true, nil
	}

	data, found, err := m.store.Get(ctx, snapshotPrefix+label)
	if err != nil {
		return Snapshot{}, false, &Error{Kind: models.KindPersistence, Err: fmt.Errorf("load snapshot %s: %w", label, err)}
	}
	if !found {
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, &Error{Kind: models.KindPersistence, Err: fmt.Errorf("decode snapshot %s: %w", label, err)}
	}
	if snap.Records == nil {
		snap.Records = []models.Record{}
	}
	snap.Label = label
	m.snapshots[label] = snap
	return snap.clone(), true, nil
}

// Snapshots lists the labels that have a saved snapshot.
func (m *Manager) Snapshots(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, snapshotPrefix)
	if err != nil {
		return nil, &Error{Kind: models.KindPersistence, Err: fmt.Errorf("list snapshots: %w", err)}
	}
	labels := make([]string, len(keys))
	for i, k := range keys {
		labels[i] = strings.TrimPrefix(k, snapshotPrefix)
	}
	return labels, nil
}

// Fetch reads table through the snapshot cache. When online the remote
// store is queried and the result saved under label. When offline, or when
// the remote store is unreachable, the saved snapshot is returned instead.
// Non-transport remote errors are returned as they are.
func (m *Manager) Fetch(ctx context.Context, label, table string, filters []models.Filter) (FetchResult, error) {
	if label == "" {
		label = table
	}

	var remoteErr error
	if m.monitor.IsOnline() {
		records, err := m.remote.Select(ctx, table, filters)
		if err == nil {
			if records == nil {
				records = []models.Record{}
			}
			if serr := m.SaveSnapshot(ctx, label, records); serr != nil {
				logging.Warn("fetched records not cached", zap.String("label", label), zap.Error(serr))
			}
			return FetchResult{Records: records, Source: SourceRemote}, nil
		}
		if !KindOf(err).Retryable() {
			return FetchResult{}, err
		}
		remoteErr = err
	}

	snap, found, err := m.Snapshot(ctx, label)
	if err != nil {
		return FetchResult{}, err
	}
	metrics.RecordSnapshotFallback(found)
	if !found {
		if remoteErr != nil {
			return FetchResult{}, fmt.Errorf("%w %q: %w", ErrNoSnapshot, label, remoteErr)
		}
		return FetchResult{}, fmt.Errorf("%w %q", ErrNoSnapshot, label)
	}

	logging.Debug("serving snapshot", zap.String("label", label), zap.Time("saved_at", snap.SavedAt))
	return FetchResult{
		Records:   snap.Records,
		Source:    SourceSnapshot,
		SavedAt:   snap.SavedAt,
		RemoteErr: remoteErr,
	}, nil
}
