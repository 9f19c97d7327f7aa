package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// fakeDaemon serves canned answers for the routes the CLI calls.
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	blocked := models.Operation{
		ID:                  "op-2",
		Table:               "articles",
		Action:              models.ActionUpdate,
		EnqueuedAt:          time.Now().Add(-2 * time.Hour),
		Attempts:            3,
		ConsecutiveFailures: 3,
		NeedsResolution:     true,
		LastError:           &models.OperationError{Kind: models.KindRejected, Message: "violates check constraint"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, protocol.StatusResponse{
			Online: false, LastChange: time.Now().Add(-5 * time.Minute),
			Pending: 2, NeedsResolution: 1, Persistence: "file", Remote: "postgrest",
		})
	})
	mux.HandleFunc("GET /api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.QueueResponse{
			Operations: []models.Operation{
				{ID: "op-1", Table: "farms", Action: models.ActionInsert, EnqueuedAt: time.Now().Add(-time.Minute)},
				blocked,
			},
			Count: 2,
		})
	})
	mux.HandleFunc("POST /api/v1/queue/drain", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.DrainResponse{
			Count:    1,
			Pending:  1,
			Failures: []protocol.FailureInfo{{Operation: blocked, Kind: models.KindNeedsResolution, Message: "waiting for retry or discard"}},
		})
	})
	mux.HandleFunc("POST /api/v1/queue/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "op-2" {
			writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "operation not queued", Code: 404, Kind: models.KindNotFound})
			return
		}
		op := blocked
		op.NeedsResolution = false
		op.ConsecutiveFailures = 0
		writeJSON(w, http.StatusOK, protocol.OperationResponse{Operation: op})
	})
	mux.HandleFunc("DELETE /api/v1/queue/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.OperationResponse{Operation: blocked})
	})
	mux.HandleFunc("GET /api/v1/snapshots", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.SnapshotListResponse{Labels: []string{"farms", "harvests"}})
	})
	mux.HandleFunc("GET /api/v1/snapshots/{label}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.SnapshotResponse{
			Label:   r.PathValue("label"),
			Records: []models.Record{{"id": "f1"}, {"id": "f2"}},
			SavedAt: time.Now().Add(-3 * 24 * time.Hour),
		})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func execute(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--server", server, "--token", "tkn"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand_Text(t *testing.T) {
	ts := fakeDaemon(t)
	out, err := execute(t, ts.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "offline (since 5 minutes ago)")
	assert.Contains(t, out, "Pending writes:   2")
	assert.Contains(t, out, "Needs resolution: 1")
}

func TestStatusCommand_JSON(t *testing.T) {
	ts := fakeDaemon(t)
	out, err := execute(t, ts.URL, "status", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string                  `json:"status"`
		Data   protocol.StatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Pending)
	assert.Equal(t, "postgrest", resp.Data.Remote)
}

func TestQueueCommand(t *testing.T) {
	ts := fakeDaemon(t)
	out, err := execute(t, ts.URL, "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "op-1")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "needs resolution (rejected: violates check constraint)")
	assert.Contains(t, out, "2 hours ago")
}

func TestDrainCommand_StopsWithFailure(t *testing.T) {
	ts := fakeDaemon(t)
	out, err := execute(t, ts.URL, "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Replayed 1 operation(s), 1 still pending")
	assert.Contains(t, out, "Stopped at op-2")
}

func TestRetryCommand(t *testing.T) {
	ts := fakeDaemon(t)
	out, err := execute(t, ts.URL, "retry", "op-2")
	require.NoError(t, err)
	assert.Contains(t, out, "op-2 will be attempted")

	out, err = execute(t, ts.URL, "retry", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestDiscardCommand(t *testing.T) {
	ts := fakeDaemon(t)
	out, err := execute(t, ts.URL, "discard", "op-2")
	require.NoError(t, err)
	assert.Contains(t, out, "Discarded op-2 (update articles)")
}

func TestSnapshotCommand(t *testing.T) {
	ts := fakeDaemon(t)

	out, err := execute(t, ts.URL, "snapshot")
	require.NoError(t, err)
	assert.Contains(t, out, "farms")
	assert.Contains(t, out, "harvests")

	out, err = execute(t, ts.URL, "snapshot", "farms", "--records")
	require.NoError(t, err)
	assert.Contains(t, out, "Records: 2")
	assert.Contains(t, out, "3 days ago")
	assert.Contains(t, out, `{"id":"f1"}`)
}

func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := execute(t, url, "status", "--timeout", "2s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFormatEvent(t *testing.T) {
	offline := false
	line := formatEvent(protocol.Event{Type: protocol.EventConnectivity, Online: &offline, Pending: 3, Timestamp: 1})
	assert.Contains(t, line, "offline, 3 pending")

	line = formatEvent(protocol.Event{
		Type: protocol.EventFailed, OpID: "op-9", Action: models.ActionDelete, Table: "farms",
		Kind: models.KindAuthorization, Message: "permission denied", Timestamp: 1,
	})
	assert.Contains(t, line, "op-9 delete farms: authorization: permission denied")
}
