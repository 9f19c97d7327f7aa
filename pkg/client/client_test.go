package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/silvachamo/agrosync/pkg/models"
	"github.com/silvachamo/agrosync/pkg/protocol"
	"github.com/silvachamo/agrosync/pkg/retry"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL:   ts.URL,
		AuthToken: "test-token",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func TestStatus_SendsToken(t *testing.T) {
	var gotAuth string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, protocol.StatusResponse{Online: true, Pending: 4})
	}))
	defer ts.Close()

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Pending != 4 || !st.Online {
		t.Errorf("unexpected status %+v", st)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestSubmit_RequestBody(t *testing.T) {
	var got protocol.EnqueueRequest
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/v1/writes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, protocol.SubmitResponse{
			Operation: models.Operation{ID: "op-1", Table: got.Table, Action: got.Action},
			Applied:   true,
		})
	}))
	defer ts.Close()

	res, err := c.Submit(context.Background(), protocol.EnqueueRequest{
		Table:   "articles",
		Action:  models.ActionUpdate,
		Payload: models.Record{"id": "a1", "title": "Poda de olivos"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Applied || res.Operation.ID != "op-1" {
		t.Errorf("unexpected response %+v", res)
	}
	if got.Table != "articles" || got.Payload["title"] != "Poda de olivos" {
		t.Errorf("request body not sent: %+v", got)
	}
}

func TestGet_ServerError_Retry(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, protocol.QueueResponse{Operations: []models.Operation{{ID: "op-1"}}, Count: 1})
	}))
	defer ts.Close()

	q, err := c.Queue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Count != 1 {
		t.Errorf("expected 1 operation, got %d", q.Count)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestWrite_NotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	if _, err := c.Enqueue(context.Background(), protocol.EnqueueRequest{Table: "articles", Action: models.ActionInsert}); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != 1 {
		t.Errorf("writes must not be retried, got %d attempts", attempts.Load())
	}
}

func TestAPIError_Decoded(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{
			Error:     "operation not queued",
			Code:      http.StatusNotFound,
			Kind:      models.KindNotFound,
			RequestID: "20260301090000-000007",
		})
	}))
	defer ts.Close()

	_, err := c.Discard(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RequestID != "20260301090000-000007" {
		t.Errorf("RequestID = %q", apiErr.RequestID)
	}
	if !strings.Contains(err.Error(), "operation not queued") {
		t.Errorf("message not decoded: %v", err)
	}
	if !c.IsOnline() {
		t.Error("client should remain online after a 404")
	}
}

func TestRecords_QueryString(t *testing.T) {
	var gotQuery string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, protocol.RecordsResponse{Table: "farms", Source: "snapshot"})
	}))
	defer ts.Close()

	res, err := c.Records(context.Background(), "farms", "active-farms", []models.Filter{
		{Column: "status", Op: "eq", Value: "active"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != "snapshot" {
		t.Errorf("unexpected source %q", res.Source)
	}
	if gotQuery != "label=active-farms&status=eq.active" {
		t.Errorf("unexpected query %q", gotQuery)
	}
}

func TestOfflineAfterNetworkError(t *testing.T) {
	c, ts := testClient(http.NotFoundHandler())
	ts.Close()

	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected error from closed server")
	}
	if c.IsOnline() {
		t.Error("client should be offline after a network error")
	}
}

func TestSSE_ReceivesEvents(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(": hello\n\n"))
		w.Write([]byte("event: enqueued\ndata: {\"type\":\"enqueued\",\"op_id\":\"op-1\",\"pending\":1,\"timestamp\":1}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sse := NewSSEClient(ts.URL)
	events, _ := sse.Subscribe(ctx)

	select {
	case ev := <-events:
		if ev.Type != protocol.EventEnqueued || ev.OpID != "op-1" || ev.Pending != 1 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
