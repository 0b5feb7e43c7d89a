package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookNotifierSend(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, testLogger())
	msg := Message{
		ExecutionID: "ex-1", Service: "payments", ArtifactID: "payments@v2",
		Event: "SUCCEEDED", Text: "execution ex-1 finished",
		LedgerRef: "/executions/ex-1/audit",
	}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.ExecutionID != "ex-1" || got.Event != "SUCCEEDED" {
		t.Errorf("delivered message = %+v", got)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, testLogger())
	if err := n.Send(context.Background(), Message{ExecutionID: "ex-1"}); err == nil {
		t.Error("Send() to failing endpoint succeeded, want error")
	}
}

func TestWebhookNotifierRetriesUrgent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, testLogger())

	// Non-urgent messages are not retried.
	calls.Store(0)
	if err := n.Send(context.Background(), Message{ExecutionID: "ex-1"}); err == nil {
		t.Error("non-urgent Send() succeeded despite first-attempt failure")
	}
	if calls.Load() != 1 {
		t.Errorf("non-urgent attempts = %d, want 1", calls.Load())
	}

	calls.Store(0)
	if err := n.Send(context.Background(), Message{ExecutionID: "ex-1", Urgent: true}); err != nil {
		t.Errorf("urgent Send() error = %v, want success on retry", err)
	}
	if calls.Load() != 2 {
		t.Errorf("urgent attempts = %d, want 2", calls.Load())
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	if err := r.Send(context.Background(), Message{ExecutionID: "ex-1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := r.Send(context.Background(), Message{ExecutionID: "ex-2"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sent := r.Sent()
	if len(sent) != 2 || sent[0].ExecutionID != "ex-1" || sent[1].ExecutionID != "ex-2" {
		t.Errorf("Sent() = %+v", sent)
	}
}
