package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "reev-harness/internal/errors"
	"reev-harness/pkg/logger"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestWebhookNotifierPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := xerrors.New(xerrors.CodeNoSessionsFound, "no sessions found for execution exec-1",
		xerrors.WithMetadata(logger.KeyExecutionID, "exec-1"))
	dispatcher := NewFanout(&WebhookNotifier{URL: server.URL}, &LogNotifier{Logger: logger.Discard()}, nil)
	if notifyErr := dispatcher.Notify(context.Background(), EventFromError(err, "exec-1")); notifyErr != nil {
		t.Fatalf("notify: %v", notifyErr)
	}

	event := <-received
	if event.Code != xerrors.CodeNoSessionsFound || event.ExecutionID != "exec-1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected severity %s", event.Severity)
	}
}

func TestFanoutJoinsFailures(t *testing.T) {
	dispatcher := NewFanout(failingNotifier{}, &LogNotifier{Logger: logger.Discard()})
	if err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeTimeout}); err == nil {
		t.Fatal("expected joined error")
	}
	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	if err := (&WebhookNotifier{URL: server.URL}).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for 502")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should skip: %v", err)
	}
}
