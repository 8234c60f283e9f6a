package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/target/sandstorm/internal/observability/notify"
)

func TestNewClientRequiresWebhookURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for missing webhook url")
	}
}

func TestSendJobFailureFormatsMessage(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode slack body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		WebhookURL: server.URL,
		Channel:    "#job-alerts",
		Username:   "orchestrator",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.SendJobFailure(context.Background(), notify.JobFailurePayload{
		JobID:      "job-123",
		Task:       "summarize the <repo> README & open a PR",
		SandboxID:  "sbx-9",
		Status:     "failed",
		Error:      "runner exited 1",
		ErrorClass: "launch_error",
		OccurredAt: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		Metadata:   map[string]string{"template": "agent-base"},
	})
	if err != nil {
		t.Fatalf("SendJobFailure: %v", err)
	}

	if got := captured["channel"]; got != "#job-alerts" {
		t.Fatalf("channel = %v", got)
	}
	if got := captured["username"]; got != "orchestrator" {
		t.Fatalf("username = %v", got)
	}

	text, _ := captured["text"].(string)
	wanted := []string{
		"*Job failure alert* `job-123` (failed)",
		"*Severity:* critical",
		"*Task:* summarize the &lt;repo&gt; README &amp; open a PR",
		"*Sandbox:* sbx-9",
		"*Error class:* launch_error",
		"*Error:* runner exited 1",
		"*template:* agent-base",
		"_2026-03-04T10:00:00Z_",
	}
	if !containsAll(text, wanted) {
		t.Fatalf("message text missing expected fragments:\n%s", text)
	}
}

func TestSendJobFailureDefaultsUsernameAndSeverity(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{WebhookURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"}); err != nil {
		t.Fatalf("SendJobFailure: %v", err)
	}

	if got := captured["username"]; got != "sandstorm" {
		t.Fatalf("username = %v", got)
	}
	if _, ok := captured["channel"]; ok {
		t.Fatal("channel should be omitted when unset")
	}
	text, _ := captured["text"].(string)
	if !strings.Contains(text, "*Severity:* critical") {
		t.Fatalf("expected default severity in:\n%s", text)
	}
}

func TestSendJobFailureRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{WebhookURL: server.URL, RetryLimit: 2})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"}); err != nil {
		t.Fatalf("SendJobFailure: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSendJobFailureReturnsLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(Config{WebhookURL: server.URL, RetryLimit: 1})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "job-1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestTruncateTask(t *testing.T) {
	long := strings.Repeat("a", maxTaskChars+50)
	got := truncateTask(long)
	if len(got) != maxTaskChars+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected truncation result length %d", len(got))
	}
	if truncateTask("short") != "short" {
		t.Fatal("short task should be untouched")
	}
}

func containsAll(haystack string, needles []string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
