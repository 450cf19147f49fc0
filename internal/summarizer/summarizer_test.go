package summarizer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgeboard/forgeboard/internal/config"
	"github.com/forgeboard/forgeboard/internal/runner"
)

func testConfig(apiKey, baseURL string) *config.Config {
	return &config.Config{
		Agent:    config.AgentConfig{Model: "test-model", MaxTokens: 256},
		Provider: config.ProviderConfig{APIKey: apiKey, BaseURL: baseURL},
	}
}

func TestSummarizeHappyPath(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"choices":[{"message":{"content":"Updated the handler and ran tests."}}]}`))
	}))
	defer srv.Close()

	s := New(testConfig("test-key", srv.URL))
	events := []runner.AgentEvent{
		{Type: runner.EventAssistantTurn, Text: "editing handler"},
		{Type: runner.EventResultSuccess},
	}
	got := s.Summarize("fix the handler", events)
	if got != "Updated the handler and ran tests." {
		t.Fatalf("summary = %q", got)
	}
	if !strings.Contains(gotBody, "fix the handler") {
		t.Fatal("task description not sent")
	}
	if !strings.Contains(gotBody, "editing handler") {
		t.Fatal("event digest not sent")
	}
}

func TestSummarizePlaceholderOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(testConfig("test-key", srv.URL))
	if got := s.Summarize("task", nil); got != Placeholder {
		t.Fatalf("got %q, want placeholder", got)
	}
}

func TestSummarizePlaceholderWithoutCredentials(t *testing.T) {
	s := New(testConfig("", ""))
	if got := s.Summarize("task", nil); got != Placeholder {
		t.Fatalf("got %q, want placeholder", got)
	}
}

func TestSummarizerProviderOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer summary-key" {
			t.Errorf("auth = %q, want summarizer provider key", auth)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	cfg := testConfig("agent-key", "http://agent.invalid")
	cfg.Summarizer = config.SummarizerConfig{
		Model:    "small-model",
		Provider: &config.ProviderConfig{APIKey: "summary-key", BaseURL: srv.URL},
	}
	s := New(cfg)
	if got := s.Summarize("task", nil); got != "ok" {
		t.Fatalf("summary = %q", got)
	}
}

func TestDigestBoundsTailWindow(t *testing.T) {
	events := make([]runner.AgentEvent, 40)
	for i := range events {
		events[i] = runner.AgentEvent{Type: runner.EventAssistantTurn, Text: strings.Repeat("x", 3)}
	}
	events[len(events)-1] = runner.AgentEvent{Type: runner.EventResultSuccess}

	digest := Digest(events, 18)
	if n := strings.Count(digest, "\n"); n != 18 {
		t.Fatalf("digest has %d lines, want 18", n)
	}
	if !strings.Contains(digest, "run succeeded") {
		t.Fatal("digest must keep the tail, not the head")
	}
}

func TestDigestSkipsBookkeeping(t *testing.T) {
	events := []runner.AgentEvent{
		{Type: runner.EventSystemInit, Raw: "{}"},
		{Type: runner.EventStreamDelta, Raw: "{}"},
		{Type: runner.EventToolUse, ToolName: "bash", ToolInput: map[string]any{"cmd": "ls"}},
	}
	digest := Digest(events, 0)
	if strings.Contains(digest, "system-init") || strings.Contains(digest, "stream-delta") {
		t.Fatalf("digest includes bookkeeping:\n%s", digest)
	}
	if !strings.Contains(digest, `tool bash({"cmd":"ls"})`) {
		t.Fatalf("digest = %q", digest)
	}
}
