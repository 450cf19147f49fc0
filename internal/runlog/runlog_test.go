package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgeboard/forgeboard/internal/runner"
)

func TestTaskDir(t *testing.T) {
	got := TaskDir("/work/proj", "task-1", "")
	want := filepath.Join("/work/proj", ".forgeboard", "tasks", "task-1")
	if got != want {
		t.Fatalf("dir = %q, want %q", got, want)
	}

	got = TaskDir("/work/proj", "task-1", "lm-9")
	if filepath.Base(got) != "landmark-lm-9" {
		t.Fatalf("landmark dir = %q", got)
	}
}

func TestHeaderEventsFooter(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := l.WriteHeader("task-1", "/work/proj", []string{"/work/proj"}, "fix the bug"); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	evt := runner.AgentEvent{
		Timestamp: time.Now(),
		Type:      runner.EventAssistantTurn,
		Raw:       `{"type":"content_block_stop"}`,
		Text:      "looking at main.go",
	}
	if err := l.AppendEvent(evt); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := l.WriteFooter("done", "sess-1", 0.02); err != nil {
		t.Fatalf("WriteFooter: %v", err)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	for _, want := range []string{"task: task-1", "fix the bug", "[assistant-turn]", "0.02", "session: sess-1", "summary:\ndone"} {
		if !strings.Contains(text, want) {
			t.Fatalf("log missing %q:\n%s", want, text)
		}
	}

	// Header must come before the event line, footer after.
	if strings.Index(text, "run started") > strings.Index(text, "[assistant-turn]") {
		t.Fatal("header not before events")
	}
	if strings.Index(text, "[assistant-turn]") > strings.Index(text, "run finished") {
		t.Fatal("footer not after events")
	}
}

func TestAppendIsCumulative(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		evt := runner.AgentEvent{Timestamp: time.Now(), Type: runner.EventToolResult, Raw: "{}"}
		if err := l.AppendEvent(evt); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	data, _ := os.ReadFile(l.Path())
	if n := strings.Count(string(data), "[tool-result]"); n != 3 {
		t.Fatalf("appended %d lines, want 3", n)
	}
}

func TestWriteCleanDigest(t *testing.T) {
	dir := t.TempDir()
	cwd := "/work/proj"
	events := []runner.AgentEvent{
		{Type: runner.EventSystemInit, Raw: "{}"},
		{Type: runner.EventAssistantTurn, Text: "I will update the handler."},
		{Type: runner.EventToolUse, ToolName: "file_write", ToolInput: map[string]any{"file_path": "/work/proj/src/handler.go"}},
		{Type: runner.EventToolUse, ToolName: "bash", ToolInput: map[string]any{"cmd": "go vet ./..."}},
		{Type: runner.EventAssistantTurn, Text: "I will update the handler."}, // duplicate
		{Type: runner.EventAssistantTurn, Text: "Done."},
		{Type: runner.EventResultSuccess, Raw: `{"type":"agent_stop"}`},
	}

	if err := WriteCleanDigest(dir, events, "handler updated", cwd, []string{cwd}); err != nil {
		t.Fatalf("WriteCleanDigest: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, CleanFileName))
	if err != nil {
		t.Fatalf("read digest: %v", err)
	}
	text := string(data)

	if strings.Count(text, "I will update the handler.") != 1 {
		t.Fatal("assistant remarks not deduplicated")
	}
	if !strings.Contains(text, "wrote `src/handler.go`") {
		t.Fatalf("file write path not relativized:\n%s", text)
	}
	if strings.Contains(text, "go vet") {
		t.Fatal("non-file-write tool calls must not appear")
	}
	if strings.Contains(text, "agent_stop") {
		t.Fatal("raw JSON must not appear in the digest")
	}
	if !strings.Contains(text, "## Summary") || !strings.Contains(text, "handler updated") {
		t.Fatal("summary section missing")
	}
}

func TestWriteCleanDigestKeepsForeignPathsVerbatim(t *testing.T) {
	dir := t.TempDir()
	events := []runner.AgentEvent{
		{Type: runner.EventToolUse, ToolName: "file_write", ToolInput: map[string]any{"file_path": "/elsewhere/out.txt"}},
	}
	if err := WriteCleanDigest(dir, events, "ok", "/work/proj", nil); err != nil {
		t.Fatalf("WriteCleanDigest: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, CleanFileName))
	if !strings.Contains(string(data), "/elsewhere/out.txt") {
		t.Fatal("paths outside cwd should stay absolute")
	}
}
