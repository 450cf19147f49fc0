package runner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/api"
)

func feed(events ...api.StreamEvent) <-chan api.StreamEvent {
	ch := make(chan api.StreamEvent, len(events))
	for _, evt := range events {
		ch <- evt
	}
	close(ch)
	return ch
}

func TestDrainSuccessRun(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"file_path": "src/main.go"})
	ch := feed(
		api.StreamEvent{Type: api.EventAgentStart, SessionID: "sess-1"},
		api.StreamEvent{Type: api.EventContentBlockStart, ContentBlock: &api.ContentBlock{Type: "text"}},
		api.StreamEvent{Type: api.EventContentBlockDelta, Delta: &api.Delta{Type: "text_delta", Text: "reading "}},
		api.StreamEvent{Type: api.EventContentBlockDelta, Delta: &api.Delta{Type: "text_delta", Text: "the file"}},
		api.StreamEvent{Type: api.EventContentBlockStop},
		api.StreamEvent{Type: api.EventContentBlockStart, ContentBlock: &api.ContentBlock{Type: "tool_use", Name: "file_read", Input: input}},
		api.StreamEvent{Type: api.EventToolExecutionResult, Name: "file_read", Output: "package main"},
		api.StreamEvent{Type: api.EventMessageDelta, Usage: &api.Usage{InputTokens: 1000, OutputTokens: 200}},
		api.StreamEvent{Type: api.EventAgentStop, SessionID: "sess-1"},
	)

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success outcome")
	}
	if out.SessionID != "sess-1" {
		t.Fatalf("session = %q, want sess-1", out.SessionID)
	}

	types := make([]string, len(out.Events))
	for i, evt := range out.Events {
		types[i] = evt.Type
	}
	want := []string{EventSystemInit, EventAssistantTurn, EventToolUse, EventToolResult, EventResultSuccess}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}

	if out.Events[1].Text != "reading the file" {
		t.Fatalf("assistant text = %q", out.Events[1].Text)
	}
	if out.Events[2].ToolName != "file_read" {
		t.Fatalf("tool name = %q", out.Events[2].ToolName)
	}
	if got := out.Events[2].ToolInput["file_path"]; got != "src/main.go" {
		t.Fatalf("tool input file_path = %v", got)
	}
	if out.Usage.InputTokens != 1000 || out.Usage.OutputTokens != 200 {
		t.Fatalf("usage = %+v", out.Usage)
	}
	if out.TotalCostUSD <= 0 {
		t.Fatalf("cost = %v, want > 0", out.TotalCostUSD)
	}
}

func TestDrainStopsAtFirstSuccess(t *testing.T) {
	// Events behind the success terminal must never be consumed or recorded.
	ch := make(chan api.StreamEvent, 8)
	ch <- api.StreamEvent{Type: api.EventAgentStart}
	ch <- api.StreamEvent{Type: api.EventContentBlockStart, ContentBlock: &api.ContentBlock{Type: "text"}}
	ch <- api.StreamEvent{Type: api.EventContentBlockDelta, Delta: &api.Delta{Type: "text_delta", Text: "done"}}
	ch <- api.StreamEvent{Type: api.EventContentBlockStop}
	ch <- api.StreamEvent{Type: api.EventAgentStop}
	// Anything after the first success terminal must stay unconsumed. The
	// channel is also left open: an early exit must not wait for close.
	ch <- api.StreamEvent{Type: api.EventContentBlockStart, ContentBlock: &api.ContentBlock{Type: "text"}}
	ch <- api.StreamEvent{Type: api.EventAgentStop}

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	if len(out.Events) != 3 {
		t.Fatalf("recorded %d events, want 3", len(out.Events))
	}
	if out.Events[2].Type != EventResultSuccess {
		t.Fatalf("last event = %q", out.Events[2].Type)
	}
	if len(ch) != 2 {
		t.Fatalf("%d events left in channel, want 2 unconsumed", len(ch))
	}
}

func TestDrainErrorKeepsConsuming(t *testing.T) {
	ch := feed(
		api.StreamEvent{Type: api.EventAgentStart},
		api.StreamEvent{Type: api.EventError, Output: "model refused"},
		api.StreamEvent{Type: api.EventToolExecutionResult, Name: "bash"},
	)

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if out.Success {
		t.Fatal("expected failure outcome")
	}
	if out.ErrorMessage != "model refused" {
		t.Fatalf("error message = %q", out.ErrorMessage)
	}
	// The tool result after the error is still captured for debugging.
	if len(out.Events) != 3 {
		t.Fatalf("recorded %d events, want 3", len(out.Events))
	}
}

func TestDrainTruncatesOversizedEvents(t *testing.T) {
	huge := strings.Repeat("x", RawEventCap+5000)
	ch := feed(
		api.StreamEvent{Type: api.EventToolExecutionOutput, Name: "bash", Output: huge},
		api.StreamEvent{Type: api.EventAgentStop},
	)

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	evt := out.Events[0]
	if !evt.Truncated {
		t.Fatal("expected truncated flag")
	}
	if len(evt.Raw) != RawEventCap+len(truncationMarker) {
		t.Fatalf("raw length = %d, want %d", len(evt.Raw), RawEventCap+len(truncationMarker))
	}
	if !strings.HasSuffix(evt.Raw, truncationMarker) {
		t.Fatal("expected truncation marker suffix")
	}

	// Events under the cap are stored verbatim.
	if out.Events[1].Truncated {
		t.Fatal("terminal event should not be truncated")
	}
}

func TestDrainTruncationKeepsValidUTF8(t *testing.T) {
	// A multi-byte rune straddling the cap must be dropped whole, not cut
	// mid-sequence.
	huge := strings.Repeat("执行中", RawEventCap)
	ch := feed(
		api.StreamEvent{Type: api.EventToolExecutionOutput, Name: "bash", Output: huge},
		api.StreamEvent{Type: api.EventAgentStop},
	)

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	evt := out.Events[0]
	if !evt.Truncated {
		t.Fatal("expected truncated flag")
	}
	if !utf8.ValidString(evt.Raw) {
		t.Fatal("truncation produced invalid UTF-8")
	}
	if len(evt.Raw) > RawEventCap+len(truncationMarker) {
		t.Fatalf("raw length = %d, exceeds cap", len(evt.Raw))
	}
	if !strings.HasSuffix(evt.Raw, truncationMarker) {
		t.Fatal("expected truncation marker suffix")
	}
}

func TestDrainUnknownEventRecorded(t *testing.T) {
	ch := feed(
		api.StreamEvent{Type: "mystery_extension"},
		api.StreamEvent{Type: api.EventAgentStop},
	)

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if out.Events[0].Type != EventUnknown {
		t.Fatalf("event type = %q, want %q", out.Events[0].Type, EventUnknown)
	}
}

func TestDrainStreamEndedWithoutTerminal(t *testing.T) {
	ch := feed(api.StreamEvent{Type: api.EventAgentStart})

	pump := &Pump{}
	out, err := pump.Drain(context.Background(), ch)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if out == nil || len(out.Events) != 1 {
		t.Fatal("partial outcome should still be returned")
	}
}

func TestDrainContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan api.StreamEvent)

	pump := &Pump{}
	_, err := pump.Drain(ctx, ch)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestDrainSinkReceivesEventsInOrder(t *testing.T) {
	ch := feed(
		api.StreamEvent{Type: api.EventAgentStart},
		api.StreamEvent{Type: api.EventAgentStop},
	)

	var seen []string
	pump := &Pump{Sink: func(evt AgentEvent) { seen = append(seen, evt.Type) }}
	if _, err := pump.Drain(context.Background(), ch); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(seen) != 2 || seen[0] != EventSystemInit || seen[1] != EventResultSuccess {
		t.Fatalf("sink saw %v", seen)
	}
}

func TestEstimateCost(t *testing.T) {
	cost := EstimateCost(Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	if cost != costPerMInputUSD+costPerMOutputUSD {
		t.Fatalf("cost = %v", cost)
	}
	if EstimateCost(Usage{}) != 0 {
		t.Fatal("zero usage should cost nothing")
	}
}
