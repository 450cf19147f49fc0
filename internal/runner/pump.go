package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/api"
)

// RawEventCap bounds the serialized form stored for a single event. Verbose
// tool outputs (full file dumps echoed back) would otherwise grow records
// without limit.
const RawEventCap = 15000

const truncationMarker = "...[truncated]"

// Normalized event types recorded for a run.
const (
	EventSystemInit    = "system-init"
	EventUserTurn      = "user-turn"
	EventAssistantTurn = "assistant-turn"
	EventToolUse       = "tool-use"
	EventToolResult    = "tool-result"
	EventStreamDelta   = "stream-delta"
	EventResultSuccess = "result-success"
	EventResultError   = "result-error"
	EventUnknown       = "unknown"
)

// AgentEvent is one normalized, size-capped record of the run's event log.
type AgentEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Raw       string         `json:"raw"`
	Truncated bool           `json:"truncated"`
	SessionID string         `json:"sessionId,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Claude Sonnet list pricing, USD per million tokens.
const (
	costPerMInputUSD  = 3.0
	costPerMOutputUSD = 15.0
)

// EstimateCost converts accumulated token usage into an approximate USD cost.
func EstimateCost(u Usage) float64 {
	return float64(u.InputTokens)*costPerMInputUSD/1e6 + float64(u.OutputTokens)*costPerMOutputUSD/1e6
}

// Outcome is the pump's summary of one drained stream. Success reports the
// in-band result; transport failures are returned as errors from Drain
// instead.
type Outcome struct {
	Events       []AgentEvent `json:"events"`
	SessionID    string       `json:"sessionId,omitempty"`
	Usage        Usage        `json:"usage"`
	TotalCostUSD float64      `json:"totalCostUsd"`
	Success      bool         `json:"success"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// Pump drives one event stream to completion. Sink, when set, receives every
// recorded event synchronously in emission order.
type Pump struct {
	Sink func(AgentEvent)
}

// Drain consumes the stream until a terminal event or transport failure.
//
// A success terminal exits immediately: the runtime may keep emitting
// bookkeeping after logical completion and the caller must not block on it.
// An in-band error terminal keeps consuming so the remaining context is
// still captured for debugging. A context cancellation or a stream that ends
// without any terminal is a transport-level failure; the partial outcome is
// returned alongside the error so the caller can persist what was captured.
func (p *Pump) Drain(ctx context.Context, events <-chan api.StreamEvent) (*Outcome, error) {
	out := &Outcome{}
	session := &SessionTracker{}
	var textBlock strings.Builder
	errorSeen := false

	finish := func() *Outcome {
		out.SessionID = session.Current()
		out.TotalCostUSD = EstimateCost(out.Usage)
		return out
	}

	for {
		select {
		case <-ctx.Done():
			return finish(), fmt.Errorf("stream aborted: %w", ctx.Err())
		case evt, open := <-events:
			if !open {
				if errorSeen {
					return finish(), nil
				}
				return finish(), fmt.Errorf("stream ended without a terminal result")
			}

			session.Observe(evt.SessionID)
			if evt.Usage != nil {
				out.Usage.InputTokens += evt.Usage.InputTokens
				out.Usage.OutputTokens += evt.Usage.OutputTokens
			}

			switch evt.Type {
			case api.EventAgentStart:
				p.record(out, evt, EventSystemInit, nil)

			case api.EventContentBlockStart:
				if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
					rec := &AgentEvent{ToolName: evt.ContentBlock.Name}
					if len(evt.ContentBlock.Input) > 0 {
						var input map[string]any
						if err := json.Unmarshal(evt.ContentBlock.Input, &input); err == nil {
							rec.ToolInput = input
						}
					}
					p.record(out, evt, EventToolUse, rec)
				} else {
					textBlock.Reset()
				}

			case api.EventContentBlockDelta:
				// Per-chunk text deltas are coalesced into one assistant-turn
				// on block stop; recording each chunk would drown the log.
				if evt.Delta != nil {
					textBlock.WriteString(evt.Delta.Text)
				}

			case api.EventContentBlockStop:
				if text := textBlock.String(); text != "" {
					p.record(out, evt, EventAssistantTurn, &AgentEvent{Text: text})
					textBlock.Reset()
				}

			case api.EventMessageStart, api.EventMessageDelta, api.EventMessageStop,
				api.EventIterationStart, api.EventIterationStop, api.EventPing:
				// Envelope bookkeeping; usage is already accumulated above.

			case api.EventToolExecutionStart:
				p.record(out, evt, EventToolUse, &AgentEvent{ToolName: evt.Name})

			case api.EventToolExecutionOutput:
				p.record(out, evt, EventStreamDelta, &AgentEvent{ToolName: evt.Name})

			case api.EventToolExecutionResult:
				p.record(out, evt, EventToolResult, &AgentEvent{ToolName: evt.Name})

			case api.EventError:
				errorSeen = true
				out.Success = false
				out.ErrorMessage = fmt.Sprintf("%v", evt.Output)
				p.record(out, evt, EventResultError, nil)

			case api.EventAgentStop:
				p.record(out, evt, EventResultSuccess, nil)
				if !errorSeen {
					out.Success = true
				}
				return finish(), nil

			default:
				p.record(out, evt, EventUnknown, nil)
			}
		}
	}
}

// record serializes, caps and appends one event, then hands it to the sink.
// extra carries pre-extracted fields (assistant text, tool name/input).
func (p *Pump) record(out *Outcome, evt api.StreamEvent, eventType string, extra *AgentEvent) {
	raw, err := json.Marshal(evt)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"type":%q,"marshal_error":%q}`, evt.Type, err.Error()))
	}

	rec := AgentEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Raw:       string(raw),
		SessionID: evt.SessionID,
	}
	if extra != nil {
		rec.Text = extra.Text
		rec.ToolName = extra.ToolName
		rec.ToolInput = extra.ToolInput
	}
	if len(rec.Raw) > RawEventCap {
		// Back off to a rune boundary so the cut never leaves invalid UTF-8
		// in the record.
		cut := RawEventCap
		for cut > 0 && !utf8.RuneStart(rec.Raw[cut]) {
			cut--
		}
		rec.Raw = rec.Raw[:cut] + truncationMarker
		rec.Truncated = true
	}

	out.Events = append(out.Events, rec)
	if p.Sink != nil {
		p.Sink(rec)
	}
}
