package runner

import (
	"context"
	"fmt"
	"log"

	coreevents "github.com/cexll/agentsdk-go/pkg/core/events"
	coremw "github.com/cexll/agentsdk-go/pkg/core/middleware"
	"github.com/forgeboard/forgeboard/internal/pathguard"
)

// Gate behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Decision is the gate's answer for one tool invocation. On allow,
// UpdatedInput echoes the input the gate validated.
type Decision struct {
	Behavior     string
	Message      string
	UpdatedInput map[string]any
}

// ToolGate is invoked before every tool execution with the tool's name and
// input. It must never panic through to the runtime.
type ToolGate func(toolName string, input map[string]any) Decision

// GateFor wraps a pathguard into a ToolGate. Validation errors and panics
// both convert to deny: the gate fails closed.
func GateFor(guard *pathguard.Guard) ToolGate {
	return func(toolName string, input map[string]any) (decision Decision) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[gate] panic validating %s input: %v", toolName, r)
				decision = Decision{
					Behavior: BehaviorDeny,
					Message:  fmt.Sprintf("tool %s blocked: input validation failed", toolName),
				}
			}
		}()

		untyped := make(map[string]any, len(input))
		for k, v := range input {
			untyped[k] = v
		}
		res := guard.Check(untyped)
		if !res.OK {
			return Decision{
				Behavior: BehaviorDeny,
				Message:  fmt.Sprintf("tool %s blocked: %s", toolName, res.Reason),
			}
		}
		return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
	}
}

// GateMiddleware bridges a ToolGate into the runtime's hook pipeline. A
// non-nil error on a PreToolUse event denies that tool call in-band; the
// runtime relays the reason back to the model, which may retry within bounds.
func GateMiddleware(gate ToolGate) coremw.Middleware {
	return func(next coremw.Handler) coremw.Handler {
		return func(ctx context.Context, evt coreevents.Event) error {
			if evt.Type == coreevents.PreToolUse {
				if payload, matched := evt.Payload.(coreevents.ToolUsePayload); matched {
					decision := gate(payload.Name, payload.Params)
					if decision.Behavior == BehaviorDeny {
						return fmt.Errorf("%s", decision.Message)
					}
				}
			}
			return next(ctx, evt)
		}
	}
}
