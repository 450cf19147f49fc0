// Package runner is the boundary to the agent runtime: it builds run options
// bound to a project directory, gates every tool call through pathguard, and
// pumps the runtime's event stream into normalized, size-capped records.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	coremw "github.com/cexll/agentsdk-go/pkg/core/middleware"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/forgeboard/forgeboard/internal/config"
)

// Runtime is the opaque agent runtime (allows mocking in tests).
type Runtime interface {
	RunStream(ctx context.Context, req api.Request) (<-chan api.StreamEvent, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime.
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) RunStream(ctx context.Context, req api.Request) (<-chan api.StreamEvent, error) {
	return r.rt.RunStream(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime for one run. Each run gets a fresh
// runtime so the project root and gate can differ per task.
type RuntimeFactory func(cfg *config.Config, opts RunOptions) (Runtime, error)

// DefaultRuntimeFactory creates the agentsdk-go runtime rooted at the run's
// working directory, with the pathguard gate installed in the hook pipeline
// and the runtime sandbox rooted at the same directory as a second layer.
func DefaultRuntimeFactory(cfg *config.Config, opts RunOptions) (Runtime, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'forgeboard onboard' or set FORGEBOARD_API_KEY / ANTHROPIC_API_KEY")
	}

	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:         opts.Cwd,
		ModelFactory:        provider,
		MaxIterations:       cfg.Agent.MaxToolIterations,
		EnabledBuiltinTools: builtinTools(opts.PermissionMode),
		HookMiddleware:      []coremw.Middleware{GateMiddleware(opts.Gate())},
		Sandbox: api.SandboxOptions{
			Root:         opts.Cwd,
			AllowedPaths: []string{opts.Cwd},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// BuildPrompt embeds the working directory and the stay-inside instruction.
// The hard boundary is the gate; the instruction just reduces wasted denied
// attempts.
func BuildPrompt(opts RunOptions, taskTitle, taskDescription string) string {
	var sb strings.Builder
	sb.WriteString("You are working on the task below inside the directory ")
	sb.WriteString(opts.Cwd)
	sb.WriteString(".\n")
	sb.WriteString("All file reads, writes and commands MUST stay within that directory. ")
	sb.WriteString("Never touch paths outside it.\n\n")
	sb.WriteString("# Task: ")
	sb.WriteString(taskTitle)
	sb.WriteString("\n\n")
	sb.WriteString(taskDescription)
	return sb.String()
}
