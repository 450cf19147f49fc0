// Package orchestrator is the end-to-end state machine for handing a task to
// the agent and durably recording what happened.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/forgeboard/forgeboard/internal/bus"
	"github.com/forgeboard/forgeboard/internal/config"
	"github.com/forgeboard/forgeboard/internal/registry"
	"github.com/forgeboard/forgeboard/internal/runlog"
	"github.com/forgeboard/forgeboard/internal/runner"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/internal/summarizer"
)

// failurePrefix opens the comment stored when a run fails.
const failurePrefix = "执行失败: "

// commentAuthor marks agent-produced comments apart from human ones.
const commentAuthor = "agent"

// BindingError reports a task whose project has no usable directory binding.
// The agent is never started without a confirmed root: the path gate is
// meaningless without one.
type BindingError struct {
	ProjectID string
	Reason    string
}

func (e *BindingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("project %s binding unusable: %s", e.ProjectID, e.Reason)
	}
	return fmt.Sprintf("project %s has no bound directory", e.ProjectID)
}

// RunRecord is the structured content persisted as a comment when a run
// finishes. It is the durable machine-readable counterpart of the run log.
type RunRecord struct {
	Prompt       string              `json:"prompt"`
	Cwd          string              `json:"cwd"`
	SessionID    string              `json:"sessionId,omitempty"`
	Usage        runner.Usage        `json:"usage"`
	TotalCostUSD float64             `json:"totalCostUsd"`
	Success      bool                `json:"success"`
	Events       []runner.AgentEvent `json:"events"`
}

// Orchestrator wires the registry, store, runtime, summarizer and event bus
// together. It is stateless per invocation; at-most-one-concurrent-run-per-
// task is enforced by the API layer, not here.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	registry   *registry.Registry
	summarizer summarizer.Summarizer
	factory    runner.RuntimeFactory
	bus        *bus.EventBus
}

func New(cfg *config.Config, st *store.Store, reg *registry.Registry, sum summarizer.Summarizer, factory runner.RuntimeFactory, eb *bus.EventBus) *Orchestrator {
	if factory == nil {
		factory = runner.DefaultRuntimeFactory
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		summarizer: sum,
		factory:    factory,
		bus:        eb,
	}
}

// RunTask executes one full run for the task. resumeSessionID, when
// non-empty, overrides the session stored from earlier runs. Any failure
// after the status was flipped to in_progress rolls the status back to
// pending so the run can be retried; the partial run log on disk stays valid
// either way.
func (o *Orchestrator) RunTask(ctx context.Context, taskID, resumeSessionID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}

	root := o.registry.Get(task.ProjectID)
	if root == "" {
		return &BindingError{ProjectID: task.ProjectID}
	}
	if check := registry.ValidateDirectory(root); !check.OK {
		return &BindingError{ProjectID: task.ProjectID, Reason: check.Reason}
	}

	if err := o.store.UpdateTaskStatus(task.ID, store.StatusInProgress); err != nil {
		return fmt.Errorf("mark in_progress: %w", err)
	}
	o.publish(bus.RunEvent{TaskID: task.ID, ProjectID: task.ProjectID, Kind: bus.KindRunStarted})

	outcome, runErr := o.execute(ctx, task, root, resumeSessionID)
	if runErr != nil {
		o.rollback(task, runErr)
		return runErr
	}
	if !outcome.Success {
		err := fmt.Errorf("agent run failed: %s", outcome.ErrorMessage)
		o.rollback(task, err)
		return err
	}

	o.publish(bus.RunEvent{TaskID: task.ID, ProjectID: task.ProjectID, Kind: bus.KindRunCompleted, Summary: outcome.summary})
	return nil
}

// runOutcome carries the pump result plus the summary derived from it.
type runOutcome struct {
	*runner.Outcome
	summary string
}

func (o *Orchestrator) execute(ctx context.Context, task *store.Task, root, explicitSession string) (*runOutcome, error) {
	mode := o.cfg.Agent.PermissionMode
	if mode == "" {
		mode = config.PermissionDefault
	}
	resume := runner.ResolveSessionID(explicitSession, task.SessionID)

	opts, err := runner.NewRunOptions(mode, root, resume)
	if err != nil {
		return nil, err
	}
	prompt := runner.BuildPrompt(opts, task.Title, task.Description)

	taskDir := runlog.TaskDir(root, task.ID, task.LandmarkID)
	rl, err := runlog.Open(taskDir)
	if err != nil {
		return nil, err
	}
	if err := rl.WriteHeader(task.ID, root, []string{root}, prompt); err != nil {
		return nil, err
	}

	rt, err := o.factory(o.cfg, opts)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	events, err := rt.RunStream(ctx, api.Request{Prompt: prompt, SessionID: opts.ResumeSessionID})
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}

	pump := &runner.Pump{Sink: func(evt runner.AgentEvent) {
		if appendErr := rl.AppendEvent(evt); appendErr != nil {
			// A failed append must not abort the run; the comment record
			// still captures the full event list.
			log.Printf("[orchestrator] run log append failed for task %s: %v", task.ID, appendErr)
		}
		o.publish(bus.RunEvent{
			TaskID:    task.ID,
			ProjectID: task.ProjectID,
			Kind:      bus.KindRunEvent,
			Line:      fmt.Sprintf("[%s] %s", evt.Type, evt.Text),
			Timestamp: time.Now(),
		})
	}}

	outcome, drainErr := pump.Drain(ctx, events)
	if drainErr != nil {
		// Transport-level failure. Whatever streamed before the break is
		// already in the run log; close it out and let the caller roll back.
		if outcome != nil {
			_ = rl.WriteFooter(failurePrefix+drainErr.Error(), outcome.SessionID, outcome.TotalCostUSD)
		}
		return nil, drainErr
	}

	summary := o.summarizer.Summarize(task.Description, outcome.Events)

	if err := rl.WriteFooter(summary, outcome.SessionID, outcome.TotalCostUSD); err != nil {
		log.Printf("[orchestrator] run log footer failed for task %s: %v", task.ID, err)
	}
	if err := runlog.WriteCleanDigest(taskDir, outcome.Events, summary, root, []string{root}); err != nil {
		log.Printf("[orchestrator] clean digest failed for task %s: %v", task.ID, err)
	}

	if outcome.SessionID != "" {
		if err := o.store.UpdateTaskSession(task.ID, outcome.SessionID); err != nil {
			log.Printf("[orchestrator] session save failed for task %s: %v", task.ID, err)
		}
	}

	if outcome.Success {
		record := RunRecord{
			Prompt:       prompt,
			Cwd:          root,
			SessionID:    outcome.SessionID,
			Usage:        outcome.Usage,
			TotalCostUSD: outcome.TotalCostUSD,
			Success:      true,
			Events:       outcome.Events,
		}
		if _, err := o.store.InsertComment(task.ID, commentAuthor, summary, record); err != nil {
			return nil, fmt.Errorf("persist run record: %w", err)
		}
		if err := o.store.UpdateTaskStatus(task.ID, store.StatusCompleted); err != nil {
			return nil, fmt.Errorf("mark completed: %w", err)
		}
	}

	return &runOutcome{Outcome: outcome, summary: summary}, nil
}

// rollback returns the task to pending so the run stays retryable, and
// leaves a best-effort failure comment. Nothing here is allowed to fail the
// caller: persistence errors are logged and swallowed.
func (o *Orchestrator) rollback(task *store.Task, cause error) {
	if err := o.store.UpdateTaskStatus(task.ID, store.StatusPending); err != nil {
		log.Printf("[orchestrator] rollback of task %s failed: %v", task.ID, err)
	}
	if _, err := o.store.InsertComment(task.ID, commentAuthor, failurePrefix+cause.Error(), nil); err != nil {
		log.Printf("[orchestrator] failure comment for task %s failed: %v", task.ID, err)
	}
	o.publish(bus.RunEvent{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Kind:      bus.KindRunFailed,
		Summary:   cause.Error(),
	})
}

func (o *Orchestrator) publish(evt bus.RunEvent) {
	if o.bus == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	o.bus.Publish(evt)
}
