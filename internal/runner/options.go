package runner

import (
	"fmt"
	"path/filepath"

	"github.com/forgeboard/forgeboard/internal/config"
	"github.com/forgeboard/forgeboard/internal/pathguard"
)

// RunOptions binds one agent run to a working directory. The tool gate is
// always derived from Cwd here so a gate can never be bound to a different
// root than the directory the run executes in.
type RunOptions struct {
	PermissionMode  string
	Cwd             string
	ResumeSessionID string

	guard *pathguard.Guard
}

func NewRunOptions(permissionMode, cwd, resumeSessionID string) (RunOptions, error) {
	if !config.ValidPermissionMode(permissionMode) {
		return RunOptions{}, fmt.Errorf("runner: unknown permission mode %q", permissionMode)
	}
	if !filepath.IsAbs(cwd) {
		return RunOptions{}, fmt.Errorf("runner: cwd %q is not absolute", cwd)
	}
	guard, err := pathguard.New(cwd)
	if err != nil {
		return RunOptions{}, err
	}
	return RunOptions{
		PermissionMode:  permissionMode,
		Cwd:             cwd,
		ResumeSessionID: resumeSessionID,
		guard:           guard,
	}, nil
}

// Guard returns the pathguard bound to Cwd.
func (o RunOptions) Guard() *pathguard.Guard {
	return o.guard
}

// Gate returns the tool gate for this run.
func (o RunOptions) Gate() ToolGate {
	return GateFor(o.guard)
}

// builtinTools maps a permission mode to the runtime's built-in tool
// whitelist. planOnly keeps the agent read-only.
func builtinTools(permissionMode string) []string {
	switch permissionMode {
	case config.PermissionPlanOnly:
		return []string{"file_read", "grep", "glob"}
	default:
		// nil registers every built-in.
		return nil
	}
}
