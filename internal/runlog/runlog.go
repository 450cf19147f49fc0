// Package runlog persists a per-run textual record independently of the
// database: an append-only raw log plus a condensed markdown digest for
// human review.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeboard/forgeboard/internal/runner"
)

const (
	// MarkerDirName roots all run artifacts inside the bound project directory.
	MarkerDirName = ".forgeboard"

	LogFileName   = "process_output.log"
	CleanFileName = "process_output.clean.md"
)

// TaskDir resolves the run directory for a task inside the bound project
// root. Landmark-scoped tasks nest one level deeper so parallel landmarks
// never share a log.
func TaskDir(projectRoot, taskID, landmarkID string) string {
	dir := filepath.Join(projectRoot, MarkerDirName, "tasks", taskID)
	if landmarkID != "" {
		dir = filepath.Join(dir, "landmark-"+landmarkID)
	}
	return dir
}

// Log appends to a single run's raw log file. Each append opens, writes and
// closes the file so a crash mid-run leaves a truncated but readable prefix.
type Log struct {
	path string
}

// Open creates the task directory and returns a log handle for it.
func Open(taskDir string) (*Log, error) {
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: create task dir: %w", err)
	}
	return &Log{path: filepath.Join(taskDir, LogFileName)}, nil
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) append(text string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runlog: open %s: %w", l.path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("runlog: append: %w", err)
	}
	return f.Sync()
}

// WriteHeader records the run preamble before streaming begins.
func (l *Log) WriteHeader(taskID, cwd string, contextDirs []string, promptText string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "===== run started %s =====\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "task: %s\n", taskID)
	fmt.Fprintf(&b, "cwd: %s\n", cwd)
	if len(contextDirs) > 0 {
		fmt.Fprintf(&b, "context dirs: %s\n", strings.Join(contextDirs, ", "))
	}
	fmt.Fprintf(&b, "prompt:\n%s\n", promptText)
	b.WriteString("-----\n")
	return l.append(b.String())
}

// AppendEvent writes one event line. The raw payload arrives already
// size-capped by the pump.
func (l *Log) AppendEvent(evt runner.AgentEvent) error {
	line := fmt.Sprintf("%s [%s] %s\n", evt.Timestamp.Format(time.RFC3339), evt.Type, evt.Raw)
	return l.append(line)
}

// WriteFooter records the run trailer after streaming ends, on success or
// failure alike.
func (l *Log) WriteFooter(summary, sessionID string, totalCostUSD float64) error {
	var b strings.Builder
	fmt.Fprintf(&b, "===== run finished %s =====\n", time.Now().Format(time.RFC3339))
	if sessionID != "" {
		fmt.Fprintf(&b, "session: %s\n", sessionID)
	}
	fmt.Fprintf(&b, "total cost (USD): %.2f\n", totalCostUSD)
	fmt.Fprintf(&b, "summary:\n%s\n", summary)
	return l.append(b.String())
}

// WriteCleanDigest derives the condensed markdown view of a run: assistant
// remarks (deduplicated, in order) and file-write invocations with paths
// shown relative to cwd, followed by the final summary. Raw JSON never
// appears here.
func WriteCleanDigest(taskDir string, events []runner.AgentEvent, summary, cwd string, contextDirs []string) error {
	var b strings.Builder
	b.WriteString("# Run Digest\n\n")
	if len(contextDirs) > 0 {
		fmt.Fprintf(&b, "Context: %s\n\n", strings.Join(contextDirs, ", "))
	}

	seen := make(map[string]bool)
	var wrote bool
	for _, evt := range events {
		switch evt.Type {
		case runner.EventAssistantTurn:
			text := strings.TrimSpace(evt.Text)
			if text == "" || seen[text] {
				continue
			}
			seen[text] = true
			fmt.Fprintf(&b, "%s\n\n", text)
			wrote = true
		case runner.EventToolUse:
			if evt.ToolName != "file_write" {
				continue
			}
			path, _ := evt.ToolInput["file_path"].(string)
			if path == "" {
				continue
			}
			fmt.Fprintf(&b, "- wrote `%s`\n", relativeTo(cwd, path))
			wrote = true
		}
	}
	if wrote {
		b.WriteString("\n")
	}

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "%s\n", summary)

	out := filepath.Join(taskDir, CleanFileName)
	if err := os.WriteFile(out, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("runlog: write digest: %w", err)
	}
	return nil
}

func relativeTo(cwd, path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
