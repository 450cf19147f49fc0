// Package pathguard decides whether tool-call inputs are confined to a
// project's bound directory. It is the security boundary for every file and
// command operation an agent run performs.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Value is the decoded form of an untyped JSON tool input. Traversal over
// Value is total: every shape an input can take maps to exactly one variant.
type Value interface{ isValue() }

type (
	// Str is a leaf string, the only variant that can carry a path.
	Str string
	// List is an ordered sequence; every element must pass.
	List []Value
	// Map is a keyed mapping; every value must pass, keys are not inspected.
	Map map[string]Value
	// Other covers numbers, booleans and nulls, which cannot carry paths.
	Other struct{}
)

func (Str) isValue()   {}
func (List) isValue()  {}
func (Map) isValue()   {}
func (Other) isValue() {}

// Decode converts an arbitrary decoded-JSON value into a Value tree.
func Decode(v any) Value {
	switch t := v.(type) {
	case string:
		return Str(t)
	case []any:
		out := make(List, 0, len(t))
		for _, el := range t {
			out = append(out, Decode(el))
		}
		return out
	case map[string]any:
		out := make(Map, len(t))
		for k, el := range t {
			out[k] = Decode(el)
		}
		return out
	default:
		return Other{}
	}
}

// Result reports a containment decision. Reason is set only when OK is false.
type Result struct {
	OK     bool
	Reason string
}

func ok() Result { return Result{OK: true} }

func deny(format string, args ...any) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// Guard validates values against one or more allowed root directories.
// Relative candidates are joined against the first root.
type Guard struct {
	roots []string
}

// New builds a Guard. Every root must be an absolute path.
func New(roots ...string) (*Guard, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("pathguard: at least one root is required")
	}
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if !filepath.IsAbs(r) {
			return nil, fmt.Errorf("pathguard: root %q is not absolute", r)
		}
		cleaned = append(cleaned, filepath.Clean(r))
	}
	return &Guard{roots: cleaned}, nil
}

// Roots returns the allowed roots, first root first.
func (g *Guard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Check validates an arbitrary decoded-JSON value. A nil input is vacuously
// compliant: absence of a path is not a violation.
func (g *Guard) Check(input any) Result {
	if input == nil {
		return ok()
	}
	return g.checkValue(Decode(input))
}

func (g *Guard) checkValue(v Value) Result {
	switch t := v.(type) {
	case Str:
		return g.checkString(string(t))
	case List:
		for _, el := range t {
			if res := g.checkValue(el); !res.OK {
				return res
			}
		}
		return ok()
	case Map:
		for _, el := range t {
			if res := g.checkValue(el); !res.OK {
				return res
			}
		}
		return ok()
	default:
		return ok()
	}
}

// checkString inspects a single string parameter. Strings without a path
// separator are ordinary text and pass untouched; this keeps free-form
// parameters (commit messages, search patterns) out of the path rules.
func (g *Guard) checkString(s string) Result {
	if s == "" || !strings.ContainsAny(s, `/\`) {
		return ok()
	}

	// Command-style strings ("ls ../x") smuggle paths as tokens; inspect each
	// whitespace-separated token rather than the string as a whole.
	tokens := []string{s}
	if strings.ContainsAny(s, " \t\n") {
		tokens = strings.Fields(s)
	}

	for _, tok := range tokens {
		candidate := strings.Trim(tok, `"'`)
		if candidate == "" {
			continue
		}
		abs := filepath.IsAbs(candidate)
		if !abs && !hasTraversal(candidate) {
			// Relative without parent traversal stays inside the root once
			// joined against it.
			continue
		}

		resolved := candidate
		if !abs {
			resolved = filepath.Join(g.roots[0], candidate)
		}
		resolved = filepath.Clean(resolved)

		canonical, res := g.canonicalize(resolved)
		if !res.OK {
			return res
		}
		if !g.contained(canonical) {
			return deny("path %q escapes the allowed workspace", candidate)
		}
	}
	return ok()
}

// canonicalize resolves symlinks for the portion of the path that exists, so
// a link pointing outside the root cannot defeat containment. Any filesystem
// error other than non-existence denies: the guard fails closed.
func (g *Guard) canonicalize(path string) (string, Result) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, ok()
	}
	if !os.IsNotExist(err) {
		return "", deny("path %q could not be resolved: %v", path, err)
	}
	// Walk up to the nearest existing ancestor, resolve that, and re-append
	// the non-existing tail.
	dir, tail := filepath.Dir(path), filepath.Base(path)
	for dir != filepath.Dir(dir) {
		resolved, err = filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolved, tail), ok()
		}
		if !os.IsNotExist(err) {
			return "", deny("path %q could not be resolved: %v", path, err)
		}
		tail = filepath.Join(filepath.Base(dir), tail)
		dir = filepath.Dir(dir)
	}
	return path, ok()
}

func (g *Guard) contained(path string) bool {
	for _, root := range g.roots {
		// The root itself may sit behind a symlink (macOS /tmp).
		canonicalRoot := root
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			canonicalRoot = resolved
		}
		for _, r := range []string{root, canonicalRoot} {
			rel, err := filepath.Rel(r, path)
			if err != nil {
				continue
			}
			if rel == "." || (!filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
				return true
			}
		}
	}
	return false
}

func hasTraversal(path string) bool {
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if seg == ".." {
			return true
		}
	}
	return false
}
