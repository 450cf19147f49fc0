// Package registry keeps the durable mapping from project id to its bound
// local directory. The binding is the precondition for every agent run: it is
// both the run's working directory and the pathguard root.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const documentVersion = 1

// ErrInvalidPath reports a bind attempt against a path that is missing, not a
// directory, or not accessible.
var ErrInvalidPath = errors.New("registry: invalid directory")

// Binding is one project→directory record.
type Binding struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Document is the whole registry file. Writes replace it atomically.
type Document struct {
	Version  int                `json:"version"`
	Projects map[string]Binding `json:"projects"`
}

// Registry reads and writes the registry document. Reads are lazy; the file
// is created on first write.
type Registry struct {
	path       string
	legacyPath string
}

// New returns a Registry stored at path. legacyPath, when non-empty, names a
// pre-versioning file migrated once if the canonical file does not exist.
func New(path, legacyPath string) *Registry {
	return &Registry{path: path, legacyPath: legacyPath}
}

// Get returns the bound directory for a project, or "" when unbound. It
// never returns an error: an unreadable registry reads as empty.
func (r *Registry) Get(projectID string) string {
	doc := r.load()
	if b, found := doc.Projects[projectID]; found {
		return b.Path
	}
	return ""
}

// List returns a copy of all bindings.
func (r *Registry) List() map[string]Binding {
	doc := r.load()
	out := make(map[string]Binding, len(doc.Projects))
	for id, b := range doc.Projects {
		out[id] = b
	}
	return out
}

// Set normalizes rawPath, validates it is an existing directory, and upserts
// the binding. createdAt is preserved when the project was already bound.
func (r *Registry) Set(projectID, rawPath string) (Binding, error) {
	normalized, err := NormalizePath(rawPath)
	if err != nil {
		return Binding{}, err
	}
	if res := ValidateDirectory(normalized); !res.OK {
		return Binding{}, fmt.Errorf("%w: %s", ErrInvalidPath, res.Reason)
	}

	doc := r.load()
	now := time.Now().UTC()
	b := Binding{Path: normalized, CreatedAt: now, UpdatedAt: now}
	if prev, found := doc.Projects[projectID]; found {
		b.CreatedAt = prev.CreatedAt
	}
	doc.Projects[projectID] = b

	if err := r.save(doc); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// Remove deletes a binding. Removing an unknown project is a no-op.
func (r *Registry) Remove(projectID string) error {
	doc := r.load()
	if _, found := doc.Projects[projectID]; !found {
		return nil
	}
	delete(doc.Projects, projectID)
	return r.save(doc)
}

// DirCheck reports the outcome of a directory validation.
type DirCheck struct {
	OK     bool
	Path   string
	Reason string
}

// ValidateDirectory stats path and distinguishes "not accessible" from
// "not a directory".
func ValidateDirectory(path string) DirCheck {
	info, err := os.Stat(path)
	if err != nil {
		return DirCheck{OK: false, Reason: fmt.Sprintf("%s is not accessible: %v", path, err)}
	}
	if !info.IsDir() {
		return DirCheck{OK: false, Reason: fmt.Sprintf("%s is not a directory", path)}
	}
	return DirCheck{OK: true, Path: path}
}

// NormalizePath trims surrounding quotes, expands a leading ~, and resolves
// to an absolute path.
func NormalizePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.Trim(p, `"'`)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: resolve home: %v", ErrInvalidPath, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return filepath.Clean(abs), nil
}

// load reads the document, falling back to legacy migration and finally to an
// empty document. Any failure folds into "empty": binding is re-creatable and
// a corrupt registry must never block startup.
func (r *Registry) load() Document {
	doc := Document{Version: documentVersion, Projects: map[string]Binding{}}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			if migrated, migErr := r.migrateLegacy(); migErr == nil && migrated != nil {
				return *migrated
			}
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{Version: documentVersion, Projects: map[string]Binding{}}
	}
	if doc.Projects == nil {
		doc.Projects = map[string]Binding{}
	}
	doc.Version = documentVersion
	return doc
}

// migrateLegacy reads the old flat {projectID: path} file once and rewrites
// it in the current format.
func (r *Registry) migrateLegacy() (*Document, error) {
	if r.legacyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.legacyPath)
	if err != nil {
		return nil, err
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	doc := Document{Version: documentVersion, Projects: map[string]Binding{}}
	now := time.Now().UTC()
	for id, path := range flat {
		doc.Projects[id] = Binding{Path: path, CreatedAt: now, UpdatedAt: now}
	}
	if err := r.save(doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// save writes the whole document via temp file + rename so a crash can never
// leave a partially written registry.
func (r *Registry) save(doc Document) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
