// ABOUTME: Task directory scaffold — an opaque markdown filesystem
// ABOUTME: artifact created alongside a swarm (spec.md's "external
// ABOUTME: collaborator": only its existence and path matter here).
package swarm

import (
	"fmt"
	"os"
	"path/filepath"
)

// TaskDirSpec describes the scaffold to materialize for a swarm: a
// filesystem path and an optional overview rendered to HTML and written
// alongside the raw markdown.
type TaskDirSpec struct {
	Path     string
	Overview string
}

// CreateTaskDir materializes spec.Path as a directory. When the overview
// is non-empty it also writes OVERVIEW.md (the raw overview text) and, best
// effort, an overview.html rendering of it; an empty overview leaves the
// directory empty. Coordinator children read
// PI_SWARM_TASK_DIR to find this directory; its contents beyond that are
// opaque to this module.
func CreateTaskDir(spec TaskDirSpec) error {
	if spec.Path == "" {
		return fmt.Errorf("swarm: task dir path is empty")
	}
	if err := os.MkdirAll(spec.Path, 0o755); err != nil {
		return fmt.Errorf("swarm: create task dir: %w", err)
	}

	if spec.Overview == "" {
		return nil
	}

	overviewPath := filepath.Join(spec.Path, "OVERVIEW.md")
	if err := os.WriteFile(overviewPath, []byte(spec.Overview), 0o644); err != nil {
		return fmt.Errorf("swarm: write task overview: %w", err)
	}

	html, err := renderMarkdown(spec.Overview)
	if err != nil {
		return nil
	}
	_ = os.WriteFile(filepath.Join(spec.Path, "overview.html"), []byte(html), 0o644)
	return nil
}
