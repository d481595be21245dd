package swarm

import (
	"fmt"
	"os"
	"path/filepath"
)

// contextFiles is the fixed set of workspace context files seeded with
// write-if-missing semantics before a workflow's first dispatch
// (section 4.8, "Workspace preparation").
var contextFiles = []string{
	"ENTRY_POINT.md",
	"AGENTS.md",
	"SPEC.md",
	"DECISIONS.md",
	"RUNBOOK.md",
	"INSTRUCTIONS.md",
	"README.md",
	"infra/root-planner.md",
	"infra/subplanner.md",
	"infra/worker.md",
	"infra/reconciler.md",
}

// ensureWorkspace creates w.WorkspaceDir if absent and writes any missing
// context file with a short placeholder body (a heading with the file name
// and a line naming the workflow); existing files are left untouched.
func ensureWorkspace(w Workflow) error {
	if w.WorkspaceDir == "" {
		return nil
	}
	if err := os.MkdirAll(w.WorkspaceDir, 0700); err != nil {
		return fmt.Errorf("create workspace dir %s: %w", w.WorkspaceDir, err)
	}

	for _, rel := range contextFiles {
		path := filepath.Join(w.WorkspaceDir, rel)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create directory for %s: %w", path, err)
		}
		placeholder := fmt.Sprintf("# %s\n\n_seeded for workflow %s_\n", filepath.Base(rel), w.Name)
		if err := os.WriteFile(path, []byte(placeholder), 0600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
