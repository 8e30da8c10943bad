package engine

import (
	"errors"
	"fmt"
	"strings"

	"siteline/internal/repo"
)

// ErrConcurrentModification is returned when the bounded retry on tracker
// version conflicts is exhausted. The caller may retry the whole call.
var ErrConcurrentModification = errors.New("concurrent modification")

// Violation is one failed structural check from Validate. Violations are
// reported, never silently fixed; Reconcile is the explicit fix.
type Violation struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Rule      string `json:"rule"`
	Detail    string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("run %s (project %s): %s: %s", v.RunID, v.ProjectID, v.Rule, v.Detail)
}

// IsTransient reports whether a store error is worth retrying: lock/busy
// timeouts from SQLite. Every write in the advancement protocol is
// idempotent, so at-least-once retry is safe.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "interrupted")
}

// IsNotFound unwraps to the repo sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
