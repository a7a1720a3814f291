package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joescharf/forge/internal/filesync"
	"github.com/joescharf/forge/internal/models"
)

// ErrNothingToRollback is returned when there is no failed run with changes.
var ErrNothingToRollback = errors.New("no failed run with changes to roll back")

// Rollback undoes the failed run's changes, last change first. A file that
// did not exist before the run is deleted. When the runtime no longer holds
// what the agent wrote, a warning is logged and the restore goes ahead.
// Restores that fail are logged; the stack is cleared and the agent returns
// to IDLE either way.
func (r *Runner) Rollback(ctx context.Context) error {
	r.mu.Lock()
	busy := r.cancel != nil
	r.mu.Unlock()
	if busy {
		return ErrBusy
	}

	st := r.store.State()
	if st.Phase != models.AgentFailed || len(st.Rollback) == 0 {
		return ErrNothingToRollback
	}
	runID := st.RunID
	r.log(runID, models.LogWarning, fmt.Sprintf("Rolling back %d changes...", len(st.Rollback)))

	var errs []error
	for i := len(st.Rollback) - 1; i >= 0; i-- {
		change := st.Rollback[i]
		r.checkDivergence(ctx, runID, change)
		if err := r.restore(ctx, change); err != nil {
			errs = append(errs, err)
			r.log(runID, models.LogError, fmt.Sprintf("Failed to restore %s: %v", change.FilePath, err))
			continue
		}
		if change.OriginalContent == nil {
			r.log(runID, models.LogInfo, "Removed: "+change.FilePath)
		} else {
			r.log(runID, models.LogInfo, "Restored: "+change.FilePath)
		}
	}

	if err := r.dispatch(Action{Type: ActionRolledBack, RunID: runID}); err != nil {
		return err
	}
	if len(errs) > 0 {
		r.log(runID, models.LogWarning, fmt.Sprintf("Rollback finished with %d error(s)", len(errs)))
		return fmt.Errorf("rollback: %w", errors.Join(errs...))
	}
	r.log(runID, models.LogSuccess, "Rollback complete")
	return nil
}

func (r *Runner) restore(ctx context.Context, change models.AgentFileChange) error {
	if change.OriginalContent == nil {
		return r.files.DeleteFile(ctx, change.FilePath)
	}
	err := r.files.Write(ctx, change.FilePath, *change.OriginalContent, models.OriginAgent)
	if errors.Is(err, filesync.ErrConflict) {
		// The conflict holds the original content as the local side.
		return r.files.ResolveConflict(ctx, change.FilePath, models.ResolveKeepLocal)
	}
	return err
}

// checkDivergence warns when the runtime's content is no longer what the
// change left behind.
func (r *Runner) checkDivergence(ctx context.Context, runID string, change models.AgentFileChange) {
	if r.opts.Reader == nil {
		return
	}
	current, err := r.opts.Reader.ReadFile(ctx, change.FilePath)
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		r.logger.Warn("rollback divergence check", "path", change.FilePath, "error", err)
		return
	}
	var diverged bool
	if change.Action == models.ActionDelete {
		diverged = !missing
	} else {
		diverged = missing || current != change.NewContent
	}
	if diverged {
		r.log(runID, models.LogWarning, fmt.Sprintf("%s changed since the agent wrote it; restoring anyway", change.FilePath))
	}
}
