package subtask

import (
	"context"
	"time"

	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

// RecoveryOptions controls the startup recovery pass.
type RecoveryOptions struct {
	// Restart re-executes interrupted runs instead of failing them.
	Restart bool

	// ResumeSession reuses the original child session id on restart;
	// otherwise the restarted run gets a fresh one.
	ResumeSession bool

	// Parallel runs recovered restarts concurrently. Sequential by
	// default to avoid rate-limiting storms after a crash.
	Parallel bool
}

// Recover scans persisted runs for any left in a non-terminal state by a
// previous process and either fails them or re-executes them.
func (r *Runtime) Recover(ctx context.Context, opts RecoveryOptions) error {
	runs, err := r.config.Memory.QuerySubTaskRuns(ctx, memory.SubTaskQuery{})
	if err != nil {
		return err
	}

	var interrupted []*models.SubTaskRun
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		if r.handle(run.RunID) != nil {
			// Live in this process; not a crash leftover.
			continue
		}
		interrupted = append(interrupted, run)
	}
	if len(interrupted) == 0 {
		return nil
	}
	r.logger.Info("recovering interrupted sub-task runs",
		"count", len(interrupted), "restart", opts.Restart)

	for _, run := range interrupted {
		if !opts.Restart {
			run.Status = models.SubTaskFailed
			run.FinishedAt = time.Now()
			run.Error = interruptedReason
			if err := r.config.Memory.SaveSubTaskRun(ctx, run); err != nil {
				r.logger.Warn("failed to mark run interrupted",
					"run_id", run.RunID, "error", err)
			}
			continue
		}

		if opts.Parallel {
			go r.restart(ctx, run, opts.ResumeSession)
		} else {
			r.restart(ctx, run, opts.ResumeSession)
		}
	}
	return nil
}

// restart re-executes one interrupted run in the background, optionally
// resuming its original child session.
func (r *Runtime) restart(ctx context.Context, old *models.SubTaskRun, resume bool) {
	// Close out the interrupted record before launching the replacement.
	old.Status = models.SubTaskFailed
	old.FinishedAt = time.Now()
	old.Error = interruptedReason
	if err := r.config.Memory.SaveSubTaskRun(ctx, old); err != nil {
		r.logger.Warn("failed to close interrupted run", "run_id", old.RunID, "error", err)
	}

	req := StartRequest{
		ParentSessionID: old.ParentSessionID,
		Prompt:          old.Prompt,
		Description:     old.Description,
		SubagentType:    old.SubagentType,
		Mode:            models.SubTaskBackground,
		ModelHint:       old.ModelHint,
	}
	if resume {
		req.ChildSessionID = old.ChildSessionID
	}
	run, err := r.Start(ctx, req)
	if err != nil {
		r.logger.Warn("failed to restart interrupted run", "run_id", old.RunID, "error", err)
		return
	}
	r.logger.Info("restarted interrupted run",
		"old_run_id", old.RunID, "new_run_id", run.RunID)
}
