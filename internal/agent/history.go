package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/forge/internal/models"
)

// RunStore is the subset of store.Store needed to keep run history.
type RunStore interface {
	CreateAgentRun(ctx context.Context, run *models.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	UpdateAgentRun(ctx context.Context, run *models.AgentRun) error
	AddAgentLogs(ctx context.Context, logs []models.LogEntry) error
}

// runRecord builds the history record for the run in st.
func runRecord(st State) *models.AgentRun {
	run := &models.AgentRun{
		ID:          st.RunID,
		UserRequest: st.UserRequest,
		State:       st.Phase,
		RetryCount:  st.RetryCount,
		Error:       st.Error,
		StartedAt:   st.StartedAt,
	}
	if st.Plan != nil {
		run.PlanSummary = st.Plan.Summary
		p := st.Progress()
		run.StepsTotal = p.TotalSteps
		run.StepsCompleted = p.CompletedSteps
	}
	return run
}

// FinishRun closes a recorded run with its final state and stores its logs.
// Only runs still open can be finished. A run that settled outside a terminal
// phase (clarification, reset) is stored as it is.
func FinishRun(ctx context.Context, s RunStore, final *models.AgentRun, logs []models.LogEntry) (*models.AgentRun, error) {
	run, err := s.GetAgentRun(ctx, final.ID)
	if err != nil {
		return nil, err
	}
	if run.EndedAt != nil {
		return nil, fmt.Errorf("run %s already ended as %s", run.ID, run.State)
	}

	run.State = final.State
	run.PlanSummary = final.PlanSummary
	run.StepsTotal = final.StepsTotal
	run.StepsCompleted = final.StepsCompleted
	run.RetryCount = final.RetryCount
	run.Error = final.Error
	now := time.Now().UTC()
	run.EndedAt = &now

	if err := s.UpdateAgentRun(ctx, run); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if len(logs) > 0 {
		if err := s.AddAgentLogs(ctx, logs); err != nil {
			return nil, fmt.Errorf("add run logs: %w", err)
		}
	}
	return run, nil
}

// ReconcileRuns marks runs that never ended, because the process stopped
// mid-run, as failed. Returns the count of runs closed.
func ReconcileRuns(ctx context.Context, s RunStore, runs []*models.AgentRun) int {
	closed := 0
	for _, run := range runs {
		if run.EndedAt != nil {
			continue
		}
		interrupted := *run
		interrupted.State = models.AgentFailed
		interrupted.Error = "interrupted before completion"
		if _, err := FinishRun(ctx, s, &interrupted, nil); err == nil {
			closed++
		}
	}
	return closed
}
