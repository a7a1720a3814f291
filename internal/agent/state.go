package agent

import (
	"time"

	"github.com/joescharf/forge/internal/models"
)

// DefaultMaxRetries is the retry budget shared by every step and the test
// phase of one run.
const DefaultMaxRetries = 3

// State is an immutable snapshot of the agent. Reduce never modifies a State
// in place, so a snapshot returned by Store.State stays valid; callers must
// not modify it either.
type State struct {
	RunID       string                   `json:"runId,omitempty"`
	Phase       models.AgentState        `json:"state"`
	UserRequest string                   `json:"userRequest,omitempty"`
	Analysis    *models.AgentAnalysis    `json:"analysis,omitempty"`
	Plan        *models.AgentPlan        `json:"plan,omitempty"`
	TestResult  *models.TestResult       `json:"testResult,omitempty"`
	Report      *models.AgentReport      `json:"report,omitempty"`
	CurrentStep int                      `json:"currentStepIndex"`
	RetryCount  int                      `json:"retryCount"`
	MaxRetries  int                      `json:"maxRetries"`
	Rollback    []models.AgentFileChange `json:"rollbackStack"`
	Logs        []models.LogEntry        `json:"-"`
	Error       string                   `json:"error,omitempty"`
	Processing  bool                     `json:"isProcessing"`
	StartedAt   time.Time                `json:"startedAt,omitzero"`
}

func initialState() State {
	return State{Phase: models.AgentIdle, MaxRetries: DefaultMaxRetries}
}

// Progress is derived from the plan's step statuses.
type Progress struct {
	CompletedSteps int `json:"completedSteps"`
	TotalSteps     int `json:"totalSteps"`
	Percentage     int `json:"percentage"`
}

// Progress counts completed steps in the current plan. It is recomputed on
// every call.
func (s State) Progress() Progress {
	if s.Plan == nil || len(s.Plan.Steps) == 0 {
		return Progress{}
	}
	var p Progress
	p.TotalSteps = len(s.Plan.Steps)
	for _, step := range s.Plan.Steps {
		if step.Status == models.StepCompleted {
			p.CompletedSteps++
		}
	}
	p.Percentage = p.CompletedSteps * 100 / p.TotalSteps
	return p
}

// CanRetry reports whether the retry budget has tokens left.
func (s State) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// CurrentStepInfo returns the step being executed, if any.
func (s State) CurrentStepInfo() (models.AgentStep, bool) {
	if s.Plan == nil || s.CurrentStep < 0 || s.CurrentStep >= len(s.Plan.Steps) {
		return models.AgentStep{}, false
	}
	return s.Plan.Steps[s.CurrentStep], true
}

// Changes returns every change applied by the plan's steps, in execution order.
func (s State) Changes() []models.AgentFileChange {
	if s.Plan == nil {
		return nil
	}
	var out []models.AgentFileChange
	for _, step := range s.Plan.Steps {
		out = append(out, step.Applied...)
	}
	return out
}

// clonePlan copies p deep enough that its steps can be replaced without
// touching the original.
func clonePlan(p *models.AgentPlan) *models.AgentPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = append([]models.AgentStep(nil), p.Steps...)
	return &cp
}
