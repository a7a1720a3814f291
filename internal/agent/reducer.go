package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/forge/internal/models"
)

var (
	// ErrStaleRun is returned for an action stamped with a run that is no
	// longer current, typically a result that arrived after Reset.
	ErrStaleRun = errors.New("action belongs to a stale run")
	// ErrInvalidTransition is returned when an action does not apply to the
	// current phase.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrBusy is returned when a run is started while another is processing.
	ErrBusy = errors.New("agent is already processing a request")
)

// ActionType names a state transition.
type ActionType string

const (
	ActionRunStarted             ActionType = "RUN_STARTED"
	ActionAnalyzeStarted         ActionType = "ANALYZE_STARTED"
	ActionAnalyzeSucceeded       ActionType = "ANALYZE_SUCCEEDED"
	ActionClarificationRequested ActionType = "CLARIFICATION_REQUESTED"
	ActionAnalyzeFailed          ActionType = "ANALYZE_FAILED"
	ActionPlanStarted            ActionType = "PLAN_STARTED"
	ActionPlanSucceeded          ActionType = "PLAN_SUCCEEDED"
	ActionPlanFailed             ActionType = "PLAN_FAILED"
	ActionExecutionStarted       ActionType = "EXECUTION_STARTED"
	ActionStepStarted            ActionType = "STEP_STARTED"
	ActionStepSucceeded          ActionType = "STEP_SUCCEEDED"
	ActionStepFailed             ActionType = "STEP_FAILED"
	ActionRetryConsumed          ActionType = "RETRY_CONSUMED"
	ActionRetriesExhausted       ActionType = "RETRIES_EXHAUSTED"
	ActionStepAdvanced           ActionType = "STEP_ADVANCED"
	ActionTestStarted            ActionType = "TEST_STARTED"
	ActionTestFinished           ActionType = "TEST_FINISHED"
	ActionReportGenerated        ActionType = "REPORT_GENERATED"
	ActionRunCompleted           ActionType = "RUN_COMPLETED"
	ActionRunFailed              ActionType = "RUN_FAILED"
	ActionRolledBack             ActionType = "ROLLED_BACK"
	ActionReset                  ActionType = "RESET"
	ActionLogAppended            ActionType = "LOG_APPENDED"
)

// Action is one named transition. Only the fields its type uses are read.
type Action struct {
	Type  ActionType
	RunID string
	At    time.Time

	UserRequest string
	MaxRetries  int
	Analysis    *models.AgentAnalysis
	Plan        *models.AgentPlan
	StepIndex   int
	Changes     []models.AgentFileChange
	TestResult  *models.TestResult
	Report      *models.AgentReport
	Log         models.LogEntry
	Error       string
}

// transitions lists the phases each phase may move to. FAILED is reachable
// from every non-terminal phase and is handled separately.
var transitions = map[models.AgentState][]models.AgentState{
	models.AgentIdle:      {models.AgentAnalyzing},
	models.AgentAnalyzing: {models.AgentPlanning, models.AgentIdle},
	models.AgentPlanning:  {models.AgentExecuting},
	models.AgentExecuting: {models.AgentTesting},
	models.AgentTesting:   {models.AgentCompleted},
	models.AgentFailed:    {models.AgentIdle},
}

func canMove(from, to models.AgentState) bool {
	if from == to {
		return true
	}
	if to == models.AgentFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reduce applies a to s and returns the new state. s is never modified.
// Actions whose RunID differs from the current run are rejected with
// ErrStaleRun; RUN_STARTED, RESET and run-less log entries always apply.
func Reduce(s State, a Action) (State, error) {
	switch a.Type {
	case ActionRunStarted:
		if s.Processing {
			return s, ErrBusy
		}
		next := initialState()
		next.Logs = s.Logs
		next.RunID = a.RunID
		next.UserRequest = a.UserRequest
		next.Processing = true
		next.StartedAt = a.At
		if a.MaxRetries > 0 {
			next.MaxRetries = a.MaxRetries
		}
		return next, nil
	case ActionReset:
		next := initialState()
		next.Logs = s.Logs
		return next, nil
	case ActionLogAppended:
		if a.RunID != "" && a.RunID != s.RunID {
			return s, ErrStaleRun
		}
		s.Logs = appendLog(s.Logs, a.Log)
		return s, nil
	}

	if a.RunID != s.RunID || s.RunID == "" {
		return s, ErrStaleRun
	}

	switch a.Type {
	case ActionAnalyzeStarted:
		return moveTo(s, a, models.AgentAnalyzing)
	case ActionAnalyzeSucceeded:
		s.Analysis = a.Analysis
		return s, nil
	case ActionClarificationRequested:
		next, err := moveTo(s, a, models.AgentIdle)
		if err != nil {
			return s, err
		}
		next.Analysis = a.Analysis
		next.Processing = false
		return next, nil
	case ActionAnalyzeFailed, ActionPlanFailed, ActionRetriesExhausted, ActionRunFailed:
		next, err := moveTo(s, a, models.AgentFailed)
		if err != nil {
			return s, err
		}
		next.Error = a.Error
		next.Processing = false
		return next, nil
	case ActionPlanStarted:
		return moveTo(s, a, models.AgentPlanning)
	case ActionPlanSucceeded:
		plan := clonePlan(a.Plan)
		for i := range plan.Steps {
			plan.Steps[i].Status = models.StepPending
		}
		s.Plan = plan
		s.CurrentStep = 0
		return s, nil
	case ActionExecutionStarted:
		next, err := moveTo(s, a, models.AgentExecuting)
		if err != nil {
			return s, err
		}
		next.CurrentStep = 0
		return next, nil
	case ActionStepStarted, ActionStepSucceeded, ActionStepFailed:
		return reduceStep(s, a)
	case ActionRetryConsumed:
		if !s.CanRetry() {
			return s, fmt.Errorf("%w: retry budget of %d exhausted", ErrInvalidTransition, s.MaxRetries)
		}
		s.RetryCount++
		return s, nil
	case ActionStepAdvanced:
		if s.Plan != nil && s.CurrentStep < len(s.Plan.Steps) {
			s.CurrentStep++
		}
		return s, nil
	case ActionTestStarted:
		return moveTo(s, a, models.AgentTesting)
	case ActionTestFinished:
		s.TestResult = a.TestResult
		return s, nil
	case ActionReportGenerated:
		s.Report = a.Report
		return s, nil
	case ActionRunCompleted:
		next, err := moveTo(s, a, models.AgentCompleted)
		if err != nil {
			return s, err
		}
		next.Rollback = nil
		next.Processing = false
		next.Error = ""
		return next, nil
	case ActionRolledBack:
		if s.Phase != models.AgentFailed {
			return s, fmt.Errorf("%w: rollback from %s", ErrInvalidTransition, s.Phase)
		}
		next, _ := moveTo(s, a, models.AgentIdle)
		next.Rollback = nil
		next.Error = ""
		return next, nil
	}
	return s, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, a.Type)
}

func moveTo(s State, a Action, to models.AgentState) (State, error) {
	if !canMove(s.Phase, to) {
		return s, fmt.Errorf("%w: %s -> %s on %s", ErrInvalidTransition, s.Phase, to, a.Type)
	}
	s.Phase = to
	return s, nil
}

func reduceStep(s State, a Action) (State, error) {
	if s.Phase != models.AgentExecuting || s.Plan == nil || a.StepIndex < 0 || a.StepIndex >= len(s.Plan.Steps) {
		return s, fmt.Errorf("%w: %s for step %d in %s", ErrInvalidTransition, a.Type, a.StepIndex, s.Phase)
	}
	plan := clonePlan(s.Plan)
	step := &plan.Steps[a.StepIndex]
	at := a.At

	switch a.Type {
	case ActionStepStarted:
		step.Status = models.StepInProgress
		step.Error = ""
		step.StartedAt = &at
		step.CompletedAt = nil
		s.CurrentStep = a.StepIndex
	case ActionStepSucceeded:
		step.Status = models.StepCompleted
		step.Error = ""
		step.Applied = append([]models.AgentFileChange(nil), a.Changes...)
		step.CompletedAt = &at
		rollback := make([]models.AgentFileChange, 0, len(s.Rollback)+len(a.Changes))
		rollback = append(rollback, s.Rollback...)
		s.Rollback = append(rollback, a.Changes...)
	case ActionStepFailed:
		step.Status = models.StepFailed
		step.Error = a.Error
		step.CompletedAt = &at
	}
	s.Plan = plan
	return s, nil
}

// maxLogs bounds the log history; the oldest entries are dropped first.
const maxLogs = 2000

func appendLog(logs []models.LogEntry, entry models.LogEntry) []models.LogEntry {
	start := 0
	if len(logs) >= maxLogs {
		start = len(logs) - maxLogs + 1
	}
	out := make([]models.LogEntry, 0, len(logs)-start+1)
	out = append(out, logs[start:]...)
	return append(out, entry)
}
