package agent

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// runningState returns a state executing plan for run "r1".
func runningState(t *testing.T, plan *models.AgentPlan) State {
	t.Helper()
	s := initialState()
	var err error
	for _, a := range []Action{
		{Type: ActionRunStarted, RunID: "r1", UserRequest: "do it", At: t0},
		{Type: ActionAnalyzeStarted, RunID: "r1"},
		{Type: ActionPlanStarted, RunID: "r1"},
		{Type: ActionPlanSucceeded, RunID: "r1", Plan: plan},
		{Type: ActionExecutionStarted, RunID: "r1"},
	} {
		s, err = Reduce(s, a)
		require.NoError(t, err, a.Type)
	}
	return s
}

func TestReduce_HappyPathTransitions(t *testing.T) {
	s := runningState(t, planOf(create("a.ts")))
	assert.Equal(t, models.AgentExecuting, s.Phase)
	assert.True(t, s.Processing)
	assert.Equal(t, models.StepPending, s.Plan.Steps[0].Status, "plan steps are normalized to pending")

	var err error
	steps := []Action{
		{Type: ActionStepStarted, RunID: "r1", StepIndex: 0, At: t0},
		{Type: ActionStepSucceeded, RunID: "r1", StepIndex: 0, At: t0, Changes: []models.AgentFileChange{{FilePath: "a.ts", Action: models.ActionCreate, NewContent: "a"}}},
		{Type: ActionStepAdvanced, RunID: "r1"},
		{Type: ActionTestStarted, RunID: "r1"},
		{Type: ActionTestFinished, RunID: "r1", TestResult: &models.TestResult{Severity: "none"}},
		{Type: ActionReportGenerated, RunID: "r1", Report: &models.AgentReport{Success: true}},
	}
	for _, a := range steps {
		s, err = Reduce(s, a)
		require.NoError(t, err, a.Type)
	}
	assert.Len(t, s.Rollback, 1)
	assert.Equal(t, 1, s.CurrentStep)

	s, err = Reduce(s, Action{Type: ActionRunCompleted, RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.AgentCompleted, s.Phase)
	assert.Empty(t, s.Rollback)
	assert.False(t, s.Processing)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	before := runningState(t, planOf(create("a.ts"), modify("b.ts")))
	want := runningState(t, planOf(create("a.ts"), modify("b.ts")))

	after, err := Reduce(before, Action{Type: ActionStepStarted, RunID: "r1", StepIndex: 1, At: t0})
	require.NoError(t, err)
	after, err = Reduce(after, Action{Type: ActionStepSucceeded, RunID: "r1", StepIndex: 1, At: t0,
		Changes: []models.AgentFileChange{{FilePath: "b.ts", Action: models.ActionModify, OriginalContent: strPtr("old"), NewContent: "new"}}})
	require.NoError(t, err)

	if diff := cmp.Diff(want, before); diff != "" {
		t.Errorf("input state changed (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, cmp.Diff(before, after, cmpopts.EquateEmpty()))
	assert.Equal(t, models.StepCompleted, after.Plan.Steps[1].Status)
	assert.Equal(t, models.StepPending, before.Plan.Steps[1].Status)
}

func TestReduce_RejectsStaleRun(t *testing.T) {
	s := runningState(t, planOf(create("a.ts")))

	_, err := Reduce(s, Action{Type: ActionStepStarted, RunID: "old", StepIndex: 0})
	assert.ErrorIs(t, err, ErrStaleRun)

	reset, err := Reduce(s, Action{Type: ActionReset})
	require.NoError(t, err)
	_, err = Reduce(reset, Action{Type: ActionTestStarted, RunID: "r1"})
	assert.ErrorIs(t, err, ErrStaleRun, "results arriving after reset are discarded")
	_, err = Reduce(reset, Action{Type: ActionLogAppended, RunID: "r1", Log: models.LogEntry{Message: "late"}})
	assert.ErrorIs(t, err, ErrStaleRun)
}

func TestReduce_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state func(t *testing.T) State
		a     Action
	}{
		{
			name: "plan before analyze",
			state: func(*testing.T) State {
				s, _ := Reduce(initialState(), Action{Type: ActionRunStarted, RunID: "r1"})
				return s
			},
			a: Action{Type: ActionPlanStarted, RunID: "r1"},
		},
		{
			name:  "complete while executing",
			state: func(t *testing.T) State { return runningState(t, planOf(create("a"))) },
			a:     Action{Type: ActionRunCompleted, RunID: "r1"},
		},
		{
			name:  "step out of range",
			state: func(t *testing.T) State { return runningState(t, planOf(create("a"))) },
			a:     Action{Type: ActionStepStarted, RunID: "r1", StepIndex: 3},
		},
		{
			name:  "rollback while executing",
			state: func(t *testing.T) State { return runningState(t, planOf(create("a"))) },
			a:     Action{Type: ActionRolledBack, RunID: "r1"},
		},
		{
			name:  "unknown action",
			state: func(t *testing.T) State { return runningState(t, planOf(create("a"))) },
			a:     Action{Type: "DANCE", RunID: "r1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state(t)
			got, err := Reduce(s, tt.a)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, s.Phase, got.Phase)
		})
	}
}

func TestReduce_FailedIsReachableFromEveryActivePhase(t *testing.T) {
	s := runningState(t, planOf(create("a")))
	failed, err := Reduce(s, Action{Type: ActionRunFailed, RunID: "r1", Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, models.AgentFailed, failed.Phase)
	assert.Equal(t, "boom", failed.Error)
	assert.False(t, failed.Processing)

	completed := s
	completed.Phase = models.AgentCompleted
	_, err = Reduce(completed, Action{Type: ActionRunFailed, RunID: "r1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_RunStartedWhileProcessing(t *testing.T) {
	s := runningState(t, planOf(create("a")))
	_, err := Reduce(s, Action{Type: ActionRunStarted, RunID: "r2"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestState_ProgressIsDerived(t *testing.T) {
	assert.Equal(t, Progress{}, initialState().Progress())

	s := State{Plan: planOf(create("a"), create("b"), create("c"), create("d"))}
	for i := range s.Plan.Steps {
		s.Plan.Steps[i].Status = models.StepPending
	}
	assert.Equal(t, Progress{CompletedSteps: 0, TotalSteps: 4, Percentage: 0}, s.Progress())

	s.Plan.Steps[0].Status = models.StepCompleted
	s.Plan.Steps[2].Status = models.StepCompleted
	assert.Equal(t, Progress{CompletedSteps: 2, TotalSteps: 4, Percentage: 50}, s.Progress())

	s.Plan.Steps[2].Status = models.StepFailed
	s.Plan.Steps[3].Status = models.StepCompleted
	s.Plan.Steps[1].Status = models.StepCompleted
	assert.Equal(t, Progress{CompletedSteps: 3, TotalSteps: 4, Percentage: 75}, s.Progress())
}

func TestStore_LogsPhaseChanges(t *testing.T) {
	st := NewStore(nil)
	var seen []models.LogEntry
	cancel := st.Subscribe(func(e models.LogEntry) { seen = append(seen, e) })
	defer cancel()

	require.NoError(t, st.Dispatch(Action{Type: ActionRunStarted, RunID: "r1"}))
	require.NoError(t, st.Dispatch(Action{Type: ActionAnalyzeStarted, RunID: "r1"}))
	require.NoError(t, st.Log("r1", models.LogStep, "working"))
	require.NoError(t, st.Dispatch(Action{Type: ActionAnalyzeFailed, RunID: "r1", Error: "bad json"}))

	assert.Equal(t, []string{"State changed to ANALYZING", "working", "State changed to FAILED"}, messages(st.Logs()))
	assert.Equal(t, messages(st.Logs()), messages(seen))
	for _, e := range st.Logs() {
		assert.Equal(t, "r1", e.RunID)
		assert.NotEmpty(t, e.ID)
	}

	cancel()
	require.NoError(t, st.Log("", models.LogInfo, "after cancel"))
	assert.Len(t, seen, 3)
}

func TestStore_ResetKeepsLogs(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Dispatch(Action{Type: ActionRunStarted, RunID: "r1", UserRequest: "x"}))
	require.NoError(t, st.Dispatch(Action{Type: ActionAnalyzeStarted, RunID: "r1"}))
	require.NoError(t, st.Log("r1", models.LogInfo, "hello"))

	st.Reset()

	s := st.State()
	assert.Equal(t, models.AgentIdle, s.Phase)
	assert.Empty(t, s.RunID)
	assert.Empty(t, s.UserRequest)
	assert.False(t, s.Processing)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries)
	assert.Equal(t, []string{"State changed to ANALYZING", "hello"}, messages(st.Logs()))
	assert.Equal(t, []string{"State changed to ANALYZING", "hello"}, messages(st.RunLogs("r1")))
}

func TestStore_ConsumeRetryIsBounded(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Dispatch(Action{Type: ActionRunStarted, RunID: "r1"}))

	for i := 0; i < DefaultMaxRetries; i++ {
		assert.True(t, st.CanRetry())
		assert.True(t, st.ConsumeRetry("r1"))
	}
	assert.False(t, st.CanRetry())
	assert.False(t, st.ConsumeRetry("r1"))
	assert.Equal(t, DefaultMaxRetries, st.State().RetryCount)

	assert.Equal(t, []string{
		"Retry attempt 1/3",
		"Retry attempt 2/3",
		"Retry attempt 3/3",
		"Max retries (3) reached",
	}, messages(st.Logs()))

	assert.False(t, st.ConsumeRetry("other-run"))
}

func TestAppendLog_Bounded(t *testing.T) {
	var logs []models.LogEntry
	for i := 0; i < maxLogs+5; i++ {
		logs = appendLog(logs, models.LogEntry{ID: string(rune('a' + i%26))})
	}
	assert.Len(t, logs, maxLogs)
}
