// Package agent runs the five-phase loop that turns a user request into file
// changes: analyze, plan, execute each step, test, report. State lives in a
// Store updated only through named actions; file changes go through the sync
// engine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
)

// Generator is the generation service, one call per phase.
type Generator interface {
	Analyze(ctx context.Context, userRequest string, pc models.ProjectContext) (*models.AgentAnalysis, error)
	Plan(ctx context.Context, userRequest string, analysis *models.AgentAnalysis, pc models.ProjectContext) (*models.AgentPlan, error)
	Execute(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResult, error)
	Test(ctx context.Context, changes []models.AgentFileChange) (*models.TestResult, error)
	Report(ctx context.Context, plan *models.AgentPlan) (*models.AgentReport, error)
}

// Files is the sync engine write path.
type Files interface {
	Write(ctx context.Context, p, content string, origin models.ChangeOrigin) error
	DeleteFile(ctx context.Context, p string) error
	ResolveConflict(ctx context.Context, p string, resolution models.ConflictResolution) error
}

// Reader reads the runtime's current content. Missing files return an error
// matching fs.ErrNotExist.
type Reader interface {
	ReadFile(ctx context.Context, p string) (string, error)
}

// Project describes the open project to the generation service.
type Project interface {
	ProjectContext() models.ProjectContext
	FileContent(p string) (string, bool)
}

// Options configures a Runner. Reader, Project and History are optional.
type Options struct {
	Reader     Reader
	Project    Project
	History    RunStore
	MaxRetries int
	Logger     *slog.Logger
}

// Runner drives agent runs. One run is processed at a time.
type Runner struct {
	gen     Generator
	files   Files
	store   *Store
	opts    Options
	logger  *slog.Logger
	history RunStore

	mu     sync.Mutex
	runID  string
	cancel context.CancelFunc
}

// NewRunner creates a runner writing through files and keeping its state in store.
func NewRunner(gen Generator, files Files, store *Store, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Runner{
		gen:     gen,
		files:   files,
		store:   store,
		opts:    opts,
		logger:  logger,
		history: opts.History,
	}
}

// Store returns the runner's state store.
func (r *Runner) Store() *Store { return r.store }

// Run processes userRequest to completion and returns the final state. Phase
// failures never escape: they settle the run in FAILED. The only errors are
// ErrBusy and an empty request.
func (r *Runner) Run(ctx context.Context, userRequest string) (State, error) {
	userRequest = strings.TrimSpace(userRequest)
	if userRequest == "" {
		return r.store.State(), errors.New("empty request")
	}

	runID := ulid.Make().String()
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return r.store.State(), ErrBusy
	}
	r.runID, r.cancel = runID, cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		if r.runID == runID {
			r.runID, r.cancel = "", nil
		}
		r.mu.Unlock()
	}()

	if err := r.store.Dispatch(Action{
		Type:        ActionRunStarted,
		RunID:       runID,
		UserRequest: userRequest,
		MaxRetries:  r.opts.MaxRetries,
	}); err != nil {
		return r.store.State(), err
	}
	r.startHistory(ctx)
	r.log(runID, models.LogInfo, "Starting agent loop...")

	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("agent run panicked", "run", runID, "panic", p)
				r.fail(runID, ActionRunFailed, fmt.Errorf("internal error: %v", p))
			}
		}()
		r.loop(runCtx, runID, userRequest)
	}()

	final := r.store.State()
	if final.RunID != runID {
		r.finishHistory(ctx, State{RunID: runID, UserRequest: userRequest, Phase: models.AgentFailed, Error: "abandoned by reset"})
		return final, nil
	}
	metrics.RecordRun(string(final.Phase))
	r.finishHistory(ctx, final)
	return final, nil
}

// Cancel aborts the current run; it settles in FAILED with its rollback
// stack intact. It reports whether a run was in progress.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Reset aborts any run in progress and clears everything but the logs.
// Results of the aborted run that arrive later are discarded.
func (r *Runner) Reset() {
	// The run must be stale before its context is cancelled, so whatever its
	// in-flight call returns is discarded.
	r.store.Reset()
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
}

func (r *Runner) loop(ctx context.Context, runID, userRequest string) {
	var pc models.ProjectContext
	if r.opts.Project != nil {
		pc = r.opts.Project.ProjectContext()
	}

	// Analyze
	if r.dispatch(Action{Type: ActionAnalyzeStarted, RunID: runID}) != nil {
		return
	}
	r.log(runID, models.LogStep, "Analyzing request...")
	analysis, err := r.gen.Analyze(ctx, userRequest, pc)
	if r.stale(runID) {
		return
	}
	if err != nil {
		r.fail(runID, ActionAnalyzeFailed, fmt.Errorf("analysis failed: %w", err))
		return
	}
	if len(analysis.Questions) > 0 {
		r.log(runID, models.LogWarning, "Clarification needed: "+strings.Join(analysis.Questions, " "))
		_ = r.dispatch(Action{Type: ActionClarificationRequested, RunID: runID, Analysis: analysis})
		return
	}
	if r.dispatch(Action{Type: ActionAnalyzeSucceeded, RunID: runID, Analysis: analysis}) != nil {
		return
	}
	r.log(runID, models.LogSuccess, fmt.Sprintf("Analysis complete: %s (%s)", analysis.Intent, analysis.Complexity))

	// Plan
	if r.dispatch(Action{Type: ActionPlanStarted, RunID: runID}) != nil {
		return
	}
	r.log(runID, models.LogStep, "Creating execution plan...")
	plan, err := r.gen.Plan(ctx, userRequest, analysis, pc)
	if r.stale(runID) {
		return
	}
	if err != nil {
		r.fail(runID, ActionPlanFailed, fmt.Errorf("planning failed: %w", err))
		return
	}
	if r.dispatch(Action{Type: ActionPlanSucceeded, RunID: runID, Plan: plan}) != nil {
		return
	}
	r.log(runID, models.LogSuccess, fmt.Sprintf("Plan created: %s (%d steps)", plan.Summary, len(plan.Steps)))

	// Execute
	if r.dispatch(Action{Type: ActionExecutionStarted, RunID: runID}) != nil {
		return
	}
	for i := range len(plan.Steps) {
		if !r.runStep(ctx, runID, userRequest, i) {
			return
		}
		if r.dispatch(Action{Type: ActionStepAdvanced, RunID: runID}) != nil {
			return
		}
	}

	// Test
	if r.dispatch(Action{Type: ActionTestStarted, RunID: runID}) != nil {
		return
	}
	if !r.test(ctx, runID) {
		return
	}

	// Report
	r.report(ctx, runID)
	if r.dispatch(Action{Type: ActionRunCompleted, RunID: runID}) != nil {
		return
	}
	r.log(runID, models.LogSuccess, "Agent loop completed successfully")
}

// runStep executes step i, retrying while the run's budget allows. It
// returns false when the run has ended.
func (r *Runner) runStep(ctx context.Context, runID, userRequest string, i int) bool {
	for {
		st := r.store.State()
		if st.RunID != runID || st.Plan == nil {
			return false
		}
		step := st.Plan.Steps[i]
		if r.dispatch(Action{Type: ActionStepStarted, RunID: runID, StepIndex: i}) != nil {
			return false
		}
		r.log(runID, models.LogStep, fmt.Sprintf("Executing step %d/%d: %s", i+1, len(st.Plan.Steps), step.Title))

		change, err := r.executeStep(ctx, st.Plan, step, userRequest)
		if r.stale(runID) {
			return false
		}
		metrics.RecordStep(err == nil)
		if err == nil {
			if r.dispatch(Action{Type: ActionStepSucceeded, RunID: runID, StepIndex: i, Changes: []models.AgentFileChange{*change}}) != nil {
				return false
			}
			r.log(runID, models.LogSuccess, fmt.Sprintf("%s %s", actionVerb(change.Action), change.FilePath))
			return true
		}

		r.logger.Warn("agent step failed", "run", runID, "step", step.ID, "error", err)
		if r.dispatch(Action{Type: ActionStepFailed, RunID: runID, StepIndex: i, Error: err.Error()}) != nil {
			return false
		}
		r.log(runID, models.LogError, fmt.Sprintf("Step %q failed: %v", step.Title, err))
		if ctx.Err() != nil {
			r.fail(runID, ActionRunFailed, errors.New("run cancelled"))
			return false
		}
		if !r.store.ConsumeRetry(runID) {
			r.fail(runID, ActionRetriesExhausted, fmt.Errorf("step %q failed after %d retries", step.Title, r.store.State().MaxRetries))
			return false
		}
	}
}

// executeStep asks for the step's change and applies it through the sync
// engine. The original content is captured before anything is written.
func (r *Runner) executeStep(ctx context.Context, plan *models.AgentPlan, step models.AgentStep, userRequest string) (*models.AgentFileChange, error) {
	req := models.ExecuteRequest{Step: step, Plan: plan, UserRequest: userRequest}
	if action, target := step.TargetAction(); action == models.ActionModify && r.opts.Project != nil {
		if content, ok := r.opts.Project.FileContent(target); ok {
			req.CurrentFileContent = content
		}
	}

	res, err := r.gen.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	original, err := r.currentContent(ctx, res.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read original %s: %w", res.FilePath, err)
	}
	change := &models.AgentFileChange{
		FilePath:        res.FilePath,
		Action:          res.Action,
		OriginalContent: original,
		NewContent:      res.Content,
	}
	if res.Action == models.ActionDelete {
		change.NewContent = ""
		err = r.files.DeleteFile(ctx, res.FilePath)
	} else {
		err = r.files.Write(ctx, res.FilePath, res.Content, models.OriginAgent)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", res.FilePath, err)
	}
	return change, nil
}

// currentContent returns the file's content before a change, or nil when it
// does not exist.
func (r *Runner) currentContent(ctx context.Context, p string) (*string, error) {
	if r.opts.Reader != nil {
		content, err := r.opts.Reader.ReadFile(ctx, p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &content, nil
	}
	if r.opts.Project != nil {
		if content, ok := r.opts.Project.FileContent(p); ok {
			return &content, nil
		}
	}
	return nil, nil
}

// test reviews the run's changes. Errors found, or a failed review, consume
// a retry token; the run fails once none are left.
func (r *Runner) test(ctx context.Context, runID string) bool {
	r.log(runID, models.LogStep, "Testing changes...")
	changes := r.store.State().Changes()
	res, err := r.gen.Test(ctx, changes)
	if r.stale(runID) {
		return false
	}
	if err == nil {
		if r.dispatch(Action{Type: ActionTestFinished, RunID: runID, TestResult: res}) != nil {
			return false
		}
		if !res.HasErrors {
			r.log(runID, models.LogSuccess, "All tests passed")
			return true
		}
		r.log(runID, models.LogWarning, fmt.Sprintf("Review found %d issue(s) (%s): %s", len(res.Errors), res.Severity, strings.Join(res.Errors, "; ")))
	} else {
		r.log(runID, models.LogError, fmt.Sprintf("Testing failed: %v", err))
		if ctx.Err() != nil {
			r.fail(runID, ActionRunFailed, errors.New("run cancelled"))
			return false
		}
	}
	if !r.store.ConsumeRetry(runID) {
		r.fail(runID, ActionRetriesExhausted, errors.New("tests failed and no retries remain"))
		return false
	}
	return true
}

// report generates the run summary. Failures are logged and do not fail the run.
func (r *Runner) report(ctx context.Context, runID string) {
	r.log(runID, models.LogStep, "Generating report...")
	st := r.store.State()
	report, err := r.gen.Report(ctx, st.Plan)
	if r.stale(runID) {
		return
	}
	if err != nil {
		r.log(runID, models.LogWarning, fmt.Sprintf("Report generation failed: %v", err))
		return
	}
	enrichReport(report, st.Changes())
	if r.dispatch(Action{Type: ActionReportGenerated, RunID: runID, Report: report}) == nil {
		r.log(runID, models.LogSuccess, "Report generated")
	}
}

func (r *Runner) fail(runID string, typ ActionType, err error) {
	if r.dispatch(Action{Type: typ, RunID: runID, Error: err.Error()}) == nil {
		r.log(runID, models.LogError, err.Error())
	}
}

func (r *Runner) dispatch(a Action) error {
	return r.store.Dispatch(a)
}

func (r *Runner) log(runID string, level models.LogLevel, msg string) {
	_ = r.store.Log(runID, level, msg)
}

// stale reports whether runID was superseded while a call was in flight.
func (r *Runner) stale(runID string) bool {
	if r.store.State().RunID == runID {
		return false
	}
	r.logger.Debug("discarding result of stale run", "run", runID)
	return true
}

func (r *Runner) startHistory(ctx context.Context) {
	if r.history == nil {
		return
	}
	if err := r.history.CreateAgentRun(context.WithoutCancel(ctx), runRecord(r.store.State())); err != nil {
		r.logger.Warn("record run start", "error", err)
	}
}

func (r *Runner) finishHistory(ctx context.Context, st State) {
	if r.history == nil {
		return
	}
	if _, err := FinishRun(context.WithoutCancel(ctx), r.history, runRecord(st), r.store.RunLogs(st.RunID)); err != nil {
		r.logger.Warn("record run end", "run", st.RunID, "error", err)
	}
}

func actionVerb(a models.FileAction) string {
	switch a {
	case models.ActionCreate:
		return "Created"
	case models.ActionDelete:
		return "Deleted"
	}
	return "Modified"
}
