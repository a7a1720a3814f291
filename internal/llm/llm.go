// Package llm talks to the generation service that drives the agent loop.
// Every phase sends a prompt, accumulates the streamed answer and decodes the
// first JSON object it contains.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/forge/internal/metrics"
	"github.com/joescharf/forge/internal/models"
)

// Phase names a generation request.
type Phase string

const (
	PhaseAnalyze Phase = "analyze"
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseTest    Phase = "test"
	PhaseReport  Phase = "report"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseAnalyze, PhasePlan, PhaseExecute, PhaseTest, PhaseReport:
		return true
	}
	return false
}

// Request is one call to the generation service.
type Request struct {
	Phase  Phase
	System string
	Prompt string
	// Payload carries the structured phase input for transports that forward it.
	Payload map[string]any
}

// Transport streams the answer to a request. onFragment receives text as it
// arrives; the returned string is the full answer.
type Transport interface {
	Stream(ctx context.Context, req Request, onFragment func(string)) (string, error)
}

// Client implements the five generation phases on top of a Transport.
type Client struct {
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	// OnFragment, when set, observes streamed text for every phase.
	OnFragment func(phase Phase, fragment string)
}

// NewClient creates a client sending requests through t.
func NewClient(t Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{transport: t, logger: logger, now: time.Now}
}

func (c *Client) generate(ctx context.Context, req Request, v any) error {
	req.System = systemPrompt
	start := c.now()
	text, err := c.transport.Stream(ctx, req, func(fragment string) {
		if c.OnFragment != nil {
			c.OnFragment(req.Phase, fragment)
		}
	})
	if err == nil {
		err = decodeFirst(text, v)
	}
	metrics.RecordGeneration(string(req.Phase), err == nil, time.Since(start))
	if err != nil {
		c.logger.Warn("generation failed", "phase", req.Phase, "error", err)
		return fmt.Errorf("%s: %w", req.Phase, err)
	}
	c.logger.Debug("generation complete", "phase", req.Phase, "bytes", len(text))
	return nil
}

// Analyze asks the service what the request means for the project.
func (c *Client) Analyze(ctx context.Context, userRequest string, pc models.ProjectContext) (*models.AgentAnalysis, error) {
	var raw struct {
		Intent        string   `json:"intent"`
		AffectedFiles []string `json:"affectedFiles"`
		Dependencies  []string `json:"dependencies"`
		Complexity    string   `json:"complexity"`
		Questions     []string `json:"questions"`
	}
	err := c.generate(ctx, Request{
		Phase:   PhaseAnalyze,
		Prompt:  buildAnalyzePrompt(userRequest, pc),
		Payload: map[string]any{"userRequest": userRequest, "context": pc},
	}, &raw)
	if err != nil {
		return nil, err
	}
	return &models.AgentAnalysis{
		Intent:        raw.Intent,
		AffectedFiles: orEmpty(raw.AffectedFiles),
		Dependencies:  orEmpty(raw.Dependencies),
		Complexity:    complexity(raw.Complexity),
		Questions:     raw.Questions,
	}, nil
}

// Plan asks for the ordered steps that implement the request. Every step
// starts pending regardless of what the service returned.
func (c *Client) Plan(ctx context.Context, userRequest string, analysis *models.AgentAnalysis, pc models.ProjectContext) (*models.AgentPlan, error) {
	var raw struct {
		Summary       string `json:"summary"`
		Complexity    string `json:"complexity"`
		EstimatedTime string `json:"estimatedTime"`
		Steps         []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			FileChanges []struct {
				FilePath string `json:"filePath"`
				Action   string `json:"action"`
			} `json:"fileChanges"`
		} `json:"steps"`
		Risks        []string `json:"risks"`
		Alternatives []string `json:"alternatives"`
	}
	err := c.generate(ctx, Request{
		Phase:   PhasePlan,
		Prompt:  buildPlanPrompt(userRequest, analysis, pc),
		Payload: map[string]any{"userRequest": userRequest, "analysis": analysis, "context": pc},
	}, &raw)
	if err != nil {
		return nil, err
	}

	plan := &models.AgentPlan{
		ID:            ulid.Make().String(),
		UserRequest:   userRequest,
		Summary:       raw.Summary,
		Complexity:    complexity(raw.Complexity),
		EstimatedTime: raw.EstimatedTime,
		Steps:         make([]models.AgentStep, 0, len(raw.Steps)),
		Risks:         orEmpty(raw.Risks),
		Alternatives:  raw.Alternatives,
		CreatedAt:     c.now(),
	}
	if plan.EstimatedTime == "" {
		plan.EstimatedTime = "1-5min"
	}
	for i, s := range raw.Steps {
		step := models.AgentStep{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
			Status:      models.StepPending,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if step.Title == "" {
			step.Title = fmt.Sprintf("Step %d", i+1)
		}
		for _, fc := range s.FileChanges {
			step.Planned = append(step.Planned, models.PlannedFileChange{
				FilePath: fc.FilePath,
				Action:   action(fc.Action),
			})
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// Execute asks for the file change of one step. A response without a file
// path falls back to the step's declared target.
func (c *Client) Execute(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResult, error) {
	var raw struct {
		FilePath    string  `json:"filePath"`
		Action      string  `json:"action"`
		Content     *string `json:"content"`
		Explanation string  `json:"explanation"`
		Error       string  `json:"error"`
	}
	err := c.generate(ctx, Request{
		Phase:  PhaseExecute,
		Prompt: buildExecutePrompt(req),
		Payload: map[string]any{
			"step":        req.Step,
			"plan":        req.Plan,
			"userRequest": req.UserRequest,
			"currentFile": req.CurrentFileContent,
		},
	}, &raw)
	if err != nil {
		return nil, err
	}
	if raw.Error != "" {
		return nil, fmt.Errorf("execute: service reported: %s", raw.Error)
	}

	res := &models.ExecuteResult{
		FilePath:    raw.FilePath,
		Action:      action(raw.Action),
		Explanation: raw.Explanation,
	}
	if res.FilePath == "" {
		_, res.FilePath = req.Step.TargetAction()
	}
	if res.FilePath == "" {
		return nil, errors.New("execute: response has no file path")
	}
	if raw.Content == nil && res.Action != models.ActionDelete {
		return nil, fmt.Errorf("execute: response for %s has no content", res.FilePath)
	}
	if raw.Content != nil {
		res.Content = *raw.Content
	}
	return res, nil
}

// Test asks the service to review the accumulated changes.
func (c *Client) Test(ctx context.Context, changes []models.AgentFileChange) (*models.TestResult, error) {
	var raw models.TestResult
	err := c.generate(ctx, Request{
		Phase:   PhaseTest,
		Prompt:  buildTestPrompt(changes),
		Payload: map[string]any{"step": changes},
	}, &raw)
	if err != nil {
		return nil, err
	}
	raw.Errors = orEmpty(raw.Errors)
	raw.Suggestions = orEmpty(raw.Suggestions)
	if raw.Severity == "" {
		raw.Severity = "none"
	}
	return &raw, nil
}

// Report asks for the run summary. Success defaults to true when omitted;
// omitted file lists stay nil.
func (c *Client) Report(ctx context.Context, plan *models.AgentPlan) (*models.AgentReport, error) {
	var raw struct {
		Success       *bool    `json:"success"`
		FilesModified []string `json:"filesModified"`
		FilesCreated  []string `json:"filesCreated"`
		FilesDeleted  []string `json:"filesDeleted"`
		LinesAdded    int      `json:"linesAdded"`
		LinesRemoved  int      `json:"linesRemoved"`
		Summary       string   `json:"summary"`
		Suggestions   []string `json:"suggestions"`
	}
	err := c.generate(ctx, Request{
		Phase:   PhaseReport,
		Prompt:  buildReportPrompt(plan),
		Payload: map[string]any{"plan": plan},
	}, &raw)
	if err != nil {
		return nil, err
	}
	report := &models.AgentReport{
		Success:       raw.Success == nil || *raw.Success,
		FilesModified: raw.FilesModified,
		FilesCreated:  raw.FilesCreated,
		FilesDeleted:  raw.FilesDeleted,
		LinesAdded:    raw.LinesAdded,
		LinesRemoved:  raw.LinesRemoved,
		Summary:       raw.Summary,
		Suggestions:   orEmpty(raw.Suggestions),
	}
	return report, nil
}

func complexity(s string) models.Complexity {
	switch c := models.Complexity(s); c {
	case models.ComplexitySimple, models.ComplexityMedium, models.ComplexityComplex:
		return c
	}
	return models.ComplexityMedium
}

func action(s string) models.FileAction {
	switch a := models.FileAction(s); a {
	case models.ActionCreate, models.ActionModify, models.ActionDelete:
		return a
	}
	return models.ActionModify
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
