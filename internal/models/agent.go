package models

import "time"

// AgentState is a phase of the agent execution loop.
type AgentState string

const (
	AgentIdle      AgentState = "IDLE"
	AgentAnalyzing AgentState = "ANALYZING"
	AgentPlanning  AgentState = "PLANNING"
	AgentExecuting AgentState = "EXECUTING"
	AgentTesting   AgentState = "TESTING"
	AgentCompleted AgentState = "COMPLETED"
	AgentFailed    AgentState = "FAILED"
)

// Terminal reports whether no further phase can follow s within the same run.
func (s AgentState) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// StepStatus is the execution status of a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Complexity is the generation service's estimate of how involved a request is.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// FileAction is what a step does to a file.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// AgentAnalysis is the result of the analyze phase.
type AgentAnalysis struct {
	Intent        string     `json:"intent"`
	AffectedFiles []string   `json:"affectedFiles"`
	Dependencies  []string   `json:"dependencies"`
	Complexity    Complexity `json:"complexity"`
	Questions     []string   `json:"questions,omitempty"`
}

// PlannedFileChange is a file a step declares it will touch.
type PlannedFileChange struct {
	FilePath string     `json:"filePath"`
	Action   FileAction `json:"action"`
}

// AgentFileChange is a change produced by a successful step.
// A nil OriginalContent means the file did not exist before the step.
type AgentFileChange struct {
	FilePath        string     `json:"filePath"`
	Action          FileAction `json:"action"`
	OriginalContent *string    `json:"originalContent,omitempty"`
	NewContent      string     `json:"newContent,omitempty"`
}

// AgentStep is one unit of a plan.
type AgentStep struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Status      StepStatus          `json:"status"`
	Planned     []PlannedFileChange `json:"fileChanges,omitempty"`
	Applied     []AgentFileChange   `json:"appliedChanges,omitempty"`
	Error       string              `json:"error,omitempty"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// TargetAction returns the action declared for the step's first file, if any.
func (s AgentStep) TargetAction() (FileAction, string) {
	if len(s.Planned) == 0 {
		return "", ""
	}
	return s.Planned[0].Action, s.Planned[0].FilePath
}

// AgentPlan is the ordered set of steps for one user request.
type AgentPlan struct {
	ID            string      `json:"id"`
	UserRequest   string      `json:"userRequest"`
	Summary       string      `json:"summary"`
	Complexity    Complexity  `json:"complexity"`
	EstimatedTime string      `json:"estimatedTime"`
	Steps         []AgentStep `json:"steps"`
	Risks         []string    `json:"risks"`
	Alternatives  []string    `json:"alternatives,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ExecuteResult is the generation service's answer for one step.
type ExecuteResult struct {
	FilePath    string     `json:"filePath"`
	Action      FileAction `json:"action"`
	Content     string     `json:"content"`
	Explanation string     `json:"explanation"`
}

// TestResult is the outcome of the review phase.
type TestResult struct {
	HasErrors   bool     `json:"hasErrors"`
	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions"`
	Severity    string   `json:"severity"`
}

// AgentReport summarizes a completed run.
type AgentReport struct {
	Success       bool     `json:"success"`
	FilesModified []string `json:"filesModified"`
	FilesCreated  []string `json:"filesCreated"`
	FilesDeleted  []string `json:"filesDeleted"`
	LinesAdded    int      `json:"linesAdded"`
	LinesRemoved  int      `json:"linesRemoved"`
	Summary       string   `json:"summary"`
	Suggestions   []string `json:"suggestions"`
}

// ExecuteRequest is what the execute phase sends for one step. CurrentFileContent
// is only set when the step modifies an existing file.
type ExecuteRequest struct {
	Step               AgentStep  `json:"step"`
	Plan               *AgentPlan `json:"plan"`
	UserRequest        string     `json:"userRequest"`
	CurrentFileContent string     `json:"currentFile,omitempty"`
}
