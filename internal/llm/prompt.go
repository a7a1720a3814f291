package llm

import (
	"encoding/json"
	"strings"

	"github.com/joescharf/forge/internal/models"
)

const systemPrompt = `You are an AI coding agent that helps users build and modify code. You operate in 5 phases:

1. ANALYZE: Parse user intent, identify affected files, detect dependencies, assess complexity
2. PLAN: Create detailed step-by-step execution plan with time estimates and risks
3. EXECUTE: Generate code changes for each step
4. TEST: Verify changes compile and work correctly
5. REPORT: Summarize changes and suggest next steps

Always respond in valid JSON format based on the current phase.`

const analyzePrompt = `Analyze this user request and provide a JSON response:
{
  "intent": "brief description of what user wants",
  "affectedFiles": ["list of file paths that need changes"],
  "dependencies": ["any new packages or imports needed"],
  "complexity": "simple|medium|complex",
  "questions": ["optional clarifying questions if request is ambiguous"]
}

User request: `

const planPrompt = `Create an execution plan for this request. Return JSON:
{
  "summary": "brief summary of what will be done",
  "complexity": "simple|medium|complex",
  "estimatedTime": "<1min|1-5min|>5min",
  "steps": [
    {
      "id": "unique-id",
      "title": "step title",
      "description": "what this step does",
      "fileChanges": [
        {
          "filePath": "path/to/file",
          "action": "create|modify|delete"
        }
      ]
    }
  ],
  "risks": ["potential issues to watch for"],
  "alternatives": ["other approaches considered"]
}

Analysis: `

const executePrompt = `Generate the code for this step. Return JSON:
{
  "filePath": "path/to/file",
  "action": "create|modify|delete",
  "content": "full file content",
  "explanation": "brief explanation of changes"
}

Step to execute: `

const testPrompt = `Review this code change for errors. Return JSON:
{
  "hasErrors": true|false,
  "errors": ["list of syntax/logic errors found"],
  "suggestions": ["improvements to consider"],
  "severity": "none|minor|major|critical"
}

Code to review:
`

const reportPrompt = `Generate a final report for these changes. Return JSON:
{
  "success": true|false,
  "summary": "what was accomplished",
  "filesModified": ["list of modified files"],
  "filesCreated": ["list of created files"],
  "filesDeleted": ["list of deleted files"],
  "linesAdded": number,
  "linesRemoved": number,
  "suggestions": ["next steps the user might want to take"]
}

Plan executed: `

func toJSON(v any, indent bool) string {
	var b []byte
	if indent {
		b, _ = json.MarshalIndent(v, "", "  ")
	} else {
		b, _ = json.Marshal(v)
	}
	return string(b)
}

func writeStructure(sb *strings.Builder, pc models.ProjectContext) {
	if len(pc.FileStructure) > 0 {
		sb.WriteString("\n\nProject structure:\n")
		sb.WriteString(toJSON(pc.FileStructure, true))
	}
	if len(pc.OpenFiles) > 0 {
		sb.WriteString("\n\nOpen files: ")
		sb.WriteString(strings.Join(pc.OpenFiles, ", "))
	}
	if len(pc.ConsoleErrors) > 0 {
		sb.WriteString("\n\nRecent console errors:\n")
		sb.WriteString(strings.Join(pc.ConsoleErrors, "\n"))
	}
}

func buildAnalyzePrompt(userRequest string, pc models.ProjectContext) string {
	var sb strings.Builder
	sb.WriteString(analyzePrompt)
	sb.WriteString(userRequest)
	writeStructure(&sb, pc)
	return sb.String()
}

func buildPlanPrompt(userRequest string, analysis *models.AgentAnalysis, pc models.ProjectContext) string {
	var sb strings.Builder
	sb.WriteString(planPrompt)
	sb.WriteString(toJSON(analysis, false))
	sb.WriteString("\n\nOriginal request: ")
	sb.WriteString(userRequest)
	writeStructure(&sb, pc)
	return sb.String()
}

func buildExecutePrompt(req models.ExecuteRequest) string {
	var sb strings.Builder
	sb.WriteString(executePrompt)
	sb.WriteString(toJSON(req.Step, false))
	if req.CurrentFileContent != "" {
		sb.WriteString("\n\nCurrent file content:\n")
		sb.WriteString(req.CurrentFileContent)
	}
	sb.WriteString("\n\nPlan context: ")
	if req.Plan != nil && req.Plan.Summary != "" {
		sb.WriteString(req.Plan.Summary)
	} else {
		sb.WriteString("No plan provided")
	}
	sb.WriteString("\n\nOriginal request: ")
	sb.WriteString(req.UserRequest)
	return sb.String()
}

func buildTestPrompt(changes []models.AgentFileChange) string {
	return testPrompt + toJSON(changes, false)
}

func buildReportPrompt(plan *models.AgentPlan) string {
	var completed []models.AgentStep
	if plan != nil {
		for _, s := range plan.Steps {
			if s.Status == models.StepCompleted {
				completed = append(completed, s)
			}
		}
	}
	return reportPrompt + toJSON(plan, false) + "\nSteps completed: " + toJSON(completed, false)
}
