package models

import "time"

// AgentRun is the persisted summary of one agent run.
type AgentRun struct {
	ID             string     `json:"id"`
	UserRequest    string     `json:"userRequest"`
	State          AgentState `json:"state"`
	PlanSummary    string     `json:"planSummary,omitempty"`
	StepsTotal     int        `json:"stepsTotal"`
	StepsCompleted int        `json:"stepsCompleted"`
	RetryCount     int        `json:"retryCount"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}
