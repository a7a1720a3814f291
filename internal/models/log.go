package models

import "time"

// LogLevel classifies an agent log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogStep    LogLevel = "step"
)

// LogEntry is one line of the append-only agent log.
type LogEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
