package engine

import (
	"time"

	"github.com/orbitcheck/engine/check"
)

// CheckStatistics is the per-check summary in ExecutionResult (§6).
type CheckStatistics struct {
	Name                 string                   `json:"name"`
	TotalRuns             int                      `json:"totalRuns"`
	SuccessfulRuns         int                      `json:"successfulRuns"`
	FailedRuns             int                      `json:"failedRuns"`
	Skipped                int                      `json:"skipped"`
	SkipReason             string                   `json:"skipReason,omitempty"`
	IssuesFound            int                      `json:"issuesFound"`
	IssuesBySeverity       map[check.Severity]int   `json:"issuesBySeverity,omitempty"`
	TotalDuration          time.Duration            `json:"totalDuration"`
	OutputsProduced        int                      `json:"outputsProduced"`
	PerIterationDuration   []time.Duration          `json:"perIterationDuration,omitempty"`
	ForEachPreview         []any                    `json:"forEachPreview,omitempty"`
}

// ExecutionStatistics aggregates every check's CheckStatistics (§6).
type ExecutionStatistics struct {
	Checks []CheckStatistics `json:"checks"`
}

// RunMetadata is the compact run metadata block accompanying
// ExecutionResult (§6): enough to correlate a run across logs/telemetry
// without carrying the full journal.
type RunMetadata struct {
	SessionID string        `json:"sessionId"`
	Event     string        `json:"event"`
	Waves     int           `json:"waves"`
	Duration  time.Duration `json:"duration"`
}

// ExecutionResult is the Execute entrypoint's return value (§6).
type ExecutionResult struct {
	Issues               []check.Issue       `json:"issues"`
	ExecutionStatistics  ExecutionStatistics `json:"executionStatistics"`
	RunMetadata          RunMetadata         `json:"runMetadata"`
	AwaitingHumanInput   bool                `json:"awaitingHumanInput,omitempty"`
}
