// Package pipeline runs configured check steps (review, security,
// performance, test, custom) against features, persists compressed results,
// and carries unresolved-issue memory across iterations.
package pipeline

import (
	"fmt"
	"time"
)

// StepType identifies what kind of check a step performs.
type StepType string

const (
	StepReview      StepType = "review"
	StepSecurity    StepType = "security"
	StepPerformance StepType = "performance"
	StepTest        StepType = "test"
	StepCustom      StepType = "custom"
)

// knownStepTypes is the closed set accepted by config validation.
var knownStepTypes = map[StepType]bool{
	StepReview:      true,
	StepSecurity:    true,
	StepPerformance: true,
	StepTest:        true,
	StepCustom:      true,
}

// StepStatus is the execution state of one step run.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the status ends a step run.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// StepConfig is one configured pipeline step. Configs are validated before
// every execution and never mutated during one; a new result record is
// appended instead.
type StepConfig struct {
	ID           string         `json:"id"`
	Type         StepType       `json:"type"`
	Name         string         `json:"name"`
	Model        string         `json:"model"`
	Required     bool           `json:"required"`
	AutoTrigger  bool           `json:"autoTrigger"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Config       map[string]any `json:"config,omitempty"`

	// TimeoutSeconds bounds one execution; 0 uses the pipeline default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Issue is one finding reported by a step. Hash is the caller-supplied
// stable fingerprint used by the memory service to suppress repeats.
type Issue struct {
	Hash        string `json:"hash"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
}

// StepResult is one execution record for a (feature, step) pair. At most one
// current result exists per pair; prior iterations live in the memory store.
type StepResult struct {
	ID         string     `json:"id"`
	StepID     string     `json:"stepId"`
	FeatureID  string     `json:"featureId"`
	Status     StepStatus `json:"status"`
	Passed     bool       `json:"passed"`
	Summary    string     `json:"summary,omitempty"`
	Issues     []Issue    `json:"issues,omitempty"`
	Output     string     `json:"output,omitempty"`
	Model      string     `json:"model,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Error      string     `json:"error,omitempty"`
}

// resultKey names the storage slot for a (feature, step) pair.
func resultKey(featureID, stepID string) string {
	return fmt.Sprintf("%s-%s", featureID, stepID)
}
