package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devhaven/conductor/internal/events"
	"github.com/devhaven/conductor/internal/features"
	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
	"github.com/devhaven/conductor/internal/terminal"
)

// defaultStepTimeout bounds one step execution when the step config does not
// set its own.
const defaultStepTimeout = 10 * time.Minute

// QueryRunner is the slice of the query service the executor needs.
type QueryRunner interface {
	Execute(ctx context.Context, opts query.Options) (*provider.Stream, error)
}

// Executor runs pipeline steps against features. Step execution per feature
// is serialized by the caller; the executor itself holds no cross-step
// locks beyond what storage and memory provide.
type Executor struct {
	queries QueryRunner
	storage *Storage
	memory  *Memory
	loader  features.Loader
	emitter events.Emitter
	logger  *terminal.Logger
}

// NewExecutor creates a step executor.
func NewExecutor(queries QueryRunner, storage *Storage, memory *Memory, loader features.Loader, emitter events.Emitter, logger *terminal.Logger) *Executor {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &Executor{
		queries: queries,
		storage: storage,
		memory:  memory,
		loader:  loader,
		emitter: emitter,
		logger:  logger,
	}
}

// stepOutcome is the structured verdict a step's model query must produce.
type stepOutcome struct {
	Passed  bool    `json:"passed"`
	Summary string  `json:"summary"`
	Issues  []Issue `json:"issues"`
}

// outcomeSchema constrains the model's response for every step type.
func outcomeSchema() query.Schema {
	return query.Schema{
		"type": "object",
		"properties": map[string]any{
			"passed":  map[string]any{"type": "boolean"},
			"summary": map[string]any{"type": "string"},
			"issues": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"hash":        map[string]any{"type": "string"},
						"title":       map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"severity":    map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
						"file":        map[string]any{"type": "string"},
						"line":        map[string]any{"type": "number"},
					},
					"required": []any{"hash", "title"},
				},
			},
		},
		"required": []any{"passed", "summary"},
	}
}

// RunStep executes one step for one feature: pending -> running -> terminal.
// The working directory is validated before any process touches it, the
// query is bounded by the step's timeout, and the result is persisted and
// fed back into iteration memory.
func (e *Executor) RunStep(ctx context.Context, projectPath string, step StepConfig, featureID string) (*StepResult, error) {
	// Only the step's own fields are checked here. Its dependencies belong
	// to the pipeline that scheduled it: RunPipeline validated and ordered
	// the full set, and a single-step invocation runs against whatever
	// results are already stored.
	if err := validateStepFields(step); err != nil {
		return nil, err
	}
	if err := features.ValidateWorkDir(projectPath); err != nil {
		return nil, err
	}
	feature, err := e.loader.Get(projectPath, featureID)
	if err != nil {
		return nil, fmt.Errorf("load feature %s: %w", featureID, err)
	}
	if feature == nil {
		return nil, fmt.Errorf("feature %s not found in %s", featureID, projectPath)
	}

	result := &StepResult{
		ID:        uuid.NewString(),
		StepID:    step.ID,
		FeatureID: featureID,
		Status:    StatusRunning,
		Model:     step.Model,
		StartedAt: time.Now().UTC(),
	}
	e.emitter.Emit("pipeline:step:started", map[string]any{"stepId": step.ID, "featureId": featureID})

	timeout := defaultStepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, runErr := e.runQuery(runCtx, projectPath, step, feature)
	result.FinishedAt = time.Now().UTC()

	if runErr != nil {
		result.Status = StatusFailed
		result.Error = runErr.Error()
	} else {
		result.Passed = outcome.Passed
		result.Summary = outcome.Summary
		result.Issues = outcome.Issues
		if outcome.Passed {
			result.Status = StatusSucceeded
		} else {
			result.Status = StatusFailed
		}
	}

	if err := e.storage.SaveStepResult(result); err != nil {
		e.logger.Logf(terminal.StyleWarning, "pipeline: persist result %s/%s failed: %v", featureID, step.ID, err)
	}
	if runErr == nil && len(outcome.Issues) > 0 {
		e.memory.StoreFeedback(step.ID, featureID, outcome.Issues, outcome.Summary)
	}

	e.emitter.Emit("pipeline:step:finished", map[string]any{
		"stepId":    step.ID,
		"featureId": featureID,
		"status":    result.Status,
	})

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// SkipStep records a skipped status for a non-required step without invoking
// any provider. Skipping a required step is rejected, not a state
// transition.
func (e *Executor) SkipStep(step StepConfig, featureID string) (*StepResult, error) {
	if step.Required {
		return nil, fmt.Errorf("step %q is required and cannot be skipped", step.ID)
	}

	now := time.Now().UTC()
	result := &StepResult{
		ID:         uuid.NewString(),
		StepID:     step.ID,
		FeatureID:  featureID,
		Status:     StatusSkipped,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := e.storage.SaveStepResult(result); err != nil {
		e.logger.Logf(terminal.StyleWarning, "pipeline: persist skip %s/%s failed: %v", featureID, step.ID, err)
	}
	e.emitter.Emit("pipeline:step:skipped", map[string]any{"stepId": step.ID, "featureId": featureID})
	return result, nil
}

// RunPipeline validates the configuration and runs the steps in dependency
// order. A failing required step stops the pipeline; a failing optional step
// is recorded and execution continues.
func (e *Executor) RunPipeline(ctx context.Context, projectPath string, steps []StepConfig, featureID string) ([]*StepResult, error) {
	order, err := ExecutionOrder(steps)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]StepConfig, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	var results []*StepResult
	for _, id := range order {
		step := byID[id]
		result, err := e.RunStep(ctx, projectPath, step, featureID)
		if result != nil {
			results = append(results, result)
		}
		if err != nil || (result != nil && result.Status == StatusFailed) {
			if step.Required {
				if err != nil {
					return results, fmt.Errorf("required step %q failed: %w", step.ID, err)
				}
				return results, fmt.Errorf("required step %q failed", step.ID)
			}
			if provider.IsRateLimited(err) {
				// A throttled backend will throttle every later step too.
				// Surface the error so the caller can pause and retry
				// instead of burning through the rest of the pipeline.
				return results, err
			}
			e.logger.Logf(terminal.StyleWarning, "pipeline: optional step %q failed, continuing", step.ID)
		}
	}
	return results, nil
}

// runQuery executes the step's model query and parses the structured verdict.
func (e *Executor) runQuery(ctx context.Context, projectPath string, step StepConfig, feature *features.Feature) (*stepOutcome, error) {
	prompt := e.buildPrompt(step, feature)

	stream, err := e.queries.Execute(ctx, query.Options{
		ExecuteOptions: provider.ExecuteOptions{
			Prompt:       prompt,
			Model:        step.Model,
			WorkDir:      projectPath,
			OutputSchema: outcomeSchema(),
		},
	})
	if err != nil {
		return nil, err
	}

	var terminalMsg *provider.Message
	for {
		m, ok := stream.Next(ctx)
		if !ok {
			break
		}
		if m.IsTerminal() {
			terminalMsg = &m
		}
	}
	if terminalMsg == nil {
		return nil, fmt.Errorf("step %q: stream ended without a terminal message", step.ID)
	}
	if terminalMsg.Type == provider.MessageError {
		// Re-derive the failure kind from the message so callers can tell
		// rate limiting apart from generic failure.
		return nil, fmt.Errorf("step %q: %w", step.ID, provider.ClassifyText(step.Model, terminalMsg.Error))
	}
	if len(terminalMsg.StructuredOutput) == 0 {
		return nil, fmt.Errorf("step %q: no structured verdict in response", step.ID)
	}

	var outcome stepOutcome
	if err := json.Unmarshal(terminalMsg.StructuredOutput, &outcome); err != nil {
		return nil, fmt.Errorf("step %q: parse verdict: %w", step.ID, err)
	}
	return &outcome, nil
}

// buildPrompt assembles the step-type instruction, the feature context, and
// the prior-iteration memory block.
func (e *Executor) buildPrompt(step StepConfig, feature *features.Feature) string {
	var b strings.Builder

	switch step.Type {
	case StepReview:
		b.WriteString("Review the code changes for the feature below. Report correctness, maintainability, and style issues.")
	case StepSecurity:
		b.WriteString("Audit the code changes for the feature below for security problems: injection, secrets, unsafe input handling, and permission issues.")
	case StepPerformance:
		b.WriteString("Analyze the code changes for the feature below for performance problems: needless allocation, quadratic behavior, blocking calls on hot paths.")
	case StepTest:
		b.WriteString("Evaluate the test coverage for the feature below. Identify untested behavior and weak assertions.")
	case StepCustom:
		if instr, ok := step.Config["prompt"].(string); ok && instr != "" {
			b.WriteString(instr)
		} else {
			b.WriteString("Evaluate the code changes for the feature below.")
		}
	}

	fmt.Fprintf(&b, "\n\nFeature: %s", feature.Title)
	if feature.Description != "" {
		fmt.Fprintf(&b, "\n%s", feature.Description)
	}
	if feature.Branch != "" {
		fmt.Fprintf(&b, "\nBranch: %s", feature.Branch)
	}

	mem := e.memory.MemoryForNextIteration(step.ID, feature.ID)
	if mem.AvoidRepeating {
		b.WriteString("\n\nIssues already reported in earlier iterations (do NOT re-report these):")
		for _, issue := range mem.PreviousIssues {
			fmt.Fprintf(&b, "\n- [%s] %s", issue.Hash, issue.Title)
		}
		if len(mem.ResolvedHashes) > 0 {
			fmt.Fprintf(&b, "\nResolved issue hashes: %s", strings.Join(mem.ResolvedHashes, ", "))
		}
	}

	b.WriteString("\n\nFor each new issue, supply a stable short hash derived from its location and nature.")
	return b.String()
}
