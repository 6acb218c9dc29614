package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/devhaven/conductor/internal/features"
	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
)

// fakeRunner returns a canned structured verdict and counts invocations.
type fakeRunner struct {
	calls    int
	outcome  stepOutcome
	lastOpts query.Options
	fail     string
}

func (f *fakeRunner) Execute(_ context.Context, opts query.Options) (*provider.Stream, error) {
	f.calls++
	f.lastOpts = opts

	ch := make(chan provider.Message, 2)
	if f.fail != "" {
		ch <- provider.ErrorMessage("s-1", f.fail)
	} else {
		raw, _ := json.Marshal(f.outcome)
		m := provider.ResultMessage("s-1", "done")
		m.StructuredOutput = raw
		ch <- m
	}
	close(ch)
	return provider.StreamFromChannel(ch), nil
}

func newTestExecutor(t *testing.T, runner *fakeRunner) (*Executor, string) {
	t.Helper()
	dir := t.TempDir()

	loader := features.NewFileLoader()
	if err := loader.Save(dir, &features.Feature{
		ID:     "feat-1",
		Title:  "Add retry logic",
		Status: features.StatusInProgress,
	}); err != nil {
		t.Fatal(err)
	}

	storage := NewStorage(dir, nil)
	memory := NewMemory("", nil)
	return NewExecutor(runner, storage, memory, loader, nil, nil), dir
}

func TestExecutorRunStepSuccess(t *testing.T) {
	runner := &fakeRunner{outcome: stepOutcome{
		Passed:  true,
		Summary: "clean",
		Issues:  nil,
	}}
	exec, dir := newTestExecutor(t, runner)

	step := StepConfig{ID: "review", Type: StepReview, Model: "claude-opus-4-5", Required: true}
	result, err := exec.RunStep(context.Background(), dir, step, "feat-1")
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if result.Status != StatusSucceeded || !result.Passed {
		t.Errorf("result = %+v, want succeeded", result)
	}
	if runner.calls != 1 {
		t.Errorf("provider invoked %d times, want 1", runner.calls)
	}
	if runner.lastOpts.OutputSchema == nil {
		t.Error("step query must request a structured verdict")
	}

	// Result is persisted.
	loaded, err := exec.storage.LoadStepResult("feat-1", "review")
	if err != nil {
		t.Fatalf("LoadStepResult: %v", err)
	}
	if loaded.Status != StatusSucceeded {
		t.Errorf("persisted status = %v", loaded.Status)
	}
}

func TestExecutorRunStepFailedVerdictFeedsMemory(t *testing.T) {
	runner := &fakeRunner{outcome: stepOutcome{
		Passed:  false,
		Summary: "problems found",
		Issues:  []Issue{{Hash: "h1", Title: "unchecked error"}},
	}}
	exec, dir := newTestExecutor(t, runner)

	step := StepConfig{ID: "review", Type: StepReview, Model: "claude-opus-4-5"}
	result, err := exec.RunStep(context.Background(), dir, step, "feat-1")
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %v, want failed", result.Status)
	}

	mem := exec.memory.MemoryForNextIteration("review", "feat-1")
	if !mem.AvoidRepeating || len(mem.PreviousIssues) != 1 {
		t.Errorf("memory = %+v, want recorded feedback", mem)
	}

	// The next run's prompt carries the earlier findings.
	if _, err := exec.RunStep(context.Background(), dir, step, "feat-1"); err != nil {
		t.Fatalf("second RunStep: %v", err)
	}
	if !strings.Contains(runner.lastOpts.Prompt, "do NOT re-report") ||
		!strings.Contains(runner.lastOpts.Prompt, "h1") {
		t.Errorf("second prompt missing memory block:\n%s", runner.lastOpts.Prompt)
	}
}

func TestExecutorRunStepProviderError(t *testing.T) {
	runner := &fakeRunner{fail: "rate limit exceeded"}
	exec, dir := newTestExecutor(t, runner)

	step := StepConfig{ID: "review", Type: StepReview, Model: "claude-opus-4-5"}
	result, err := exec.RunStep(context.Background(), dir, step, "feat-1")
	if err == nil {
		t.Fatal("expected error from failing provider")
	}
	if result == nil || result.Status != StatusFailed {
		t.Errorf("result = %+v, want failed record", result)
	}
	if !strings.Contains(result.Error, "rate limit") {
		t.Errorf("result.Error = %q", result.Error)
	}
}

func TestExecutorRunStepUnknownFeature(t *testing.T) {
	runner := &fakeRunner{}
	exec, dir := newTestExecutor(t, runner)

	step := StepConfig{ID: "review", Type: StepReview, Model: "claude-opus-4-5"}
	if _, err := exec.RunStep(context.Background(), dir, step, "ghost"); err == nil {
		t.Fatal("expected error for unknown feature")
	}
	if runner.calls != 0 {
		t.Error("provider must not be invoked for a missing feature")
	}
}

func TestExecutorSkipStep(t *testing.T) {
	runner := &fakeRunner{}
	exec, _ := newTestExecutor(t, runner)

	t.Run("required step cannot be skipped", func(t *testing.T) {
		_, err := exec.SkipStep(StepConfig{ID: "review", Type: StepReview, Required: true}, "feat-1")
		if err == nil || !strings.Contains(err.Error(), "cannot be skipped") {
			t.Errorf("error = %v, want skip rejection", err)
		}
	})

	t.Run("optional step records skipped without provider", func(t *testing.T) {
		result, err := exec.SkipStep(StepConfig{ID: "test", Type: StepTest}, "feat-1")
		if err != nil {
			t.Fatalf("SkipStep: %v", err)
		}
		if result.Status != StatusSkipped {
			t.Errorf("status = %v, want skipped", result.Status)
		}
		if runner.calls != 0 {
			t.Error("skip must not invoke any provider")
		}

		loaded, err := exec.storage.LoadStepResult("feat-1", "test")
		if err != nil {
			t.Fatalf("LoadStepResult: %v", err)
		}
		if loaded.Status != StatusSkipped {
			t.Errorf("persisted status = %v", loaded.Status)
		}
	})
}

func TestExecutorRunStepWithDependencies(t *testing.T) {
	runner := &fakeRunner{outcome: stepOutcome{Passed: true, Summary: "clean"}}
	exec, dir := newTestExecutor(t, runner)

	// A single-step invocation runs against whatever results are already
	// stored; naming a dependency must not reject the step.
	step := StepConfig{ID: "test", Type: StepTest, Model: "claude-opus-4-5", Dependencies: []string{"review"}}
	result, err := exec.RunStep(context.Background(), dir, step, "feat-1")
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Errorf("status = %v, want succeeded", result.Status)
	}
	if runner.calls != 1 {
		t.Errorf("provider calls = %d, want 1", runner.calls)
	}
}

func TestExecutorRunStepRejectsBadFields(t *testing.T) {
	runner := &fakeRunner{}
	exec, dir := newTestExecutor(t, runner)

	tests := []struct {
		name string
		step StepConfig
	}{
		{"empty id", StepConfig{Type: StepReview, Model: "claude-opus-4-5"}},
		{"unknown type", StepConfig{ID: "x", Type: "lint", Model: "claude-opus-4-5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := exec.RunStep(context.Background(), dir, tt.step, "feat-1"); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if runner.calls != 0 {
		t.Error("provider must not be invoked for an invalid step")
	}
}

func TestExecutorRunPipelineRunsDependentSteps(t *testing.T) {
	runner := &fakeRunner{outcome: stepOutcome{Passed: true, Summary: "clean"}}
	exec, dir := newTestExecutor(t, runner)

	steps := []StepConfig{
		{ID: "review", Type: StepReview, Model: "claude-opus-4-5", Dependencies: []string{"security"}},
		{ID: "security", Type: StepSecurity, Model: "claude-opus-4-5"},
	}
	results, err := exec.RunPipeline(context.Background(), dir, steps, "feat-1")
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if runner.calls != 2 {
		t.Errorf("provider calls = %d, want 2", runner.calls)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].StepID != "security" || results[1].StepID != "review" {
		t.Errorf("order = %s, %s; want dependency before dependent",
			results[0].StepID, results[1].StepID)
	}
}

func TestExecutorRunPipelineStopsOnRequiredFailure(t *testing.T) {
	runner := &fakeRunner{outcome: stepOutcome{Passed: false, Summary: "bad"}}
	exec, dir := newTestExecutor(t, runner)

	steps := []StepConfig{
		{ID: "review", Type: StepReview, Model: "claude-opus-4-5", Required: true},
		{ID: "test", Type: StepTest, Model: "claude-opus-4-5", Dependencies: []string{"review"}},
	}
	results, err := exec.RunPipeline(context.Background(), dir, steps, "feat-1")
	if err == nil || !strings.Contains(err.Error(), "required step") {
		t.Fatalf("error = %v, want required-step failure", err)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want pipeline stopped after first step", len(results))
	}
	if runner.calls != 1 {
		t.Errorf("provider calls = %d, want 1", runner.calls)
	}
}

func TestExecutorRunPipelineContinuesPastOptionalFailure(t *testing.T) {
	runner := &fakeRunner{outcome: stepOutcome{Passed: false, Summary: "bad"}}
	exec, dir := newTestExecutor(t, runner)

	steps := []StepConfig{
		{ID: "review", Type: StepReview, Model: "claude-opus-4-5"},
		{ID: "test", Type: StepTest, Model: "claude-opus-4-5"},
	}
	results, err := exec.RunPipeline(context.Background(), dir, steps, "feat-1")
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want both optional steps run", len(results))
	}
}

func TestExecutorRunPipelineSurfacesOptionalRateLimit(t *testing.T) {
	runner := &fakeRunner{fail: "rate limit exceeded"}
	exec, dir := newTestExecutor(t, runner)

	steps := []StepConfig{
		{ID: "review", Type: StepReview, Model: "claude-opus-4-5"},
		{ID: "test", Type: StepTest, Model: "claude-opus-4-5"},
	}
	results, err := exec.RunPipeline(context.Background(), dir, steps, "feat-1")
	if err == nil {
		t.Fatal("expected rate-limit error to surface from the optional step")
	}
	if !provider.IsRateLimited(err) {
		t.Errorf("error = %v, want rate-limit kind preserved", err)
	}
	if runner.calls != 1 {
		t.Errorf("provider calls = %d, want pipeline stopped after the throttled step", runner.calls)
	}
	if len(results) != 1 {
		t.Errorf("results = %d, want 1", len(results))
	}
}
