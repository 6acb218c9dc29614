// Package review runs the code review service: a static check gate
// (project-configured build/test/lint commands) followed by an optional
// bounded loop of provider-driven fix attempts.
package review

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/devhaven/conductor/internal/events"
	"github.com/devhaven/conductor/internal/features"
	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
	"github.com/devhaven/conductor/internal/terminal"
)

const (
	// defaultMaxFixAttempts bounds the provider fix loop.
	defaultMaxFixAttempts = 3

	// fixBackoffBase is the initial delay between fix attempts; it doubles
	// per attempt.
	fixBackoffBase = 2 * time.Second
)

// Check is one static gate command run in the project directory.
type Check struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// CheckResult is one check's outcome.
type CheckResult struct {
	Name   string
	Passed bool
	Output string
}

// Result is a completed review.
type Result struct {
	FeatureID   string
	Passed      bool
	Checks      []CheckResult
	FixAttempts int
}

// QueryRunner is the slice of the query service the fix loop needs.
type QueryRunner interface {
	Execute(ctx context.Context, opts query.Options) (*provider.Stream, error)
}

// CheckRunner executes one static check. Interface for testing.
type CheckRunner interface {
	RunCheck(ctx context.Context, dir string, check Check) CheckResult
}

// ExecCheckRunner runs checks via exec in the project directory.
type ExecCheckRunner struct{}

func (r *ExecCheckRunner) RunCheck(ctx context.Context, dir string, check Check) CheckResult {
	// #nosec G204 - commands come from the project's own review config.
	cmd := exec.CommandContext(ctx, check.Command, check.Args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return CheckResult{
		Name:   check.Name,
		Passed: err == nil,
		Output: strings.TrimSpace(string(out)),
	}
}

// Service runs reviews. Running reviews live in an arena keyed by feature
// id with explicit create/destroy, so concurrent requests for the same
// feature are rejected rather than raced.
type Service struct {
	queries     QueryRunner
	checkRunner CheckRunner
	emitter     events.Emitter
	logger      *terminal.Logger

	maxFixAttempts int
	fixModel       string
	backoff        func(attempt int) time.Duration

	mu      sync.Mutex
	running map[string]bool
}

// Option customizes a Service.
type Option func(*Service)

// WithMaxFixAttempts bounds the fix loop.
func WithMaxFixAttempts(n int) Option {
	return func(s *Service) { s.maxFixAttempts = n }
}

// WithCheckRunner swaps the check executor. Used by tests.
func WithCheckRunner(r CheckRunner) Option {
	return func(s *Service) { s.checkRunner = r }
}

// WithBackoff swaps the delay schedule. Used by tests.
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(s *Service) { s.backoff = f }
}

// New creates a review service. fixModel is the model used for fix
// attempts; empty disables the fix loop.
func New(queries QueryRunner, fixModel string, emitter events.Emitter, logger *terminal.Logger, opts ...Option) *Service {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = terminal.NewLogger()
	}
	s := &Service{
		queries:        queries,
		checkRunner:    &ExecCheckRunner{},
		emitter:        emitter,
		logger:         logger,
		maxFixAttempts: defaultMaxFixAttempts,
		fixModel:       fixModel,
		running:        make(map[string]bool),
	}
	s.backoff = func(attempt int) time.Duration {
		return fixBackoffBase << attempt
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reviews one feature: the static gate runs first, and while it fails
// the fix loop asks the provider to repair the project, re-running the gate
// after each attempt with exponential backoff between attempts.
func (s *Service) Run(ctx context.Context, projectPath, featureID string, checks []Check) (*Result, error) {
	if err := features.ValidateWorkDir(projectPath); err != nil {
		return nil, err
	}
	if err := s.acquire(featureID); err != nil {
		return nil, err
	}
	defer s.release(featureID)

	s.emitter.Emit("review:started", map[string]any{"featureId": featureID})

	result := &Result{FeatureID: featureID}
	result.Checks = s.runGate(ctx, projectPath, checks)
	result.Passed = allPassed(result.Checks)

	for !result.Passed && s.fixModel != "" && result.FixAttempts < s.maxFixAttempts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.FixAttempts++
		s.logger.Logf(terminal.StyleInfo, "review: fix attempt %d/%d for %s", result.FixAttempts, s.maxFixAttempts, featureID)

		if err := s.attemptFix(ctx, projectPath, result.Checks); err != nil {
			s.logger.Logf(terminal.StyleWarning, "review: fix attempt failed: %v", err)
		}

		result.Checks = s.runGate(ctx, projectPath, checks)
		result.Passed = allPassed(result.Checks)
		if result.Passed {
			break
		}
		if result.FixAttempts < s.maxFixAttempts {
			if err := sleepCtx(ctx, s.backoff(result.FixAttempts-1)); err != nil {
				return result, err
			}
		}
	}

	s.emitter.Emit("review:finished", map[string]any{
		"featureId": featureID,
		"passed":    result.Passed,
		"attempts":  result.FixAttempts,
	})
	return result, nil
}

// acquire registers a running review, rejecting a second one for the same
// feature.
func (s *Service) acquire(featureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[featureID] {
		return fmt.Errorf("a review for feature %s is already running", featureID)
	}
	s.running[featureID] = true
	return nil
}

func (s *Service) release(featureID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, featureID)
}

// runGate executes every check, continuing past failures so the report is
// complete.
func (s *Service) runGate(ctx context.Context, projectPath string, checks []Check) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, s.checkRunner.RunCheck(ctx, projectPath, check))
	}
	return results
}

// attemptFix asks the provider to repair the failing checks, draining the
// stream to completion.
func (s *Service) attemptFix(ctx context.Context, projectPath string, failed []CheckResult) error {
	var b strings.Builder
	b.WriteString("The following checks are failing in this project. Fix the underlying problems; do not weaken or skip the checks.\n")
	for _, check := range failed {
		if check.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", check.Name, check.Output)
	}

	stream, err := s.queries.Execute(ctx, query.Options{
		ExecuteOptions: provider.ExecuteOptions{
			Prompt:  b.String(),
			Model:   s.fixModel,
			WorkDir: projectPath,
		},
	})
	if err != nil {
		return err
	}
	for {
		m, ok := stream.Next(ctx)
		if !ok {
			return nil
		}
		if m.Type == provider.MessageError {
			return fmt.Errorf("fix attempt: %s", m.Error)
		}
	}
}

func allPassed(results []CheckResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
