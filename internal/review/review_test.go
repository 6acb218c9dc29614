package review

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/query"
)

// scriptedChecker fails checks until fixed.
type scriptedChecker struct {
	mu          sync.Mutex
	failUntil   int // gate passes once runs >= failUntil
	runs        int
	lastChecked Check
}

func (c *scriptedChecker) RunCheck(_ context.Context, _ string, check Check) CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	c.lastChecked = check
	return CheckResult{
		Name:   check.Name,
		Passed: c.runs >= c.failUntil,
		Output: "type error in main.go",
	}
}

// recordingRunner counts fix queries and succeeds.
type recordingRunner struct {
	mu         sync.Mutex
	calls      int
	lastPrompt string
}

func (r *recordingRunner) Execute(_ context.Context, opts query.Options) (*provider.Stream, error) {
	r.mu.Lock()
	r.calls++
	r.lastPrompt = opts.Prompt
	r.mu.Unlock()

	ch := make(chan provider.Message, 1)
	ch <- provider.ResultMessage("s-1", "fixed")
	close(ch)
	return provider.StreamFromChannel(ch), nil
}

func noBackoff() Option {
	return WithBackoff(func(int) time.Duration { return 0 })
}

func buildCheck() []Check {
	return []Check{{Name: "build", Command: "true"}}
}

func TestRunPassingGateSkipsFixLoop(t *testing.T) {
	runner := &recordingRunner{}
	checker := &scriptedChecker{failUntil: 0} // always passes
	s := New(runner, "claude-opus-4-5", nil, nil, WithCheckRunner(checker), noBackoff())

	result, err := s.Run(context.Background(), t.TempDir(), "feat-1", buildCheck())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Passed || result.FixAttempts != 0 {
		t.Errorf("result = %+v, want pass with no fix attempts", result)
	}
	if runner.calls != 0 {
		t.Error("provider must not run when the gate passes")
	}
}

func TestRunFixLoopRepairsGate(t *testing.T) {
	runner := &recordingRunner{}
	checker := &scriptedChecker{failUntil: 3} // fails twice, passes on 3rd gate run
	s := New(runner, "claude-opus-4-5", nil, nil, WithCheckRunner(checker), noBackoff())

	result, err := s.Run(context.Background(), t.TempDir(), "feat-1", buildCheck())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Passed {
		t.Errorf("result = %+v, want eventual pass", result)
	}
	if result.FixAttempts != 2 {
		t.Errorf("fix attempts = %d, want 2", result.FixAttempts)
	}
	if !strings.Contains(runner.lastPrompt, "type error in main.go") {
		t.Errorf("fix prompt missing check output:\n%s", runner.lastPrompt)
	}
}

func TestRunFixLoopBounded(t *testing.T) {
	runner := &recordingRunner{}
	checker := &scriptedChecker{failUntil: 100} // never passes
	s := New(runner, "claude-opus-4-5", nil, nil,
		WithCheckRunner(checker), WithMaxFixAttempts(2), noBackoff())

	result, err := s.Run(context.Background(), t.TempDir(), "feat-1", buildCheck())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Passed {
		t.Error("gate never passes, result must fail")
	}
	if result.FixAttempts != 2 || runner.calls != 2 {
		t.Errorf("attempts = %d, provider calls = %d, want both bounded at 2", result.FixAttempts, runner.calls)
	}
}

func TestRunNoFixModelDisablesLoop(t *testing.T) {
	runner := &recordingRunner{}
	checker := &scriptedChecker{failUntil: 100}
	s := New(runner, "", nil, nil, WithCheckRunner(checker), noBackoff())

	result, err := s.Run(context.Background(), t.TempDir(), "feat-1", buildCheck())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FixAttempts != 0 || runner.calls != 0 {
		t.Error("empty fix model must disable the fix loop")
	}
}

func TestRunRejectsConcurrentReviewForSameFeature(t *testing.T) {
	runner := &recordingRunner{}
	s := New(runner, "", nil, nil, noBackoff())

	if err := s.acquire("feat-1"); err != nil {
		t.Fatal(err)
	}
	defer s.release("feat-1")

	_, err := s.Run(context.Background(), t.TempDir(), "feat-1", nil)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("error = %v, want already-running rejection", err)
	}

	// A different feature is unaffected.
	if _, err := s.Run(context.Background(), t.TempDir(), "feat-2", nil); err != nil {
		t.Errorf("independent feature blocked: %v", err)
	}
}
