// Package gatekeeper enforces the preconditions for automated PR merges:
// a hard repository allow-list, CI success, review approval, and zero
// unresolved comments, polled through the gh CLI.
package gatekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devhaven/conductor/internal/events"
	"github.com/devhaven/conductor/internal/terminal"
)

// defaultPollInterval is how often a monitored PR is re-checked.
const defaultPollInterval = 30 * time.Second

// ErrRepositoryNotAllowed is the hard-reject for any repository outside the
// allow-list. Never downgraded, never retried.
var ErrRepositoryNotAllowed = errors.New("repository is not on the merge allow-list")

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RequestStatus is a merge request's position in the gatekeeper state
// machine: monitoring -> ready-for-merge -> merged, or rejected from any
// monitored state.
type RequestStatus string

const (
	StatusMonitoring    RequestStatus = "monitoring"
	StatusReadyForMerge RequestStatus = "ready-for-merge"
	StatusMerged        RequestStatus = "merged"
	StatusRejected      RequestStatus = "rejected"
)

// MergeRequest is one monitored PR's record.
type MergeRequest struct {
	ID          string        `json:"id"`
	PRNumber    int           `json:"prNumber"`
	Repo        string        `json:"repo"`
	RequestedBy string        `json:"requestedBy"`
	Status      RequestStatus `json:"status"`
	Reasons     []string      `json:"reasons,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// PRStatus is one poll's snapshot of a PR.
type PRStatus struct {
	Title          string
	State          string
	URL            string
	Mergeable      string
	ReviewDecision string
	ChecksPassed   bool
	ChecksPending  bool
	Comments       int
	Approvals      int
}

// Eligibility is the outcome of one merge-eligibility evaluation.
type Eligibility struct {
	IsEligible bool
	Reasons    []string
	Status     PRStatus
}

// prView mirrors the gh pr view JSON payload. Missing fields default to
// zero values; the eligibility check treats absent data as not-passing.
type prView struct {
	Title             string      `json:"title"`
	State             string      `json:"state"`
	URL               string      `json:"url"`
	Mergeable         string      `json:"mergeable"`
	ReviewDecision    string      `json:"reviewDecision"`
	StatusCheckRollup []prCheck   `json:"statusCheckRollup"`
	Comments          []prComment `json:"comments"`
	Reviews           []prReview  `json:"reviews"`
}

type prCheck struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

type prComment struct {
	Body string `json:"body"`
}

type prReview struct {
	State string `json:"state"`
}

// monitor is one PR's polling loop handle.
type monitor struct {
	stop chan struct{}
	done chan struct{}
}

// Gatekeeper watches PRs and performs merges once every condition holds.
// One monitor loop runs per PR number, enforced by an already-monitoring
// guard; Cleanup stops every loop at shutdown.
type Gatekeeper struct {
	runner       CmdRunner
	allowedRepo  string
	pollInterval time.Duration
	emitter      events.Emitter
	logger       *terminal.Logger

	mu       sync.Mutex
	requests map[int]*MergeRequest
	monitors map[int]*monitor
}

// Option customizes a Gatekeeper.
type Option func(*Gatekeeper)

// WithPollInterval overrides the 30s poll interval. Used by tests.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gatekeeper) { g.pollInterval = d }
}

// New creates a gatekeeper locked to allowedRepo. The allow-list is a single
// repository string compared case-insensitively; everything else is
// hard-rejected.
func New(runner CmdRunner, allowedRepo string, emitter events.Emitter, logger *terminal.Logger, opts ...Option) *Gatekeeper {
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = terminal.NewLogger()
	}
	g := &Gatekeeper{
		runner:       runner,
		allowedRepo:  allowedRepo,
		pollInterval: defaultPollInterval,
		emitter:      emitter,
		logger:       logger,
		requests:     make(map[int]*MergeRequest),
		monitors:     make(map[int]*monitor),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// validateRepo enforces the allow-list.
func (g *Gatekeeper) validateRepo(repo string) error {
	if !strings.EqualFold(repo, g.allowedRepo) {
		return fmt.Errorf("%w: %q (allowed: %q)", ErrRepositoryNotAllowed, repo, g.allowedRepo)
	}
	return nil
}

// StartMonitoring registers a merge request and begins polling. It rejects
// immediately for a repository outside the allow-list (no timer is ever
// registered) and for a PR that is already being monitored.
func (g *Gatekeeper) StartMonitoring(prNumber int, repo, requestedBy string) (*MergeRequest, error) {
	if err := g.validateRepo(repo); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if _, active := g.monitors[prNumber]; active {
		g.mu.Unlock()
		return nil, fmt.Errorf("PR #%d is already being monitored", prNumber)
	}
	req := &MergeRequest{
		ID:          uuid.NewString(),
		PRNumber:    prNumber,
		Repo:        repo,
		RequestedBy: requestedBy,
		Status:      StatusMonitoring,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	g.requests[prNumber] = req
	mon := &monitor{stop: make(chan struct{}), done: make(chan struct{})}
	g.monitors[prNumber] = mon
	g.mu.Unlock()

	g.emitter.Emit("merge:monitoring:started", map[string]any{"prNumber": prNumber, "repo": repo})
	go g.pollLoop(prNumber, repo, mon)
	return req, nil
}

// pollLoop runs one immediate check, then re-checks on the poll interval
// until the PR becomes eligible or monitoring is stopped.
func (g *Gatekeeper) pollLoop(prNumber int, repo string, mon *monitor) {
	defer close(mon.done)

	if g.pollOnce(prNumber, repo) {
		return
	}
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mon.stop:
			return
		case <-ticker.C:
			if g.pollOnce(prNumber, repo) {
				return
			}
		}
	}
}

// pollOnce checks eligibility and returns true when monitoring should end.
func (g *Gatekeeper) pollOnce(prNumber int, repo string) bool {
	elig, err := g.CheckPRStatus(prNumber, repo)
	if err != nil {
		g.logger.Logf(terminal.StyleWarning, "merge: poll PR #%d failed: %v", prNumber, err)
		return false
	}

	g.mu.Lock()
	req := g.requests[prNumber]
	if req == nil || req.Status != StatusMonitoring {
		g.mu.Unlock()
		return true
	}
	req.Reasons = elig.Reasons
	req.UpdatedAt = time.Now().UTC()
	if elig.IsEligible {
		req.Status = StatusReadyForMerge
		delete(g.monitors, prNumber)
	}
	g.mu.Unlock()

	if elig.IsEligible {
		g.emitter.Emit("merge:ready", map[string]any{"prNumber": prNumber, "title": elig.Status.Title, "url": elig.Status.URL})
		return true
	}
	return false
}

// CheckPRStatus fetches the PR snapshot and evaluates merge eligibility:
// CI rollup success, zero unresolved comments, review decision not
// changes-requested, and at least one approval. Every failing condition
// contributes a reason.
func (g *Gatekeeper) CheckPRStatus(prNumber int, repo string) (*Eligibility, error) {
	if err := g.validateRepo(repo); err != nil {
		return nil, err
	}

	out, err := g.runner.Run("pr", "view", fmt.Sprintf("%d", prNumber),
		"--repo", repo,
		"--json", "title,state,url,mergeable,reviewDecision,statusCheckRollup,comments,reviews")
	if err != nil {
		return nil, fmt.Errorf("fetch PR #%d: %w", prNumber, err)
	}

	var view prView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		return nil, fmt.Errorf("parse PR #%d status: %w", prNumber, err)
	}
	return evaluate(view), nil
}

// evaluate is the pure eligibility computation over one PR snapshot.
func evaluate(view prView) *Eligibility {
	status := PRStatus{
		Title:          view.Title,
		State:          view.State,
		URL:            view.URL,
		Mergeable:      view.Mergeable,
		ReviewDecision: view.ReviewDecision,
		Comments:       len(view.Comments),
	}

	status.ChecksPassed = true
	for _, check := range view.StatusCheckRollup {
		conclusion := strings.ToUpper(check.Conclusion)
		if conclusion == "" {
			conclusion = strings.ToUpper(check.State)
		}
		switch conclusion {
		case "SUCCESS", "NEUTRAL", "SKIPPED":
		default:
			status.ChecksPassed = false
			if strings.ToUpper(check.Status) != "COMPLETED" {
				status.ChecksPending = true
			}
		}
	}

	for _, review := range view.Reviews {
		if strings.EqualFold(review.State, "APPROVED") {
			status.Approvals++
		}
	}

	var reasons []string
	if status.ChecksPending {
		reasons = append(reasons, "CI checks are still pending")
	} else if !status.ChecksPassed {
		reasons = append(reasons, "CI checks have not passed")
	}
	if status.Comments > 0 {
		reasons = append(reasons, fmt.Sprintf("%d unresolved comment(s)", status.Comments))
	}
	if strings.EqualFold(status.ReviewDecision, "CHANGES_REQUESTED") {
		reasons = append(reasons, "changes have been requested by a reviewer")
	}
	if status.Approvals == 0 {
		reasons = append(reasons, "no approving reviews")
	}

	return &Eligibility{
		IsEligible: len(reasons) == 0,
		Reasons:    reasons,
		Status:     status,
	}
}

// ApproveMerge merges a ready PR. The repository match is re-validated here
// even though StartMonitoring already checked it, in case upstream PR
// metadata changed between poll and action. On merge failure the record
// keeps its prior status and the error propagates.
func (g *Gatekeeper) ApproveMerge(prNumber int, repo string) error {
	if err := g.validateRepo(repo); err != nil {
		return err
	}

	g.mu.Lock()
	req := g.requests[prNumber]
	g.mu.Unlock()
	if req == nil {
		return fmt.Errorf("PR #%d has no merge request", prNumber)
	}

	if _, err := g.runner.Run("pr", "merge", fmt.Sprintf("%d", prNumber),
		"--repo", repo, "--merge", "--delete-branch"); err != nil {
		return fmt.Errorf("merge PR #%d: %w", prNumber, err)
	}

	g.mu.Lock()
	req.Status = StatusMerged
	req.UpdatedAt = time.Now().UTC()
	g.stopMonitorLocked(prNumber)
	g.mu.Unlock()

	comment := fmt.Sprintf("Merged automatically by conductor (request %s, requested by %s).", req.ID, req.RequestedBy)
	if _, err := g.runner.Run("pr", "comment", fmt.Sprintf("%d", prNumber), "--repo", repo, "--body", comment); err != nil {
		g.logger.Logf(terminal.StyleWarning, "merge: audit comment on PR #%d failed: %v", prNumber, err)
	}

	g.emitter.Emit("merge:completed", map[string]any{"prNumber": prNumber, "repo": repo})
	return nil
}

// RejectMerge is a terminal transition from any monitored state. It always
// stops polling.
func (g *Gatekeeper) RejectMerge(prNumber int, reason string) error {
	g.mu.Lock()
	req := g.requests[prNumber]
	if req == nil {
		g.mu.Unlock()
		return fmt.Errorf("PR #%d has no merge request", prNumber)
	}
	req.Status = StatusRejected
	if reason != "" {
		req.Reasons = append(req.Reasons, reason)
	}
	req.UpdatedAt = time.Now().UTC()
	g.stopMonitorLocked(prNumber)
	g.mu.Unlock()

	g.emitter.Emit("merge:rejected", map[string]any{"prNumber": prNumber, "reason": reason})
	return nil
}

// Request returns the current record for a PR, or nil.
func (g *Gatekeeper) Request(prNumber int) *MergeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	req := g.requests[prNumber]
	if req == nil {
		return nil
	}
	copied := *req
	return &copied
}

// Cleanup stops every active monitor and clears all records. Required at
// process shutdown to avoid dangling timers.
func (g *Gatekeeper) Cleanup() {
	g.mu.Lock()
	monitors := make([]*monitor, 0, len(g.monitors))
	for pr := range g.monitors {
		monitors = append(monitors, g.monitors[pr])
		close(g.monitors[pr].stop)
	}
	g.monitors = make(map[int]*monitor)
	g.requests = make(map[int]*MergeRequest)
	g.mu.Unlock()

	for _, mon := range monitors {
		<-mon.done
	}
}

// stopMonitorLocked stops a PR's poll loop. Callers hold g.mu.
func (g *Gatekeeper) stopMonitorLocked(prNumber int) {
	if mon, ok := g.monitors[prNumber]; ok {
		close(mon.stop)
		delete(g.monitors, prNumber)
	}
}
