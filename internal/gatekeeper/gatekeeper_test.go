package gatekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

const testRepo = "devhaven/conductor"

// fakeRunner serves canned gh responses and records invocations.
type fakeRunner struct {
	mu       sync.Mutex
	view     prView
	viewErr  error
	mergeErr error
	calls    [][]string
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)

	switch {
	case len(args) > 1 && args[0] == "pr" && args[1] == "view":
		if f.viewErr != nil {
			return "", f.viewErr
		}
		data, _ := json.Marshal(f.view)
		return string(data), nil
	case len(args) > 1 && args[0] == "pr" && args[1] == "merge":
		if f.mergeErr != nil {
			return "", f.mergeErr
		}
		return "", nil
	case len(args) > 1 && args[0] == "pr" && args[1] == "comment":
		return "", nil
	}
	return "", fmt.Errorf("unexpected gh invocation: %v", args)
}

func (f *fakeRunner) callCount(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == sub {
			n++
		}
	}
	return n
}

func eligibleView() prView {
	return prView{
		Title:             "Add retry logic",
		State:             "OPEN",
		Mergeable:         "MERGEABLE",
		ReviewDecision:    "APPROVED",
		StatusCheckRollup: []prCheck{{Status: "COMPLETED", Conclusion: "SUCCESS"}},
		Reviews:           []prReview{{State: "APPROVED"}},
	}
}

func TestStartMonitoringRejectsUnlistedRepo(t *testing.T) {
	runner := &fakeRunner{}
	g := New(runner, testRepo, nil, nil)
	defer g.Cleanup()

	_, err := g.StartMonitoring(7, "owner/other-repo", "alice")
	if !errors.Is(err, ErrRepositoryNotAllowed) {
		t.Fatalf("error = %v, want ErrRepositoryNotAllowed", err)
	}
	if g.Request(7) != nil {
		t.Error("rejected repo must not register a merge request")
	}
	if runner.callCount("view") != 0 {
		t.Error("rejected repo must never reach the gh CLI")
	}
}

func TestStartMonitoringCaseInsensitiveAllowList(t *testing.T) {
	runner := &fakeRunner{view: eligibleView()}
	g := New(runner, testRepo, nil, nil, WithPollInterval(10*time.Millisecond))
	defer g.Cleanup()

	if _, err := g.StartMonitoring(7, "DevHaven/Conductor", "alice"); err != nil {
		t.Fatalf("case-differing repo should pass the allow-list: %v", err)
	}
}

func TestStartMonitoringAlreadyMonitoring(t *testing.T) {
	runner := &fakeRunner{view: prView{}} // never eligible, keeps polling
	g := New(runner, testRepo, nil, nil, WithPollInterval(time.Hour))
	defer g.Cleanup()

	if _, err := g.StartMonitoring(7, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.StartMonitoring(7, testRepo, "bob"); err == nil || !strings.Contains(err.Error(), "already being monitored") {
		t.Errorf("error = %v, want already-monitoring guard", err)
	}
}

func TestEvaluateEligibilityMatrix(t *testing.T) {
	pending := eligibleView()
	pending.StatusCheckRollup[0] = prCheck{Status: "IN_PROGRESS", State: "PENDING"}

	failed := eligibleView()
	failed.StatusCheckRollup[0].Conclusion = "FAILURE"

	commented := eligibleView()
	commented.Comments = []prComment{{Body: "please fix"}}

	changesRequested := eligibleView()
	changesRequested.ReviewDecision = "CHANGES_REQUESTED"

	unapproved := eligibleView()
	unapproved.Reviews = nil

	tests := []struct {
		name       string
		view       prView
		wantOK     bool
		wantReason string
	}{
		{"all conditions hold", eligibleView(), true, ""},
		{"CI pending", pending, false, "pending"},
		{"CI failed", failed, false, "not passed"},
		{"unresolved comments", commented, false, "unresolved comment"},
		{"changes requested", changesRequested, false, "changes have been requested"},
		{"no approvals", unapproved, false, "no approving reviews"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elig := evaluate(tt.view)
			if elig.IsEligible != tt.wantOK {
				t.Errorf("IsEligible = %v, want %v (reasons: %v)", elig.IsEligible, tt.wantOK, elig.Reasons)
			}
			if tt.wantReason != "" {
				found := false
				for _, reason := range elig.Reasons {
					if strings.Contains(reason, tt.wantReason) {
						found = true
					}
				}
				if !found {
					t.Errorf("reasons = %v, want one containing %q", elig.Reasons, tt.wantReason)
				}
			}
		})
	}
}

func TestEvaluateAccumulatesAllReasons(t *testing.T) {
	var v prView // zero snapshot: no checks data, no reviews, not approved
	v.Comments = []prComment{{Body: "x"}, {Body: "y"}}
	v.ReviewDecision = "CHANGES_REQUESTED"

	elig := evaluate(v)
	if elig.IsEligible {
		t.Fatal("zero-value PR must not be eligible")
	}
	if len(elig.Reasons) < 3 {
		t.Errorf("reasons = %v, want every failing condition reported", elig.Reasons)
	}
}

func TestMonitoringTransitionsToReady(t *testing.T) {
	runner := &fakeRunner{view: eligibleView()}
	g := New(runner, testRepo, nil, nil, WithPollInterval(10*time.Millisecond))
	defer g.Cleanup()

	if _, err := g.StartMonitoring(7, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if req := g.Request(7); req != nil && req.Status == StatusReadyForMerge {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("PR never became ready: %+v", g.Request(7))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestApproveMergeRevalidatesRepo(t *testing.T) {
	runner := &fakeRunner{view: eligibleView()}
	g := New(runner, testRepo, nil, nil, WithPollInterval(time.Hour))
	defer g.Cleanup()

	if _, err := g.StartMonitoring(7, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := g.ApproveMerge(7, "owner/other-repo"); !errors.Is(err, ErrRepositoryNotAllowed) {
		t.Fatalf("error = %v, want re-validation reject", err)
	}
	if runner.callCount("merge") != 0 {
		t.Error("merge must not run for a mismatched repo")
	}

	if err := g.ApproveMerge(7, testRepo); err != nil {
		t.Fatalf("ApproveMerge: %v", err)
	}
	if got := g.Request(7).Status; got != StatusMerged {
		t.Errorf("status = %v, want merged", got)
	}
	if runner.callCount("merge") != 1 || runner.callCount("comment") != 1 {
		t.Error("merge must run gh pr merge and post an audit comment")
	}
}

func TestApproveMergeFailureKeepsStatus(t *testing.T) {
	runner := &fakeRunner{view: eligibleView(), mergeErr: errors.New("merge conflict")}
	g := New(runner, testRepo, nil, nil, WithPollInterval(time.Hour))
	defer g.Cleanup()

	if _, err := g.StartMonitoring(7, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}
	before := g.Request(7).Status

	if err := g.ApproveMerge(7, testRepo); err == nil {
		t.Fatal("expected merge failure to propagate")
	}
	if got := g.Request(7).Status; got != before {
		t.Errorf("status = %v, want unchanged %v after failed merge", got, before)
	}
}

func TestRejectMergeStopsMonitoring(t *testing.T) {
	runner := &fakeRunner{view: prView{}}
	g := New(runner, testRepo, nil, nil, WithPollInterval(time.Hour))
	defer g.Cleanup()

	if _, err := g.StartMonitoring(7, testRepo, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := g.RejectMerge(7, "superseded"); err != nil {
		t.Fatalf("RejectMerge: %v", err)
	}

	req := g.Request(7)
	if req.Status != StatusRejected {
		t.Errorf("status = %v, want rejected", req.Status)
	}
	if len(req.Reasons) == 0 || req.Reasons[len(req.Reasons)-1] != "superseded" {
		t.Errorf("reasons = %v", req.Reasons)
	}

	// The slot is free again after rejection.
	if _, err := g.StartMonitoring(7, testRepo, "bob"); err != nil {
		t.Errorf("re-monitoring after rejection should work: %v", err)
	}
}

func TestCleanupStopsAllMonitors(t *testing.T) {
	runner := &fakeRunner{view: prView{}}
	g := New(runner, testRepo, nil, nil, WithPollInterval(time.Hour))

	for pr := 1; pr <= 3; pr++ {
		if _, err := g.StartMonitoring(pr, testRepo, "alice"); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		g.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cleanup did not stop all monitors")
	}
	if g.Request(1) != nil {
		t.Error("Cleanup must clear all records")
	}
}
