package main

import (
	"strings"
	"testing"

	"github.com/devhaven/conductor/internal/pipeline"
)

func TestParsePRNumber(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		want    int
		wantErr bool
	}{
		{name: "plain number", arg: "42", want: 42},
		{name: "hash prefix", arg: "#42", want: 42},
		{name: "zero", arg: "0", wantErr: true},
		{name: "negative", arg: "-3", wantErr: true},
		{name: "not a number", arg: "abc", wantErr: true},
		{name: "empty", arg: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePRNumber(tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parsePRNumber(%q) expected error, got %d", tt.arg, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePRNumber(%q) unexpected error: %v", tt.arg, err)
			}
			if got != tt.want {
				t.Errorf("parsePRNumber(%q) = %d, want %d", tt.arg, got, tt.want)
			}
		})
	}
}

func TestStepByID(t *testing.T) {
	steps := []pipeline.StepConfig{
		{ID: "review", Type: pipeline.StepReview, Name: "Review"},
		{ID: "tests", Type: pipeline.StepTest, Name: "Tests"},
	}

	step, ok := stepByID(steps, "tests")
	if !ok {
		t.Fatal("expected to find step 'tests'")
	}
	if step.Name != "Tests" {
		t.Errorf("wrong step returned: %+v", step)
	}

	if _, ok := stepByID(steps, "missing"); ok {
		t.Error("expected miss for unknown step id")
	}
}

func TestBuildVersionString(t *testing.T) {
	v := buildVersionString()
	if !strings.HasPrefix(v, "conductor ") {
		t.Errorf("version string should start with 'conductor ', got %q", v)
	}
}

func TestCurrentUser_NeverEmpty(t *testing.T) {
	if currentUser() == "" {
		t.Error("currentUser should always return a non-empty name")
	}
}

func TestExitCodeError(t *testing.T) {
	err := exitCodeError{code: 1, msg: "step failed"}
	if err.Error() != "step failed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
