package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/devhaven/conductor/internal/provider"
)

func TestModelResolver(t *testing.T) {
	resolver := &ModelResolver{
		UseCaseModels: map[string]string{
			"review": "cursor/composer-1",
		},
		Equivalents: map[string][]string{
			"cursor/composer-1": {"claude-sonnet-4-5", "gpt-5.2-codex"},
		},
		Defaults: map[string]string{
			"claude": "claude-opus-4-5",
			"codex":  "gpt-5.2-codex",
		},
		Enabled: map[string]bool{
			"claude": true,
			"codex":  true,
			// cursor disabled
		},
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"use case resolves then falls back to equivalent", "review", "claude-sonnet-4-5"},
		{"enabled model passes through", "claude-haiku-4-5", "claude-haiku-4-5"},
		{"disabled model substitutes equivalent", "cursor/composer-1", "claude-sonnet-4-5"},
		{"disabled model with no equivalent uses enabled default", "opencode/big-pickle", "claude-opus-4-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolver.Resolve(tt.input); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("no substitute returns original", func(t *testing.T) {
		lockedDown := &ModelResolver{Enabled: map[string]bool{}}
		if got := lockedDown.Resolve("claude-opus-4-5"); got != "claude-opus-4-5" {
			t.Errorf("Resolve() = %q, want original model back", got)
		}
	})

	t.Run("nil resolver is identity", func(t *testing.T) {
		var r *ModelResolver
		if got := r.Resolve("claude-opus-4-5"); got != "claude-opus-4-5" {
			t.Errorf("Resolve() = %q", got)
		}
	})
}

func TestRewritePromptForSchema(t *testing.T) {
	got := rewritePromptForSchema("Review this diff.", issueSchema())

	if !strings.HasPrefix(got, "Review this diff.") {
		t.Error("original prompt must be preserved")
	}
	if !strings.Contains(got, "ONLY JSON") {
		t.Error("prompt must demand JSON-only output")
	}
	if !strings.Contains(got, "- passed: boolean (required)") {
		t.Errorf("prompt missing schema description:\n%s", got)
	}
}

func TestFinalizeStructuredOutput(t *testing.T) {
	schema := issueSchema()

	tests := []struct {
		name   string
		text   string
		wantOK bool
	}{
		{
			name:   "valid JSON in prose",
			text:   `Here you go: {"passed": true, "summary": "fine"}`,
			wantOK: true,
		},
		{
			name:   "fenced JSON",
			text:   "```json\n{\"passed\": false, \"summary\": \"issues found\"}\n```",
			wantOK: true,
		},
		{
			name:   "schema-invalid JSON rejected",
			text:   `{"passed": "not a bool", "summary": "x"}`,
			wantOK: false,
		},
		{
			name:   "no JSON",
			text:   "I could not produce a result.",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, ok := FinalizeStructuredOutput(tt.text, schema)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (raw=%s)", ok, tt.wantOK, raw)
			}
			if ok && len(raw) == 0 {
				t.Error("ok result must carry raw JSON")
			}
		})
	}
}

func TestForwardWithStructuredOutput(t *testing.T) {
	schema := issueSchema()

	inner := make(chan provider.Message, 8)
	inner <- provider.AssistantText("s-1", `The verdict: {"passed": true, "summary": "clean"}`)
	inner <- provider.ResultMessage("s-1", "done")
	close(inner)

	out := make(chan provider.Message, 8)
	forwardWithStructuredOutput(context.Background(), provider.StreamFromChannel(inner), out, schema)

	var msgs []provider.Message
	for m := range out {
		msgs = append(msgs, m)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].TextContent() == "" {
		t.Error("assistant message must be forwarded unchanged")
	}
	terminal := msgs[1]
	if terminal.Type != provider.MessageResult {
		t.Fatalf("last message type = %v", terminal.Type)
	}
	if len(terminal.StructuredOutput) == 0 {
		t.Fatal("terminal result must carry synthesized structured_output")
	}
	if !strings.Contains(string(terminal.StructuredOutput), `"passed": true`) {
		t.Errorf("structured_output = %s", terminal.StructuredOutput)
	}
}

func TestForwardWithStructuredOutputStopsWhenConsumerGone(t *testing.T) {
	inner := make(chan provider.Message, 4)
	inner <- provider.AssistantText("s-1", "first")
	inner <- provider.AssistantText("s-1", "second")
	inner <- provider.ResultMessage("s-1", "done")
	close(inner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan provider.Message) // unbuffered: the fold blocks on each send
	done := make(chan struct{})
	go func() {
		forwardWithStructuredOutput(ctx, provider.StreamFromChannel(inner), out, issueSchema())
		close(done)
	}()

	// Take one message, then abandon the stream.
	<-out
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not exit after cancellation")
	}
}

func TestForwardWithStructuredOutputLeavesErrorTerminal(t *testing.T) {
	inner := make(chan provider.Message, 4)
	inner <- provider.ErrorMessage("s-1", "backend failed")
	close(inner)

	out := make(chan provider.Message, 4)
	forwardWithStructuredOutput(context.Background(), provider.StreamFromChannel(inner), out, issueSchema())

	var msgs []provider.Message
	for m := range out {
		msgs = append(msgs, m)
	}
	if len(msgs) != 1 || msgs[0].Type != provider.MessageError {
		t.Fatalf("msgs = %+v, want single error terminal", msgs)
	}
	if len(msgs[0].StructuredOutput) != 0 {
		t.Error("error terminal must not gain structured_output")
	}
}
