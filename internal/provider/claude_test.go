package provider

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
)

func TestClaudeExecuteQueryValidatesBeforeSpawn(t *testing.T) {
	p := NewClaudeProvider(nil)

	tests := []struct {
		name    string
		opts    ExecuteOptions
		wantErr error
	}{
		{"missing model", ExecuteOptions{Prompt: "hi", WorkDir: t.TempDir()}, ErrModelRequired},
		{"missing workdir", ExecuteOptions{Prompt: "hi", Model: "claude-opus-4-5"}, ErrWorkDirRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ExecuteQuery(context.Background(), tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ExecuteQuery() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClaudeBuildArgs(t *testing.T) {
	p := NewClaudeProvider(nil)

	t.Run("base invocation", func(t *testing.T) {
		args, cleanup, err := p.buildArgs(ExecuteOptions{Prompt: "hi", Model: "claude-opus-4-5", WorkDir: t.TempDir()})
		if err != nil {
			t.Fatalf("buildArgs: %v", err)
		}
		defer cleanup()

		want := []string{"--print", "--verbose", "--output-format", "stream-json", "--model", "claude-opus-4-5", "-"}
		if !slices.Equal(args, want) {
			t.Errorf("args = %v, want %v", args, want)
		}
	})

	t.Run("resume and limits", func(t *testing.T) {
		args, cleanup, err := p.buildArgs(ExecuteOptions{
			Prompt:       "hi",
			Model:        "claude-opus-4-5",
			WorkDir:      t.TempDir(),
			SessionID:    "sess-42",
			MaxTurns:     7,
			AllowedTools: []string{"Read", "Bash"},
			SystemPrompt: "be terse",
		})
		if err != nil {
			t.Fatalf("buildArgs: %v", err)
		}
		defer cleanup()

		joined := strings.Join(args, " ")
		for _, frag := range []string{"--resume sess-42", "--max-turns 7", "--allowed-tools Read,Bash", "--append-system-prompt be terse"} {
			if !strings.Contains(joined, frag) {
				t.Errorf("args missing %q: %v", frag, args)
			}
		}
	})

	t.Run("schema writes temp file and cleanup removes it", func(t *testing.T) {
		dir := t.TempDir()
		args, cleanup, err := p.buildArgs(ExecuteOptions{
			Prompt:       "hi",
			Model:        "claude-opus-4-5",
			WorkDir:      dir,
			OutputSchema: map[string]any{"type": "object"},
		})
		if err != nil {
			t.Fatalf("buildArgs: %v", err)
		}

		idx := slices.Index(args, "--json-schema")
		if idx < 0 || idx+1 >= len(args) {
			t.Fatalf("no --json-schema flag in %v", args)
		}
		schemaPath := args[idx+1]
		if _, err := os.Stat(schemaPath); err != nil {
			t.Fatalf("schema file not written: %v", err)
		}
		cleanup()
		if _, err := os.Stat(schemaPath); !os.IsNotExist(err) {
			t.Errorf("cleanup left schema file behind: %v", err)
		}
	})
}

func TestClaudePumpMapsEvents(t *testing.T) {
	p := NewClaudeProvider(nil)
	stream, em := newStream()

	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s-1"}`,
		`{"type":"assistant","session_id":"s-1","message":{"role":"assistant","content":[{"type":"text","text":"Looking at "},{"type":"text","text":"the code."}]}}`,
		`{"type":"assistant","session_id":"s-1","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"main.go"}}]}}`,
		`{"type":"user","session_id":"s-1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"package main"}]}}`,
		`{"type":"result","subtype":"success","session_id":"s-1","result":"done"}`,
	}
	for _, line := range lines {
		var ev claudeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("test fixture line invalid: %v", err)
		}
		em.setSession(ev.SessionID)
		switch ev.Type {
		case "assistant":
			p.emitBody(em, ev, "assistant")
		case "user":
			p.emitBody(em, ev, "user")
		case "result":
			em.send(Message{Type: MessageResult, Subtype: SubtypeSuccess, SessionID: em.session(), Result: ev.Result})
		}
	}
	em.close()

	msgs := stream.Collect(context.Background())
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(msgs), msgs)
	}
	if got := msgs[0].TextContent(); got != "Looking at the code." {
		t.Errorf("coalesced text = %q", got)
	}
	if msgs[1].Body.Content[0].Name != "Read" {
		t.Errorf("tool_use name = %q", msgs[1].Body.Content[0].Name)
	}
	if msgs[2].Body.Content[0].Content != "package main" {
		t.Errorf("tool_result content = %q", msgs[2].Body.Content[0].Content)
	}
	if msgs[3].SessionID != "s-1" {
		t.Errorf("session id = %q", msgs[3].SessionID)
	}
}

func TestRawToString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"json string", `"hello"`, "hello"},
		{"structured value", `{"ok":true}`, `{"ok":true}`},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rawToString([]byte(tt.raw)); got != tt.want {
				t.Errorf("rawToString(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
