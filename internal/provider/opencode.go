package provider

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/devhaven/conductor/internal/terminal"
)

// Compile-time interface check
var _ Provider = (*OpenCodeProvider)(nil)

// OpenCodeProvider wraps the OpenCode CLI. OpenCode emits NDJSON events
// without a dedicated result event, so the terminal result is synthesized
// from the accumulated assistant text when the process exits cleanly.
type OpenCodeProvider struct {
	binary string
	logger *terminal.Logger
}

// NewOpenCodeProvider creates an OpenCodeProvider.
func NewOpenCodeProvider(logger *terminal.Logger) *OpenCodeProvider {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &OpenCodeProvider{binary: "opencode", logger: logger}
}

// Name returns the provider's identifier.
func (p *OpenCodeProvider) Name() string { return "opencode" }

// AvailableModels lists the models the OpenCode CLI can run.
func (p *OpenCodeProvider) AvailableModels() []ModelDefinition {
	return []ModelDefinition{
		{ID: "opencode/big-pickle", Label: "Big Pickle", Default: true},
		{ID: "opencode/grok-code", Label: "Grok Code (via OpenCode)"},
		{ID: "opencode/kimi-k2", Label: "Kimi K2 (via OpenCode)"},
	}
}

// SupportsFeature reports the OpenCode CLI's capabilities.
func (p *OpenCodeProvider) SupportsFeature(name string) bool {
	switch name {
	case FeatureSessionResume, FeatureMCP:
		return true
	default:
		return false
	}
}

// DetectInstallation probes the opencode binary and login state.
func (p *OpenCodeProvider) DetectInstallation(ctx context.Context) Installation {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return Installation{Installed: false, Error: "opencode CLI not found in PATH"}
	}

	inst := Installation{
		Installed: true,
		Path:      path,
		Method:    installMethodForPath(path),
		HasAPIKey: os.Getenv("OPENCODE_API_KEY") != "",
	}
	if out, err := exec.CommandContext(ctx, p.binary, "--version").Output(); err == nil {
		inst.Version = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, p.binary, "auth", "list").Output(); err == nil {
		inst.Authenticated = strings.TrimSpace(string(out)) != ""
	}
	inst.Authenticated = inst.Authenticated || inst.HasAPIKey
	return inst
}

// opencodeEvent is the NDJSON tagged union on stdout.
type opencodeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
	Error     string `json:"error"`
	Part      *struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Tool      string          `json:"tool"`
		CallID    string          `json:"callID"`
		Input     json.RawMessage `json:"input"`
		Output    json.RawMessage `json:"output"`
		SessionID string          `json:"sessionID"`
	} `json:"part"`
}

// ExecuteQuery spawns one opencode process and normalizes its NDJSON output
// into the canonical stream.
func (p *OpenCodeProvider) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args := []string{"run", "--print-logs", "--format", "json", "--model", strings.TrimPrefix(opts.Model, "opencode/")}
	if opts.SessionID != "" {
		args = append(args, "--session", opts.SessionID)
	}

	extraEnv := []string(nil)
	if opts.APIKey != "" {
		extraEnv = append(extraEnv, "OPENCODE_API_KEY="+opts.APIKey)
	}

	proc, err := startSubprocess(ctx, p.Name(), p.binary, args, opts.WorkDir, extraEnv, strings.NewReader(opts.PromptText()))
	if err != nil {
		return nil, err
	}

	stream, em := newStream()
	go p.pump(ctx, proc, em)
	return stream, nil
}

// pump reads NDJSON lines, accumulating assistant text to synthesize the
// terminal result since opencode has no explicit result event.
func (p *OpenCodeProvider) pump(ctx context.Context, proc *subprocess, em *emitter) {
	sawTerminal := false
	var fullText strings.Builder

	sc := proc.scanner()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev opencodeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			p.logger.Logf(terminal.StyleWarning, "opencode: skipping malformed output line: %v", err)
			em.text(line)
			fullText.WriteString(line)
			continue
		}
		em.setSession(ev.SessionID)
		if ev.Part != nil {
			em.setSession(ev.Part.SessionID)
		}

		switch ev.Type {
		case "text":
			em.text(ev.Text)
			fullText.WriteString(ev.Text)
		case "part":
			if ev.Part == nil {
				continue
			}
			switch ev.Part.Type {
			case "text":
				em.text(ev.Part.Text)
				fullText.WriteString(ev.Part.Text)
			case "reasoning":
				em.send(Message{
					Type:      MessageAssistant,
					SessionID: em.session(),
					Body: &MessageBody{
						Role:    "assistant",
						Content: []ContentBlock{{Type: BlockReasoning, Text: ev.Part.Text}},
					},
				})
			case "tool":
				if len(ev.Part.Output) > 0 {
					em.send(Message{
						Type:      MessageUser,
						SessionID: em.session(),
						Body: &MessageBody{
							Role:    "user",
							Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: ev.Part.CallID, Content: rawToString(ev.Part.Output)}},
						},
					})
				} else {
					em.send(Message{
						Type:      MessageAssistant,
						SessionID: em.session(),
						Body: &MessageBody{
							Role:    "assistant",
							Content: []ContentBlock{{Type: BlockToolUse, Name: ev.Part.Tool, Input: ev.Part.Input, ToolUseID: ev.Part.CallID}},
						},
					})
				}
			}
		case "step_finish":
			// Step boundaries end an utterance but carry no content.
			em.flushText()
		case "error":
			em.send(ErrorMessage(em.session(), ev.Error))
			sawTerminal = true
		default:
			// Unknown event types are skipped, not fatal.
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		p.logger.Logf(terminal.StyleWarning, "opencode: output scan ended early: %v", err)
	}

	exitCode := proc.wait()
	finishFromExit(ctx, em, p.Name(), exitCode, proc.stderrText(), sawTerminal, fullText.String())
}
