package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devhaven/conductor/internal/terminal"
)

// Compile-time interface check
var _ Provider = (*ClaudeProvider)(nil)

// ClaudeProvider wraps the Claude Code CLI. It is the only adapter with
// native structured-output support: a requested schema is passed straight
// through and surfaced as structured_output on the terminal result.
type ClaudeProvider struct {
	binary string
	logger *terminal.Logger
}

// NewClaudeProvider creates a ClaudeProvider.
func NewClaudeProvider(logger *terminal.Logger) *ClaudeProvider {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &ClaudeProvider{binary: "claude", logger: logger}
}

// Name returns the provider's identifier.
func (p *ClaudeProvider) Name() string { return "claude" }

// AvailableModels lists the models the Claude CLI can run.
func (p *ClaudeProvider) AvailableModels() []ModelDefinition {
	return []ModelDefinition{
		{ID: "claude-opus-4-5", Label: "Claude Opus 4.5", Default: true},
		{ID: "claude-sonnet-4-5", Label: "Claude Sonnet 4.5"},
		{ID: "claude-haiku-4-5", Label: "Claude Haiku 4.5"},
	}
}

// SupportsFeature reports the Claude CLI's capabilities.
func (p *ClaudeProvider) SupportsFeature(name string) bool {
	switch name {
	case FeatureStructuredOutput, FeatureSessionResume, FeatureMCP, FeatureThinking:
		return true
	default:
		return false
	}
}

// DetectInstallation probes the claude binary, its version, and credentials.
func (p *ClaudeProvider) DetectInstallation(ctx context.Context) Installation {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return Installation{Installed: false, Error: "claude CLI not found in PATH"}
	}

	inst := Installation{
		Installed: true,
		Path:      path,
		Method:    installMethodForPath(path),
		HasAPIKey: os.Getenv("ANTHROPIC_API_KEY") != "",
	}

	if out, err := exec.CommandContext(ctx, p.binary, "--version").Output(); err == nil {
		inst.Version = strings.TrimSpace(string(out))
	}

	inst.Authenticated = inst.HasAPIKey || claudeCredentialsExist()
	return inst
}

// claudeCredentialsExist checks for a stored login session.
func claudeCredentialsExist() bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, ".claude", ".credentials.json"))
	return err == nil
}

// installMethodForPath guesses how a CLI was installed from its path.
func installMethodForPath(path string) string {
	switch {
	case strings.Contains(path, "node_modules") || strings.Contains(path, ".npm"):
		return "npm"
	case strings.Contains(path, "Cellar") || strings.Contains(path, "homebrew"):
		return "homebrew"
	default:
		return "binary"
	}
}

// claudeEvent is the stream-json tagged union emitted on stdout, one JSON
// object per line.
type claudeEvent struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype"`
	SessionID        string          `json:"session_id"`
	Result           string          `json:"result"`
	Error            string          `json:"error"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	Message          *struct {
		Role    string        `json:"role"`
		Content []claudeBlock `json:"content"`
	} `json:"message"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// ExecuteQuery spawns one claude process in stream-json mode and normalizes
// its output into the canonical message stream.
func (p *ClaudeProvider) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args, cleanup, err := p.buildArgs(opts)
	if err != nil {
		return nil, err
	}

	extraEnv := []string(nil)
	if opts.APIKey != "" {
		extraEnv = append(extraEnv, "ANTHROPIC_API_KEY="+opts.APIKey)
	}

	proc, err := startSubprocess(ctx, p.Name(), p.binary, args, opts.WorkDir, extraEnv, strings.NewReader(opts.PromptText()))
	if err != nil {
		cleanup()
		return nil, err
	}

	stream, em := newStream()
	go func() {
		defer cleanup()
		p.pump(ctx, proc, em)
	}()
	return stream, nil
}

// buildArgs constructs the CLI invocation. The returned cleanup removes any
// temp files (schema, MCP config) and must run on every exit path.
func (p *ClaudeProvider) buildArgs(opts ExecuteOptions) (args []string, cleanup func(), err error) {
	args = []string{"--print", "--verbose", "--output-format", "stream-json", "--model", opts.Model}
	var tempFiles []string
	cleanup = func() {
		for _, f := range tempFiles {
			_ = os.Remove(f)
		}
	}

	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	if opts.OutputSchema != nil {
		path, werr := writeTempJSON(opts.WorkDir, "schema-*.json", opts.OutputSchema)
		if werr != nil {
			cleanup()
			return nil, nil, fmt.Errorf("write schema file: %w", werr)
		}
		tempFiles = append(tempFiles, path)
		args = append(args, "--json-schema", path)
	}

	if len(opts.MCPServers) > 0 {
		path, werr := writeTempJSON(opts.WorkDir, "mcp-*.json", map[string]any{"mcpServers": opts.MCPServers})
		if werr != nil {
			cleanup()
			return nil, nil, fmt.Errorf("write mcp config: %w", werr)
		}
		tempFiles = append(tempFiles, path)
		args = append(args, "--mcp-config", path)
	}

	args = append(args, "-")
	return args, cleanup, nil
}

// pump reads stream-json lines, maps them to canonical messages, and ends
// the stream from the process exit state.
func (p *ClaudeProvider) pump(ctx context.Context, proc *subprocess, em *emitter) {
	sawTerminal := false

	sc := proc.scanner()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev claudeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Malformed lines are not fatal; keep the raw text.
			p.logger.Logf(terminal.StyleWarning, "claude: skipping malformed output line: %v", err)
			em.text(line)
			continue
		}
		em.setSession(ev.SessionID)

		switch ev.Type {
		case "system":
			// init/bookkeeping events carry no content
		case "assistant":
			p.emitBody(em, ev, "assistant")
		case "user":
			p.emitBody(em, ev, "user")
		case "result":
			msg := Message{
				Type:             MessageResult,
				Subtype:          SubtypeSuccess,
				SessionID:        em.session(),
				Result:           ev.Result,
				StructuredOutput: ev.StructuredOutput,
			}
			if ev.Subtype == "error" || ev.Error != "" {
				msg = ErrorMessage(em.session(), ev.Error)
			}
			em.send(msg)
			sawTerminal = true
		case "error":
			em.send(ErrorMessage(em.session(), ev.Error))
			sawTerminal = true
		default:
			// Unknown event types are skipped, not fatal.
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		p.logger.Logf(terminal.StyleWarning, "claude: output scan ended early: %v", err)
	}

	exitCode := proc.wait()
	finishFromExit(ctx, em, p.Name(), exitCode, proc.stderrText(), sawTerminal, "")
}

// emitBody maps one assistant/user event body onto the stream. Text blocks
// go through the coalescer; tool and thinking blocks flush it.
func (p *ClaudeProvider) emitBody(em *emitter, ev claudeEvent, role string) {
	if ev.Message == nil {
		return
	}
	for _, b := range ev.Message.Content {
		switch b.Type {
		case "text":
			em.text(b.Text)
		case "thinking":
			em.send(Message{
				Type:      MessageAssistant,
				SessionID: em.session(),
				Body: &MessageBody{
					Role:    role,
					Content: []ContentBlock{{Type: BlockThinking, Text: b.Thinking}},
				},
			})
		case "tool_use":
			em.send(Message{
				Type:      MessageAssistant,
				SessionID: em.session(),
				Body: &MessageBody{
					Role:    role,
					Content: []ContentBlock{{Type: BlockToolUse, Name: b.Name, Input: b.Input, ToolUseID: b.ID}},
				},
			})
		case "tool_result":
			em.send(Message{
				Type:      MessageUser,
				SessionID: em.session(),
				Body: &MessageBody{
					Role:    "user",
					Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: b.ToolUseID, Content: rawToString(b.Content)}},
				},
			})
		}
	}
}

// rawToString renders a tool_result body, which may be a JSON string or a
// structured value, as display text.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// writeTempJSON marshals v to a temp file in dir and returns its path.
func writeTempJSON(dir, pattern string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
