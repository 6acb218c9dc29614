package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/devhaven/conductor/internal/terminal"
)

// Compile-time interface check
var _ Provider = (*CursorProvider)(nil)

// CursorProvider wraps the Cursor agent CLI. The binary is discovered via
// PATH with a platform-specific fallback list, and each query gets a
// temporary merged config directory (project config layered with the
// allowed-tool overrides) handed to the CLI through an environment
// variable and removed on every exit path.
type CursorProvider struct {
	logger *terminal.Logger

	// binaryOverride forces a binary path, used by tests.
	binaryOverride string
}

// NewCursorProvider creates a CursorProvider.
func NewCursorProvider(logger *terminal.Logger) *CursorProvider {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &CursorProvider{logger: logger}
}

// Name returns the provider's identifier.
func (p *CursorProvider) Name() string { return "cursor" }

// AvailableModels lists the models the Cursor CLI can run.
func (p *CursorProvider) AvailableModels() []ModelDefinition {
	return []ModelDefinition{
		{ID: "cursor/composer-1", Label: "Composer", Default: true},
		{ID: "cursor/gpt-5.2", Label: "GPT-5.2 (via Cursor)"},
		{ID: "cursor/sonnet-4.5", Label: "Sonnet 4.5 (via Cursor)"},
	}
}

// SupportsFeature reports the Cursor CLI's capabilities.
func (p *CursorProvider) SupportsFeature(name string) bool {
	switch name {
	case FeatureSessionResume:
		return true
	default:
		return false
	}
}

// cursorFallbackPaths lists install locations checked when the binary is
// not on PATH.
func cursorFallbackPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	paths := []string{
		filepath.Join(home, ".local", "bin", "cursor-agent"),
		filepath.Join(home, ".cursor", "bin", "cursor-agent"),
	}
	if runtime.GOOS == "darwin" {
		paths = append(paths, "/opt/homebrew/bin/cursor-agent", "/usr/local/bin/cursor-agent")
	} else {
		paths = append(paths, "/usr/local/bin/cursor-agent")
	}
	return paths
}

// findBinary resolves the cursor-agent binary: PATH first, then the
// platform fallback list.
func (p *CursorProvider) findBinary() (string, error) {
	if p.binaryOverride != "" {
		return p.binaryOverride, nil
	}
	if path, err := exec.LookPath("cursor-agent"); err == nil {
		return path, nil
	}
	for _, candidate := range cursorFallbackPaths() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", NewError(KindSpawn, p.Name(), "cursor-agent not found in PATH or known install locations", nil)
}

// DetectInstallation probes the cursor-agent binary and login state.
func (p *CursorProvider) DetectInstallation(ctx context.Context) Installation {
	path, err := p.findBinary()
	if err != nil {
		return Installation{Installed: false, Error: "cursor-agent not found"}
	}

	inst := Installation{
		Installed: true,
		Path:      path,
		Method:    installMethodForPath(path),
		HasAPIKey: os.Getenv("CURSOR_API_KEY") != "",
	}
	if out, err := exec.CommandContext(ctx, path, "--version").Output(); err == nil {
		inst.Version = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, path, "status").Output(); err == nil {
		inst.Authenticated = strings.Contains(strings.ToLower(string(out)), "logged in")
	}
	inst.Authenticated = inst.Authenticated || inst.HasAPIKey
	return inst
}

// cursorEvent is the newline-delimited JSON union on stdout.
type cursorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Error     string `json:"error"`
	Message   *struct {
		Role    string        `json:"role"`
		Content []claudeBlock `json:"content"`
	} `json:"message"`
	ToolCall *struct {
		ID     string          `json:"id"`
		Name   string          `json:"name"`
		Input  json.RawMessage `json:"input"`
		Output json.RawMessage `json:"output"`
	} `json:"tool_call"`
	Result string `json:"result"`
}

// ExecuteQuery spawns one cursor-agent process and normalizes its NDJSON
// output into the canonical stream.
func (p *CursorProvider) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	binary, err := p.findBinary()
	if err != nil {
		return nil, err
	}

	configDir, err := p.prepareConfigDir(opts)
	if err != nil {
		return nil, err
	}
	// The config dir must disappear on every exit path, including spawn
	// failure below and whatever way the pump goroutine ends.
	cleanup := func() { _ = os.RemoveAll(configDir) }

	args := []string{"--print", "--output-format", "stream-json", "--model", strings.TrimPrefix(opts.Model, "cursor/")}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	extraEnv := []string{"CURSOR_CONFIG_DIR=" + configDir}
	if opts.APIKey != "" {
		extraEnv = append(extraEnv, "CURSOR_API_KEY="+opts.APIKey)
	}

	proc, err := startSubprocess(ctx, p.Name(), binary, args, opts.WorkDir, extraEnv, strings.NewReader(opts.PromptText()))
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

// prepareConfigDir builds a temporary config directory whose cli-config.json
// is the project's config (when present) overlaid with the query's
// allowed-tool list.
func (p *CursorProvider) prepareConfigDir(opts ExecuteOptions) (string, error) {
	dir, err := os.MkdirTemp("", "cursor-config-*")
	if err != nil {
		return "", fmt.Errorf("create cursor config dir: %w", err)
	}

	merged := map[string]any{}
	projectConfig := filepath.Join(opts.WorkDir, ".cursor", "cli-config.json")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if err := json.Unmarshal(data, &merged); err != nil {
			p.logger.Logf(terminal.StyleWarning, "cursor: ignoring unparseable project config %s: %v", projectConfig, err)
			merged = map[string]any{}
		}
	}
	if len(opts.AllowedTools) > 0 {
		perms, _ := merged["permissions"].(map[string]any)
		if perms == nil {
			perms = map[string]any{}
		}
		perms["allow"] = opts.AllowedTools
		merged["permissions"] = perms
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("marshal cursor config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cli-config.json"), data, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write cursor config: %w", err)
	}
	return dir, nil
}

// pump reads NDJSON lines and maps them to canonical messages.
func (p *CursorProvider) pump(ctx context.Context, proc *subprocess, em *emitter) {
	sawTerminal := false

	sc := proc.scanner()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev cursorEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			p.logger.Logf(terminal.StyleWarning, "cursor: skipping malformed output line: %v", err)
			em.text(line)
			continue
		}
		em.setSession(ev.SessionID)

		switch ev.Type {
		case "system":
		case "text", "assistant":
			if ev.Message != nil {
				for _, b := range ev.Message.Content {
					if b.Type == "text" {
						em.text(b.Text)
					}
				}
			} else {
				em.text(ev.Text)
			}
		case "thinking":
			em.send(Message{
				Type:      MessageAssistant,
				SessionID: em.session(),
				Body: &MessageBody{
					Role:    "assistant",
					Content: []ContentBlock{{Type: BlockThinking, Text: ev.Text}},
				},
			})
		case "tool_call":
			if ev.ToolCall == nil {
				continue
			}
			if len(ev.ToolCall.Output) > 0 {
				em.send(Message{
					Type:      MessageUser,
					SessionID: em.session(),
					Body: &MessageBody{
						Role:    "user",
						Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: ev.ToolCall.ID, Content: rawToString(ev.ToolCall.Output)}},
					},
				})
			} else {
				em.send(Message{
					Type:      MessageAssistant,
					SessionID: em.session(),
					Body: &MessageBody{
						Role:    "assistant",
						Content: []ContentBlock{{Type: BlockToolUse, Name: ev.ToolCall.Name, Input: ev.ToolCall.Input, ToolUseID: ev.ToolCall.ID}},
					},
				})
			}
		case "result":
			em.send(ResultMessage(em.session(), ev.Result))
			sawTerminal = true
		case "error":
			em.send(ErrorMessage(em.session(), ev.Error))
			sawTerminal = true
		default:
			// Unknown event types are skipped, not fatal.
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		p.logger.Logf(terminal.StyleWarning, "cursor: output scan ended early: %v", err)
	}

	exitCode := proc.wait()
	finishFromExit(ctx, em, p.Name(), exitCode, proc.stderrText(), sawTerminal, "")
}
