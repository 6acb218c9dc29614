package provider

import "errors"

// PromptBlock is one element of a multimodal prompt.
type PromptBlock struct {
	// Type is "text" or "image".
	Type string
	// Text holds the text for text blocks.
	Text string
	// ImageURL holds a URL or data URI for image blocks.
	ImageURL string
}

// ThinkingConfig requests extended-reasoning behavior from providers that
// support it.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// MCPServer describes a Model Context Protocol server passed through to
// backends that accept one.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// HistoryEntry is one prior conversation turn supplied to a query.
type HistoryEntry struct {
	Role    string
	Content string
}

// ExecuteOptions is the input contract to every adapter's ExecuteQuery.
// It is constructed once per query call and never mutated during the call.
type ExecuteOptions struct {
	// Prompt is the user prompt. PromptBlocks takes precedence when set.
	Prompt       string
	PromptBlocks []PromptBlock

	// Model and WorkDir are required for every call.
	Model   string
	WorkDir string

	SystemPrompt string
	MaxTurns     int
	AllowedTools []string
	History      []HistoryEntry

	// OutputSchema requests structured output. Adapters with native support
	// pass it through; otherwise the query utility handles it by prompt
	// rewriting and post-hoc extraction.
	OutputSchema map[string]any

	// SessionID resumes a prior backend session when the adapter supports it.
	SessionID string

	// APIKey is the provider-scoped credential injected per call.
	APIKey string

	SandboxMode string
	MCPServers  map[string]MCPServer
	Thinking    *ThinkingConfig
}

// PromptText returns the flattened text of the prompt, joining text blocks
// when PromptBlocks is set.
func (o *ExecuteOptions) PromptText() string {
	if len(o.PromptBlocks) == 0 {
		return o.Prompt
	}
	var out string
	for _, b := range o.PromptBlocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ErrModelRequired and ErrWorkDirRequired are returned by Validate before
// any process is spawned or request issued.
var (
	ErrModelRequired   = errors.New("model is required")
	ErrWorkDirRequired = errors.New("working directory is required")
)

// Validate fails fast on missing required fields.
func (o *ExecuteOptions) Validate() error {
	if o.Model == "" {
		return ErrModelRequired
	}
	if o.WorkDir == "" {
		return ErrWorkDirRequired
	}
	return nil
}
