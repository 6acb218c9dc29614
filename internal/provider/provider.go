package provider

import "context"

// Feature names adapters may advertise through SupportsFeature.
const (
	FeatureStructuredOutput = "structured_output"
	FeatureSessionResume    = "session_resume"
	FeatureMCP              = "mcp"
	FeatureThinking         = "thinking"
	FeatureImages           = "images"
)

// Installation is the typed result of probing a backend. Probes never
// return an error for "not installed" — that state is data, not a failure.
type Installation struct {
	Installed     bool   `json:"installed"`
	Version       string `json:"version,omitempty"`
	Path          string `json:"path,omitempty"`
	Method        string `json:"method,omitempty"`
	HasAPIKey     bool   `json:"hasApiKey"`
	Authenticated bool   `json:"authenticated"`
	Error         string `json:"error,omitempty"`
}

// ModelDefinition describes one model a provider can run.
type ModelDefinition struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// Provider wraps one external AI backend behind the uniform query contract.
// Implementations include ClaudeProvider, CursorProvider, OpenCodeProvider,
// and CodexProvider.
type Provider interface {
	// Name returns the provider's identifier (e.g., "claude", "cursor").
	Name() string

	// ExecuteQuery runs one query against the backend and returns a lazy,
	// single-pass, cancellable message stream. The stream is not
	// restartable; issue a new call to retry. Canceling ctx terminates the
	// underlying process or request.
	ExecuteQuery(ctx context.Context, opts ExecuteOptions) (*Stream, error)

	// DetectInstallation probes whether the backend is installed,
	// its version, and whether it is authenticated.
	DetectInstallation(ctx context.Context) Installation

	// AvailableModels lists the models this provider can run.
	AvailableModels() []ModelDefinition

	// SupportsFeature reports whether the provider supports a named
	// capability such as structured_output or session_resume.
	SupportsFeature(name string) bool
}
