package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/devhaven/conductor/internal/terminal"
)

// Credentials maps a provider name to its API key. Keys are injected per
// call, never stored on the adapter.
type Credentials map[string]string

// Registry resolves model strings to adapters and injects credentials.
// It is an explicit instance owned by the top-level service, not a
// package-global, so tests construct isolated registries.
type Registry struct {
	providers map[string]Provider
	creds     Credentials
}

// NewRegistry creates a registry with all built-in providers registered.
func NewRegistry(logger *terminal.Logger, creds Credentials) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		creds:     creds,
	}
	r.Register(NewClaudeProvider(logger))
	r.Register(NewCursorProvider(logger))
	r.Register(NewOpenCodeProvider(logger))
	r.Register(NewCodexProvider())
	return r
}

// Register adds a provider. Later registrations with the same name replace
// earlier ones, which lets tests swap in fakes.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q, supported: %s", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderNameForModel maps a model string to the provider that runs it.
func ProviderNameForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "cursor/"):
		return "cursor"
	case strings.HasPrefix(model, "opencode/"):
		return "opencode"
	case strings.HasPrefix(model, "gpt-") || strings.Contains(model, "codex"):
		return "codex"
	default:
		// Claude models carry no scheme prefix.
		return "claude"
	}
}

// ProviderForModel resolves a model string to its adapter.
func (r *Registry) ProviderForModel(model string) (Provider, error) {
	return r.Get(ProviderNameForModel(model))
}

// CredentialFor returns the configured API key for a provider, or "".
func (r *Registry) CredentialFor(providerName string) string {
	return r.creds[providerName]
}

// ExecuteQuery resolves the adapter for opts.Model, injects the provider's
// credential, and runs the query.
func (r *Registry) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (*Stream, error) {
	p, err := r.ProviderForModel(opts.Model)
	if err != nil {
		return nil, err
	}
	if opts.APIKey == "" {
		opts.APIKey = r.CredentialFor(p.Name())
	}
	return p.ExecuteQuery(ctx, opts)
}
