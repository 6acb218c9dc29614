// Package query is the provider-agnostic entry point for running one model
// query: it resolves a use-case or model string to a concrete model with
// provider-availability fallback, selects the adapter through the registry,
// and adds structured-output support on top of providers that lack it
// natively by rewriting the prompt and parsing JSON out of the free-text
// response afterward.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/devhaven/conductor/internal/provider"
	"github.com/devhaven/conductor/internal/terminal"
)

// Options extends the adapter contract with a use-case model key. When
// UseCase is set it is resolved through the service's ModelResolver;
// otherwise ExecuteOptions.Model is used as given (still subject to
// provider-availability fallback).
type Options struct {
	provider.ExecuteOptions

	UseCase string
}

// ModelResolver maps use-case keys to models and substitutes models whose
// provider is disabled. A nil Enabled map means every provider is enabled.
type ModelResolver struct {
	UseCaseModels map[string]string   // use case -> configured model
	Equivalents   map[string][]string // model -> equivalent models on other providers
	Defaults      map[string]string   // provider name -> default model
	Enabled       map[string]bool     // provider name -> enabled
}

// Resolve applies the fallback chain: use-case lookup, then, if the model's
// provider is disabled, an equivalent model from an enabled provider, then
// any enabled provider's default. When no substitute exists the original
// model is returned unchanged and the caller's query fails with the
// provider's own error.
func (r *ModelResolver) Resolve(nameOrModel string) string {
	model := nameOrModel
	if r == nil {
		return model
	}
	if mapped, ok := r.UseCaseModels[nameOrModel]; ok && mapped != "" {
		model = mapped
	}
	if r.enabled(provider.ProviderNameForModel(model)) {
		return model
	}

	for _, equiv := range r.Equivalents[model] {
		if r.enabled(provider.ProviderNameForModel(equiv)) {
			return equiv
		}
	}

	names := make([]string, 0, len(r.Defaults))
	for name := range r.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if r.enabled(name) && r.Defaults[name] != "" {
			return r.Defaults[name]
		}
	}
	return model
}

func (r *ModelResolver) enabled(providerName string) bool {
	if r.Enabled == nil {
		return true
	}
	return r.Enabled[providerName]
}

// Service runs provider queries with model resolution and structured-output
// emulation.
type Service struct {
	registry *provider.Registry
	resolver *ModelResolver
	logger   *terminal.Logger
}

// NewService creates a query service. resolver may be nil, in which case
// model strings are used verbatim.
func NewService(registry *provider.Registry, resolver *ModelResolver, logger *terminal.Logger) *Service {
	if logger == nil {
		logger = terminal.NewLogger()
	}
	return &Service{registry: registry, resolver: resolver, logger: logger}
}

// Execute resolves the model, selects the adapter, and runs the query.
//
// When a structured-output schema is requested against a provider without
// native support, the prompt is rewritten to describe the schema and demand
// JSON-only output, the schema is withheld from the adapter, and the
// returned stream is a transformer over the adapter's stream: every message
// is forwarded unchanged while assistant text accumulates, and the terminal
// result is rewritten to carry structured_output when the accumulated text
// yields schema-valid JSON. The terminal-message invariant is preserved
// either way.
func (s *Service) Execute(ctx context.Context, opts Options) (*provider.Stream, error) {
	name := opts.UseCase
	if name == "" {
		name = opts.Model
	}
	execOpts := opts.ExecuteOptions
	execOpts.Model = s.resolver.Resolve(name)
	if execOpts.Model != opts.Model && opts.Model != "" {
		s.logger.Logf(terminal.StyleDim, "model %s resolved to %s", opts.Model, execOpts.Model)
	}

	p, err := s.registry.ProviderForModel(execOpts.Model)
	if err != nil {
		return nil, err
	}

	schema := execOpts.OutputSchema
	emulate := schema != nil && !p.SupportsFeature(provider.FeatureStructuredOutput)
	if emulate {
		execOpts.Prompt = rewritePromptForSchema(execOpts.PromptText(), schema)
		execOpts.PromptBlocks = nil
		execOpts.OutputSchema = nil
	}

	inner, err := s.registry.ExecuteQuery(ctx, execOpts)
	if err != nil {
		return nil, err
	}
	if !emulate {
		return inner, nil
	}

	ch := make(chan provider.Message, 64)
	go forwardWithStructuredOutput(ctx, inner, ch, schema)
	return provider.StreamFromChannel(ch), nil
}

// forwardWithStructuredOutput is the stream fold: it re-emits every message
// while accumulating assistant text, then finalizes the terminal result with
// parsed structured output when possible.
func forwardWithStructuredOutput(ctx context.Context, inner *provider.Stream, out chan<- provider.Message, schema Schema) {
	defer close(out)

	var fullText strings.Builder
	for {
		m, ok := inner.Next(ctx)
		if !ok {
			return
		}
		if m.Type == provider.MessageAssistant {
			fullText.WriteString(m.TextContent())
		}
		if m.Type == provider.MessageResult && len(m.StructuredOutput) == 0 {
			text := fullText.String()
			if m.Result != "" {
				// Some backends put the full response only on the terminal.
				text = text + "\n" + m.Result
			}
			if raw, ok := FinalizeStructuredOutput(text, schema); ok {
				m.StructuredOutput = raw
			}
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}

// FinalizeStructuredOutput extracts the first JSON value from accumulated
// response text and validates it against the schema. It is a pure function
// so the structured-output contract is testable apart from streaming.
func FinalizeStructuredOutput(text string, schema Schema) (json.RawMessage, bool) {
	raw, err := ExtractJSON(StripCodeFences(text))
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	if schema != nil {
		if err := ValidateSchema(v, schema); err != nil {
			return nil, false
		}
	}
	return json.RawMessage(raw), true
}

// rewritePromptForSchema appends a schema description and a JSON-only
// instruction for providers that cannot enforce a schema natively.
func rewritePromptForSchema(prompt string, schema Schema) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRespond with ONLY JSON (no prose, no markdown fences) matching this structure:\n")
	if desc := DescribeSchema(schema); desc != "" {
		b.WriteString(desc)
		b.WriteByte('\n')
	} else if data, err := json.Marshal(schema); err == nil {
		fmt.Fprintf(&b, "%s\n", data)
	}
	return b.String()
}
