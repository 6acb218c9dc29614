package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/responses"
	"github.com/openai/openai-go/v2/shared"
)

// Compile-time interface check
var _ Provider = (*CodexProvider)(nil)

// CodexProvider is the SDK-backed adapter. Instead of spawning a CLI it
// issues exactly one non-streaming Responses API request per query and
// synthesizes the canonical stream post-hoc: one assistant text message,
// then one terminal result. Conversation continuity uses the response id
// as the session token via previous_response_id.
type CodexProvider struct{}

// NewCodexProvider creates a CodexProvider.
func NewCodexProvider() *CodexProvider {
	return &CodexProvider{}
}

// Name returns the provider's identifier.
func (p *CodexProvider) Name() string { return "codex" }

// AvailableModels lists the models reachable through the SDK.
func (p *CodexProvider) AvailableModels() []ModelDefinition {
	return []ModelDefinition{
		{ID: "gpt-5.2-codex", Label: "GPT-5.2 Codex", Default: true},
		{ID: "gpt-5.2", Label: "GPT-5.2"},
		{ID: "gpt-5.1-codex-mini", Label: "GPT-5.1 Codex Mini"},
	}
}

// SupportsFeature reports the SDK adapter's capabilities.
func (p *CodexProvider) SupportsFeature(name string) bool {
	switch name {
	case FeatureStructuredOutput, FeatureSessionResume, FeatureImages:
		return true
	default:
		return false
	}
}

// DetectInstallation reports SDK availability. There is no binary to probe;
// only the credential matters.
func (p *CodexProvider) DetectInstallation(_ context.Context) Installation {
	hasKey := os.Getenv("OPENAI_API_KEY") != ""
	return Installation{
		Installed:     true,
		Method:        "sdk",
		HasAPIKey:     hasKey,
		Authenticated: hasKey,
	}
}

// ExecuteQuery issues one Responses API request and synthesizes the stream
// from the single response.
func (p *CodexProvider) ExecuteQuery(ctx context.Context, opts ExecuteOptions) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, NewError(KindAuth, p.Name(), "no OpenAI API key configured (set OPENAI_API_KEY or configure a credential)", nil)
	}

	params := p.buildParams(opts)
	client := openai.NewClient(option.WithAPIKey(apiKey))

	stream, em := newStream()
	go func() {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				em.finishError("query canceled")
				return
			}
			em.finishError(p.classify(err).Error())
			return
		}

		em.setSession(resp.ID)
		text := resp.OutputText()
		if text != "" {
			em.send(AssistantText(resp.ID, text))
		}

		result := Message{
			Type:      MessageResult,
			Subtype:   SubtypeSuccess,
			SessionID: resp.ID,
			Result:    text,
		}
		if opts.OutputSchema != nil && json.Valid([]byte(text)) {
			result.StructuredOutput = json.RawMessage(text)
		}
		em.finishResultMsg(result)
	}()
	return stream, nil
}

// buildParams maps ExecuteOptions onto a single structured request.
func (p *CodexProvider) buildParams(opts ExecuteOptions) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(opts.Model),
	}
	if opts.SystemPrompt != "" {
		params.Instructions = openai.String(opts.SystemPrompt)
	}
	if opts.SessionID != "" {
		params.PreviousResponseID = openai.String(opts.SessionID)
	}

	if len(opts.PromptBlocks) > 0 {
		var contents responses.ResponseInputMessageContentListParam
		for _, b := range opts.PromptBlocks {
			switch b.Type {
			case "text":
				contents = append(contents, responses.ResponseInputContentUnionParam{
					OfInputText: &responses.ResponseInputTextParam{Text: b.Text},
				})
			case "image":
				contents = append(contents, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						ImageURL: openai.String(b.ImageURL),
						Detail:   responses.ResponseInputImageDetailAuto,
					},
				})
			}
		}
		params.Input = responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemUnionParam{
					OfMessage: &responses.EasyInputMessageParam{
						Role:    responses.EasyInputMessageRoleUser,
						Content: responses.EasyInputMessageContentUnionParam{OfInputItemContentList: contents},
					},
				},
			},
		}
	} else {
		params.Input = responses.ResponseNewParamsInputUnion{OfString: openai.String(opts.Prompt)}
	}

	if opts.OutputSchema != nil {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   "structured_output",
					Schema: opts.OutputSchema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	return params
}

// classify maps SDK errors into the provider taxonomy, combining guidance
// with the backend's own message.
func (p *CodexProvider) classify(err error) *Error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return NewError(KindAuth, p.Name(), fmt.Sprintf("authentication failed (check your OpenAI API key): %s", apierr.Message), err)
		case 429:
			return NewError(KindRateLimit, p.Name(), fmt.Sprintf("rate limit or quota exceeded: %s", apierr.Message), err)
		default:
			return NewError(KindProtocol, p.Name(), fmt.Sprintf("request failed with status %d: %s", apierr.StatusCode, apierr.Message), err)
		}
	}
	return NewError(KindProtocol, p.Name(), "request failed", err)
}
