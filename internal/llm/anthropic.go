package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/planweave/planweave/internal/config"
)

const anthropicDefaultMaxTokens = 4096

// anthropicProvider speaks the Anthropic Messages API. The API has no
// JSON response-format switch, so JSONOnly requests rely on the prompt
// and downstream validation.
type anthropicProvider struct {
	client  anthropic.Client
	profile config.LLMProfile
}

func newAnthropicProvider(profile config.LLMProfile) (*anthropicProvider, error) {
	if profile.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if strings.TrimSpace(profile.APIURL) != "" {
		options = append(options, option.WithBaseURL(profile.APIURL))
	}
	return &anthropicProvider{
		client:  anthropic.NewClient(options...),
		profile: profile,
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.profile.Model
	}
	maxTokens := pickInt(req.MaxTokens, p.profile.MaxTokens)
	if maxTokens <= 0 {
		// The Messages API requires an explicit max_tokens.
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if temp := pickFloat(req.Temperature, p.profile.Temperature); temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}

	return callWithRetry(ctx, p.profile.Timeout, func(ctx context.Context) (*Response, error) {
		message, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, wrapError(p.Name(), model, anthropicStatus(err), err)
		}
		var text strings.Builder
		for _, block := range message.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &Response{
			Text:  text.String(),
			Model: string(message.Model),
			Usage: Usage{
				PromptTokens:     int(message.Usage.InputTokens),
				CompletionTokens: int(message.Usage.OutputTokens),
			},
		}, nil
	})
}

// convertMessages maps transcript roles; the system prompt travels in
// params.System, and any stray system message folds into the user side.
func (p *anthropicProvider) convertMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(block))
		} else {
			result = append(result, anthropic.NewUserMessage(block))
		}
	}
	return result
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
