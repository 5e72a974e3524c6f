package llm

import (
	"context"
	"errors"

	"github.com/planweave/planweave/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openaiProvider speaks the OpenAI chat completion API. A custom
// api_url makes it cover any OpenAI-compatible endpoint (Perplexity,
// local gateways, proxies).
type openaiProvider struct {
	client  *openai.Client
	profile config.LLMProfile
}

func newOpenAIProvider(profile config.LLMProfile) (*openaiProvider, error) {
	if profile.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(profile.APIKey)
	if profile.APIURL != "" {
		cfg.BaseURL = profile.APIURL
	}
	return &openaiProvider{
		client:  openai.NewClientWithConfig(cfg),
		profile: profile,
	}, nil
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.profile.Model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req),
	}
	if max := pickInt(req.MaxTokens, p.profile.MaxTokens); max > 0 {
		chatReq.MaxTokens = max
	}
	if temp := pickFloat(req.Temperature, p.profile.Temperature); temp > 0 {
		chatReq.Temperature = float32(temp)
	}
	if req.JSONOnly {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	return callWithRetry(ctx, p.profile.Timeout, func(ctx context.Context) (*Response, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			status := 0
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				status = apiErr.HTTPStatusCode
			}
			return nil, wrapError(p.Name(), model, status, err)
		}
		if len(resp.Choices) == 0 {
			return nil, &ProviderError{
				Reason:   ReasonServerError,
				Provider: p.Name(),
				Model:    model,
				Message:  "empty choices in completion response",
			}
		}
		return &Response{
			Text:  resp.Choices[0].Message.Content,
			Model: resp.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			},
		}, nil
	})
}

// convertMessages maps the transcript to OpenAI roles; the system
// prompt rides in the messages array.
func (p *openaiProvider) convertMessages(req *Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return messages
}

func pickInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func pickFloat(value, fallback float64) float64 {
	if value > 0 {
		return value
	}
	return fallback
}
