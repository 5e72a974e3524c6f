package llm

import (
	"context"
	"errors"
	"math"

	"google.golang.org/genai"

	"github.com/planweave/planweave/internal/config"
)

// googleProvider speaks the Gemini API through the google.golang.org/genai
// SDK. JSON mode maps onto ResponseMIMEType, which constrains decoding
// server-side rather than via prompt alone.
type googleProvider struct {
	client  *genai.Client
	profile config.LLMProfile
}

func newGoogleProvider(profile config.LLMProfile) (*googleProvider, error) {
	if profile.APIKey == "" {
		return nil, errors.New("google: api key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  profile.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &googleProvider{client: client, profile: profile}, nil
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.profile.Model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if maxTokens := pickInt(req.MaxTokens, p.profile.MaxTokens); maxTokens > 0 {
		cfg.MaxOutputTokens = int32(min(maxTokens, math.MaxInt32))
	}
	if temp := pickFloat(req.Temperature, p.profile.Temperature); temp > 0 {
		temp32 := float32(temp)
		cfg.Temperature = &temp32
	}
	if req.JSONOnly {
		cfg.ResponseMIMEType = "application/json"
	}

	contents := p.convertMessages(req.Messages)

	return callWithRetry(ctx, p.profile.Timeout, func(ctx context.Context) (*Response, error) {
		resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			return nil, wrapError(p.Name(), model, 0, err)
		}
		out := &Response{Text: resp.Text(), Model: model}
		if resp.UsageMetadata != nil {
			out.Usage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		return out, nil
	})
}

// convertMessages maps assistant turns to the model role; system turns are
// carried in SystemInstruction and skipped here.
func (p *googleProvider) convertMessages(messages []Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem || msg.Content == "" {
			continue
		}
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return result
}
