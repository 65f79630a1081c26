package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type GenerateRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
}

type GenerateResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is the narrow contract the portal has with generative-AI backends.
// Implementations are stateless request/response wrappers; failures are
// surfaced to the caller without retries.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	client := openai.NewClient(apiKey)
	return &OpenAIProvider{client: client}
}

const defaultSystemPrompt = "You are an assistant helping a candidate write the sections of their " +
	"VAE certification dossier. Write clear, structured French prose grounded in the candidate's " +
	"own answers. If the provided answers are insufficient, say so but draft to the best of your abilities."

func (l *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	systemPrompt := req.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("error creating chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("chat completion returned no choices")
	}

	return GenerateResult{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// NewProvider is a factory so that tests can swap in a stub implementation.
type NewProviderFunc func(provider, apiKey string) (Provider, error)

var NewProvider NewProviderFunc = func(provider, apiKey string) (Provider, error) {
	switch strings.ToLower(provider) {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("API key required for OpenAI")
		}
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
