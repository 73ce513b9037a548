package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// placeholderKey satisfies the client for local servers that ignore auth.
const placeholderKey = "local"

var errNoChoices = errors.New("response has no choices")

// OpenAICompatProvider serves every backend speaking the OpenAI chat
// completions protocol: OpenAI itself, Ollama and LM Studio.
type OpenAICompatProvider struct {
	client *openai.Client
	name   string
	model  string
	log    *slog.Logger
}

func NewOpenAICompatProvider(cfg ProviderConfig, logger *slog.Logger) (*OpenAICompatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("openai-compatible: base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := cfg.APIKey
	if key == "" {
		key = placeholderKey
	}
	clientCfg := openai.DefaultConfig(key)
	clientCfg.BaseURL = cfg.BaseURL

	name := cfg.Provider
	if name == "" {
		name = string(ProviderOpenAI)
	}
	model := cfg.Model
	if model == "" {
		model = GetDefaultModel(name)
	}

	return &OpenAICompatProvider{
		client: openai.NewClientWithConfig(clientCfg),
		name:   name,
		model:  model,
		log:    logger.With("component", "openai_compat_provider", "provider", name, "base_url", cfg.BaseURL),
	}, nil
}

func (p *OpenAICompatProvider) Name() string  { return p.name }
func (p *OpenAICompatProvider) Model() string { return p.model }

func (p *OpenAICompatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	creq := p.buildRequest(req)
	p.log.Debug("chat completion request", "turns", len(creq.Messages), "max_tokens", creq.MaxTokens)

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Model: p.model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Model: p.model, Err: errNoChoices}
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Text:       choice.Message.Content,
		StopReason: finishReason(choice.FinishReason),
		Usage:      Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
		Model:      resp.Model,
	}, nil
}

func (p *OpenAICompatProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	system, turns := splitSystem(req)

	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range turns {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	creq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		Stop:        req.StopSequences,
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}
	if req.Temperature == 0 {
		seed := 0
		creq.Seed = &seed
	}
	return creq
}

func finishReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonLength:
		return StopReasonMaxTokens
	case openai.FinishReasonContentFilter:
		return StopReasonBlocked
	default:
		return StopReasonEndTurn
	}
}
