package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider talks to the Claude Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	log    *slog.Logger
}

func NewAnthropicProvider(cfg ProviderConfig, logger *slog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = GetDefaultModel(string(ProviderAnthropic))
	}

	return &AnthropicProvider{
		// One HTTP attempt per generation; SDK retries are off.
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)),
		model:  model,
		log:    logger.With("component", "anthropic_provider", "model", model),
	}, nil
}

func (p *AnthropicProvider) Name() string  { return string(ProviderAnthropic) }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := p.buildParams(req)
	p.log.Debug("anthropic request", "turns", len(params.Messages), "max_tokens", params.MaxTokens)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: p.model, Err: err}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Text:       text.String(),
		StopReason: anthropicStopReason(msg.StopReason),
		Usage:      Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)},
		Model:      string(msg.Model),
	}, nil
}

func (p *AnthropicProvider) buildParams(req ChatRequest) anthropic.MessageNewParams {
	system, turns := splitSystem(req)

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(DefaultProviderConfig().MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(p.model),
		MaxTokens:     maxTokens,
		Temperature:   anthropic.Float(req.Temperature),
		StopSequences: req.StopSequences,
		Messages:      make([]anthropic.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	return params
}

func anthropicStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonMaxTokens:
		return StopReasonMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopReasonStop
	case anthropic.StopReasonRefusal:
		return StopReasonBlocked
	default:
		return StopReasonEndTurn
	}
}
