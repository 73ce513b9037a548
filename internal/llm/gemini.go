package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google's Gemini models.
type GeminiProvider struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(cfg ProviderConfig, logger *slog.Logger) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel(string(ProviderGemini))
	}

	return &GeminiProvider{
		client: client,
		model:  model,
		logger: logger.With("component", "gemini_provider"),
	}, nil
}

// Chat sends a chat request to Gemini and returns the response.
func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	contents := p.convertMessages(req.Messages)

	p.logger.Debug("sending request to Gemini",
		"model", p.model,
		"message_count", len(contents),
	)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, p.buildConfig(req))
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: p.model, Err: err}
	}

	return p.convertResponse(resp), nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return string(ProviderGemini)
}

// Model returns the model name.
func (p *GeminiProvider) Model() string {
	return p.model
}

func (p *GeminiProvider) convertMessages(messages []Message) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		role := genai.RoleUser
		switch msg.Role {
		case RoleSystem:
			// Carried by SystemInstruction.
			continue
		case RoleAssistant:
			role = genai.RoleModel
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Text}},
		})
	}
	return result
}

func (p *GeminiProvider) buildConfig(req ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}

	if system, _ := splitSystem(req); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}

	if len(req.StopSequences) > 0 {
		config.StopSequences = req.StopSequences
	}

	return config
}

func (p *GeminiProvider) convertResponse(resp *genai.GenerateContentResponse) *ChatResponse {
	out := &ChatResponse{
		Text:       resp.Text(),
		StopReason: StopReasonEndTurn,
		Model:      p.model,
	}

	if len(resp.Candidates) > 0 {
		switch resp.Candidates[0].FinishReason {
		case genai.FinishReasonMaxTokens:
			out.StopReason = StopReasonMaxTokens
		case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			out.StopReason = StopReasonBlocked
		}
	}

	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	return out
}
