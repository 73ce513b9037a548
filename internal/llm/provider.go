// Package llm adapts hosted and local chat models to the single-turn
// prompting the evaluator needs: answer generation and HyDE rewriting.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider is a chat model backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name is the canonical provider name, e.g. "gemini" or "ollama".
	Name() string
	Model() string
}

// StopReason is the provider-neutral reason generation ended.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonStop      StopReason = "stop"
	StopReasonBlocked   StopReason = "blocked"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// ChatRequest is one generation call. Temperature 0 asks for the provider's
// most deterministic decoding.
type ChatRequest struct {
	Messages      []Message `json:"messages"`
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   float64   `json:"temperature,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

// Prompt builds a single user-turn request.
func Prompt(text string, maxTokens int, temperature float64) ChatRequest {
	return ChatRequest{
		Messages:    []Message{UserMessage(text)},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

// splitSystem folds system-role turns into the system prompt and returns
// the remaining conversation. Adapters whose API takes the system prompt
// out of band use it.
func splitSystem(req ChatRequest) (string, []Message) {
	var system []string
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system = append(system, s)
	}
	turns := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Text)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

type ChatResponse struct {
	Text       string     `json:"text"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model"`
}

// IsEmpty reports whether the response carries no usable text.
func (r *ChatResponse) IsEmpty() bool {
	return r == nil || strings.TrimSpace(r.Text) == ""
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderError tags a backend failure with the provider and model that
// produced it.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	// Provider is a canonical name or alias ("google", "claude").
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	// BaseURL is only used by OpenAI-compatible servers.
	BaseURL     string  `json:"base_url,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// DefaultProviderConfig mirrors the evaluator's generation defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:  string(ProviderGemini),
		Model:     GetDefaultModel(string(ProviderGemini)),
		MaxTokens: 512,
	}
}
