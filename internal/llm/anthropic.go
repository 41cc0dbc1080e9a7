package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/founderport/angel/internal/domain"
)

const defaultMaxTokens = 4096

// AnthropicGenerator produces replies via the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// AnthropicConfig holds client settings; zero values fall back to
// ANTHROPIC_API_KEY and a default model.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// NewAnthropicGenerator creates the production Generator.
func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicGenerator{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate sends the accumulated conversation plus the turn constraints and
// returns the raw reply text.
func (g *AnthropicGenerator) Generate(ctx context.Context, systemContext string, history []domain.ChatMessage, userMessage string, c Constraints) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))

	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemContext},
			{Text: c.Instruction()},
		},
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}
