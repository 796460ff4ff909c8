package generator

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/codefionn/chatrelay/internal/session"
)

const anthropicMaxTokens = 4096

// AnthropicClient streams chat completions through the official
// Anthropic SDK. Thinking deltas feed the Chunk reasoning channel.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates an Anthropic-backed generator client
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic client requires an API key")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (c *AnthropicClient) ModelName() string {
	return c.model
}

func (c *AnthropicClient) Stream(ctx context.Context, history []session.Message, model string, fn func(Chunk) error) error {
	m := model
	if m == "" {
		m = c.model
	}

	messages := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		block := anthropic.NewTextBlock(msg.Content)
		switch msg.Role {
		case session.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	})
	if stream == nil {
		return &ConnectError{Err: fmt.Errorf("no stream returned")}
	}
	defer stream.Close()

	received := false
	for stream.Next() {
		event := stream.Current()

		deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		var chunk Chunk
		switch delta := deltaEvent.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			chunk.Text = delta.Text
		case anthropic.ThinkingDelta:
			chunk.Thinking = delta.Thinking
		default:
			continue
		}

		if chunk.Text == "" && chunk.Thinking == "" {
			continue
		}

		received = true
		if err := fn(chunk); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		if !received {
			return &ConnectError{Err: err}
		}
		return fmt.Errorf("anthropic stream interrupted: %w", err)
	}

	return nil
}
