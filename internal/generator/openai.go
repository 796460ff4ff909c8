package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/chatrelay/internal/session"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient streams chat completions through the official OpenAI
// SDK. A custom base URL points it at any OpenAI-compatible upstream.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI-backed generator client
func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai client requires an API key")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *OpenAIClient) ModelName() string {
	return c.model
}

func (c *OpenAIClient) Stream(ctx context.Context, history []session.Message, model string, fn func(Chunk) error) error {
	m := model
	if m == "" {
		m = c.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case session.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(m),
		Messages: messages,
	})
	defer stream.Close()

	received := false
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			received = true
			if err := fn(Chunk{Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}

	if err := stream.Err(); err != nil {
		if !received {
			return &ConnectError{Err: err}
		}
		return fmt.Errorf("openai stream interrupted: %w", err)
	}

	return nil
}
