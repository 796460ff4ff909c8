package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/codefionn/chatrelay/internal/logger"
	"github.com/codefionn/chatrelay/internal/session"
)

const ollamaChatPath = "/api/chat"

// OllamaClient streams chat completions from Ollama's /api/chat
// endpoint (newline-delimited JSON, optionally SSE-framed).
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates a client for an Ollama-compatible upstream.
// connectTimeout bounds dialing and response headers; requestTimeout
// bounds the whole exchange including the streamed body.
func NewOllamaClient(baseURL, model string, connectTimeout, requestTimeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

func (c *OllamaClient) ModelName() string {
	return c.model
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *OllamaClient) Stream(ctx context.Context, history []session.Message, model string, fn func(Chunk) error) error {
	m := model
	if m == "" {
		m = c.model
	}

	messages := make([]ollamaMessage, 0, len(history))
	for _, msg := range history {
		messages = append(messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}

	payload, err := json.Marshal(&ollamaChatRequest{
		Model:    m,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("ollama request encoding failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ollamaChatPath, bytes.NewReader(payload))
	if err != nil {
		return &ConnectError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	logger.Debug("Ollama: starting stream request for model %s", m)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ConnectError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	scanner := bufio.NewScanner(resp.Body)
	buffer := make([]byte, 0, 256*1024)
	scanner.Buffer(buffer, 1024*1024)

	chunkCount := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Tolerate SSE framing from compatible upstreams.
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			logger.Debug("Ollama: received [DONE] after %d chunks", chunkCount)
			return nil
		}

		var part map[string]interface{}
		if err := json.Unmarshal([]byte(data), &part); err != nil {
			// Some upstreams emit bare text lines; forward verbatim.
			if err := fn(Chunk{Text: data}); err != nil {
				return err
			}
			chunkCount++
			continue
		}

		chunk, ok := normalize(part)
		if ok {
			if err := fn(chunk); err != nil {
				return err
			}
			chunkCount++
		}

		if isTerminal(part) {
			logger.Debug("Ollama: stream done after %d chunks", chunkCount)
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if chunkCount == 0 {
			return &ConnectError{Err: err}
		}
		return fmt.Errorf("ollama stream interrupted: %w", err)
	}

	logger.Debug("Ollama: stream ended after %d chunks", chunkCount)
	return nil
}
