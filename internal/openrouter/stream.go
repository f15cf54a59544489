// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/provider"
)

// STREAMING: SSE parsing with partial-content recovery

// MaxChunkSize is the maximum allowed size for a single SSE line (64KB).
const MaxChunkSize = 64 * 1024

// =============================================================================
// STREAM TYPES
// =============================================================================

// StreamChunk is one parsed SSE data event from a chat completion stream.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Content returns the delta content of the first choice.
func (c *StreamChunk) Content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadData returns the payload of the next "data:" line, skipping comments
// and other fields. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadData() ([]byte, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				// Fall through: a final unterminated line may still carry data.
			} else {
				return nil, err
			}
		}

		if len(line) > MaxChunkSize {
			return nil, fmt.Errorf("SSE line too large: %d bytes", len(line))
		}

		line = bytes.TrimRight(line, "\r\n")
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(data), nil
		}

		if err == io.EOF {
			return nil, io.EOF
		}
		// Ignore blank lines, comments, and other SSE fields.
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// Send implements provider.Adapter. It streams a chat completion, invoking
// onChunk for each content delta, and returns the accumulated text.
//
// A connection drop after content has already arrived returns the partial
// text with a nil error: a half answer beats a retry that rebills the
// prompt. A drop before any content is a NETWORK_ERROR.
func (c *Client) Send(ctx context.Context, req provider.Request, onChunk provider.ChunkFunc) (string, error) {
	if !c.IsConfigured() {
		return "", chaterr.New(chaterr.CodeAPIKeyMissing, "OpenRouter API key not configured")
	}

	messages := make([]ChatMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		messages = append(messages, ChatMessage{Role: turn.Role, Content: turn.Text})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	body := ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   requestMaxTokens,
		Temperature: requestTemperature,
		Stream:      true,
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, "/chat/completions")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	logRequest(httpReq)

	resp, err := sharedStreamingClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", chaterr.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := readResponse(resp)
		return "", chaterr.ClassifyHTTP(resp.StatusCode, errorMessage(errBody))
	}

	return c.processStream(ctx, resp.Body, onChunk)
}

// processStream reads the SSE stream until [DONE], EOF, or error.
func (c *Client) processStream(ctx context.Context, body io.Reader, onChunk provider.ChunkFunc) (string, error) {
	reader := NewSSEReader(body)
	var accumulated strings.Builder

	for {
		select {
		case <-ctx.Done():
			return accumulated.String(), ctx.Err()
		default:
		}

		data, err := reader.ReadData()
		if err != nil {
			if err == io.EOF {
				return finishStream(&accumulated)
			}
			// Mid-stream transport failure: keep what we have.
			if accumulated.Len() > 0 {
				return accumulated.String(), nil
			}
			return "", chaterr.Wrap(chaterr.CodeNetworkError, "stream interrupted before any content", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return finishStream(&accumulated)
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed events
			continue
		}

		if content := chunk.Content(); content != "" {
			accumulated.WriteString(content)
			if onChunk != nil {
				onChunk(content)
			}
		}
	}
}

// finishStream closes out a normally terminated stream. A stream that ended
// cleanly but produced nothing is reported as a network failure.
func finishStream(accumulated *strings.Builder) (string, error) {
	if accumulated.Len() == 0 {
		return "", chaterr.New(chaterr.CodeNetworkError, "empty response from model")
	}
	return accumulated.String(), nil
}
