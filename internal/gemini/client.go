// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini implements the Google Gemini chat backend on the official
// generative-ai-go SDK.
package gemini

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/provider"
)

// Generation parameters, matching the values the hosted app ships with.
const (
	// DefaultModel is used when a request names no model.
	DefaultModel = "gemini-1.5-flash"

	// maxHistoryTurns caps how much prior conversation is replayed.
	maxHistoryTurns = 10

	generationTemperature = 0.7
	generationTopK        = 40
	generationTopP        = 0.95
	generationMaxTokens   = 8192
)

// DefaultModels is the built-in Gemini menu used when remote configuration
// is unreachable.
var DefaultModels = []string{
	"gemini-2.0-flash-exp",
	"gemini-1.5-flash",
	"gemini-1.5-flash-8b",
	"gemini-1.5-pro",
	"gemini-1.0-pro",
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig configures a Client. Zero values get sensible defaults.
type ClientConfig struct {
	APIKey string
	Model  string
}

// Client is the Gemini chat backend. The underlying SDK client is created
// per request: the API key can change at runtime when remote configuration
// resolves, and the SDK client pins its key at construction.
type Client struct {
	apiKey string
	model  string
}

// NewClient creates a Gemini client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{
		apiKey: strings.TrimSpace(cfg.APIKey),
		model:  cfg.Model,
	}
}

// Kind implements provider.Adapter.
func (c *Client) Kind() provider.Kind {
	return provider.KindGemini
}

// SetAPIKey replaces the API key.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = strings.TrimSpace(key)
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// =============================================================================
// SEND
// =============================================================================

// Send implements provider.Adapter. Text-only prompts stream; prompts with
// an image attachment are sent single-shot because the vision path does not
// replay history.
func (c *Client) Send(ctx context.Context, req provider.Request, onChunk provider.ChunkFunc) (string, error) {
	if !c.IsConfigured() {
		return "", chaterr.New(chaterr.CodeAPIKeyMissing, "Gemini API key not configured")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", chaterr.ClassifyGemini(err)
	}
	defer client.Close()

	model := client.GenerativeModel(c.resolveModel(req.Model))
	model.SetTemperature(generationTemperature)
	model.SetTopK(generationTopK)
	model.SetTopP(generationTopP)
	model.SetMaxOutputTokens(generationMaxTokens)

	if req.Image != nil {
		return c.sendMultimodal(ctx, model, req, onChunk)
	}
	return c.sendStreaming(ctx, model, req, onChunk)
}

// sendStreaming replays capped history through a chat session and streams
// the response.
func (c *Client) sendStreaming(ctx context.Context, model *genai.GenerativeModel, req provider.Request, onChunk provider.ChunkFunc) (string, error) {
	session := model.StartChat()
	session.History = buildHistory(req.History)

	iter := session.SendMessageStream(ctx, genai.Text(req.Prompt))

	var accumulated strings.Builder
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			// The gRPC layer reports a user stop as its own status error,
			// not context.Canceled. Surface the context error so callers
			// can tell a stop from a failure.
			if ctx.Err() != nil {
				return accumulated.String(), ctx.Err()
			}
			return "", chaterr.ClassifyGemini(err)
		}

		if text := responseText(resp); text != "" {
			accumulated.WriteString(text)
			if onChunk != nil {
				onChunk(text)
			}
		}
	}

	if accumulated.Len() == 0 {
		return "", chaterr.New(chaterr.CodeGeminiError, "empty response from model")
	}
	return accumulated.String(), nil
}

// sendMultimodal sends prompt plus image in one request. The full response
// is delivered as a single chunk.
func (c *Client) sendMultimodal(ctx context.Context, model *genai.GenerativeModel, req provider.Request, onChunk provider.ChunkFunc) (string, error) {
	parts := []genai.Part{
		genai.Text(req.Prompt),
		genai.Blob{MIMEType: req.Image.MIMEType, Data: req.Image.Data},
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", chaterr.ClassifyGemini(err)
	}

	text := candidateText(resp)
	if text == "" {
		return "", chaterr.New(chaterr.CodeContentBlocked, "response contained no text")
	}
	if onChunk != nil {
		onChunk(text)
	}
	return text, nil
}

// resolveModel picks the request model, the configured model, or the default.
func (c *Client) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	if c.model != "" {
		return c.model
	}
	return DefaultModel
}

// =============================================================================
// HISTORY AND RESPONSE MAPPING
// =============================================================================

// buildHistory converts prior turns to SDK content, keeping only the most
// recent maxHistoryTurns and mapping the assistant role to "model".
func buildHistory(turns []provider.Turn) []*genai.Content {
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}

	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		history = append(history, &genai.Content{
			Role:  mapRole(t.Role),
			Parts: []genai.Part{genai.Text(t.Text)},
		})
	}
	return history
}

// mapRole translates chat roles into the SDK's role vocabulary.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// responseText flattens the text parts of a streamed response.
func responseText(resp *genai.GenerateContentResponse) string {
	return candidateText(resp)
}

// candidateText extracts text from the first candidate.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}
