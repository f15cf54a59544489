// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openrouter implements the OpenRouter chat backend.
//
// OpenRouter fronts many hosted models behind one OpenAI-style API. This
// client covers the two endpoints the app uses: streaming chat completions
// and the public model listing.
package openrouter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/provider"
)

// Configuration constants for the OpenRouter API.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps response bodies to prevent memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// requestMaxTokens is the completion budget sent with every chat request.
	requestMaxTokens = 3000

	// requestTemperature is the sampling temperature sent with every request.
	requestTemperature = 0.7
)

var (
	// PERFORMANCE: Shared clients with connection pooling for all requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streams are bounded by context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ChatMessage is a single message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of a chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// Pricing holds per-token prices as decimal strings, exactly as the API
// returns them.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// Model describes one entry from the model listing.
type Model struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Pricing Pricing `json:"pricing"`
}

// modelsResponse is the wire shape of GET /models.
type modelsResponse struct {
	Data []Model `json:"data"`
}

// apiErrorResponse is the wire shape of an API error body.
type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig configures a Client. Zero values get sensible defaults.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Referer string // sent as HTTP-Referer for app attribution
	Title   string // sent as X-Title for app attribution
}

// Client talks to the OpenRouter API.
type Client struct {
	apiKey  string
	baseURL string
	referer string
	title   string
}

// NewClient creates an OpenRouter client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Referer == "" {
		cfg.Referer = "https://github.com/jeranaias/markvii-tui"
	}
	if cfg.Title == "" {
		cfg.Title = "Mark VII"
	}
	return &Client{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		referer: cfg.Referer,
		title:   cfg.Title,
	}
}

// Kind implements provider.Adapter.
func (c *Client) Kind() provider.Kind {
	return provider.KindOpenRouter
}

// SetAPIKey replaces the API key, typically after remote config resolves.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = strings.TrimSpace(key)
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// setHeaders sets the headers for a request to the given path.
// The Authorization header is attached only when a key is configured and
// the target is not the public models listing.
func (c *Client) setHeaders(req *http.Request, path string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	if c.apiKey != "" && !strings.HasSuffix(path, "/models") {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels retrieves the full model catalog. The endpoint is public and
// never sends credentials.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	url := c.baseURL + "/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, "/models")
	logRequest(req)

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, chaterr.ClassifyHTTP(resp.StatusCode, errorMessage(body))
	}

	var listing modelsResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	return listing.Data, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// readResponse reads a response body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// errorMessage extracts a human-readable message from an API error body.
func errorMessage(body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// logRequest logs an outgoing request without headers or body.
func logRequest(req *http.Request) {
	log.Printf("openrouter: %s %s", req.Method, req.URL.Path)
}
