// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remoteconfig fetches runtime configuration documents from the
// hosted config service: API keys, model menus, and the exception model
// list. Every fetch degrades to built-in defaults; the app never fails to
// start because the service is unreachable.
package remoteconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/markvii-tui/internal/gemini"
)

const (
	// DefaultTimeout bounds each document fetch.
	DefaultTimeout = 10 * time.Second

	// Document names on the config service.
	docAPIKeys      = "api_keys"
	docModels       = "models"
	docGeminiModels = "gemini_models"
	docExpModels    = "exp_models"
)

// =============================================================================
// DOCUMENT SHAPES
// =============================================================================

// apiKeysDoc is the wire shape of the api_keys document.
type apiKeysDoc struct {
	OpenRouterAPIKey string `json:"openrouterApiKey"`
	GeminiAPIKey     string `json:"geminiApiKey"`
}

// ModelDescriptor is one entry of a model menu document.
type ModelDescriptor struct {
	DisplayName string `json:"displayName"`
	APIModel    string `json:"apiModel"`
	IsAvailable bool   `json:"isAvailable"`
	Order       int    `json:"order"`
}

// modelsDoc is the wire shape of the models and gemini_models documents.
type modelsDoc struct {
	List []ModelDescriptor `json:"list"`
}

// ExceptionModel is one entry of the exp_models document: a model that only
// answers on its :free variant.
type ExceptionModel struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}

// expModelsDoc is the wire shape of the exp_models document.
type expModelsDoc struct {
	List []ExceptionModel `json:"list"`
}

// =============================================================================
// CLIENT
// =============================================================================

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client fetches and caches remote configuration.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu            sync.RWMutex
	initialized   bool
	openRouterKey string
	geminiKey     string
	models        []ModelDescriptor
	geminiModels  []ModelDescriptor
	exceptions    []ExceptionModel
}

// NewClient creates a remote config client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}
	c.applyDefaultsLocked()
	return c
}

// applyDefaultsLocked installs the built-in fallback configuration.
func (c *Client) applyDefaultsLocked() {
	c.openRouterKey = ""
	c.geminiKey = ""
	c.models = nil
	c.exceptions = nil

	defaults := make([]ModelDescriptor, 0, len(gemini.DefaultModels))
	for i, id := range gemini.DefaultModels {
		defaults = append(defaults, ModelDescriptor{
			DisplayName: id,
			APIModel:    id,
			IsAvailable: true,
			Order:       i,
		})
	}
	c.geminiModels = defaults
}

// =============================================================================
// INITIALIZATION
// =============================================================================

// Initialize fetches all configuration documents. It is idempotent: once a
// fetch round has completed (successfully or not) subsequent calls return
// immediately. Individual document failures are logged and leave that
// document at its default.
func (c *Client) Initialize(ctx context.Context) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.mu.Unlock()

	if c.baseURL == "" {
		log.Printf("remoteconfig: no endpoint configured, using defaults")
		return
	}

	var keys apiKeysDoc
	if err := c.fetchDoc(ctx, docAPIKeys, &keys); err != nil {
		log.Printf("remoteconfig: %s: %v", docAPIKeys, err)
	} else {
		c.mu.Lock()
		c.openRouterKey = keys.OpenRouterAPIKey
		c.geminiKey = keys.GeminiAPIKey
		c.mu.Unlock()
	}

	var models modelsDoc
	if err := c.fetchDoc(ctx, docModels, &models); err != nil {
		log.Printf("remoteconfig: %s: %v", docModels, err)
	} else {
		c.mu.Lock()
		c.models = sortedAvailable(models.List)
		c.mu.Unlock()
	}

	var gmodels modelsDoc
	if err := c.fetchDoc(ctx, docGeminiModels, &gmodels); err != nil {
		log.Printf("remoteconfig: %s: %v", docGeminiModels, err)
	} else if len(gmodels.List) > 0 {
		c.mu.Lock()
		c.geminiModels = sortedAvailable(gmodels.List)
		c.mu.Unlock()
	}

	var exps expModelsDoc
	if err := c.fetchDoc(ctx, docExpModels, &exps); err != nil {
		log.Printf("remoteconfig: %s: %v", docExpModels, err)
	} else {
		c.mu.Lock()
		c.exceptions = exps.List
		c.mu.Unlock()
	}
}

// fetchDoc retrieves and decodes one named document.
func (c *Client) fetchDoc(ctx context.Context, name string, out any) error {
	url := c.baseURL + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// sortedAvailable filters to available entries and sorts by menu order.
func sortedAvailable(list []ModelDescriptor) []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(list))
	for _, d := range list {
		if d.IsAvailable {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// =============================================================================
// ACCESSORS
// =============================================================================

// OpenRouterKey returns the resolved OpenRouter API key, empty if the
// api_keys document never loaded.
func (c *Client) OpenRouterKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.openRouterKey
}

// GeminiKey returns the resolved Gemini API key.
func (c *Client) GeminiKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.geminiKey
}

// Models returns the OpenRouter model menu.
func (c *Client) Models() []ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ModelDescriptor(nil), c.models...)
}

// GeminiModels returns the Gemini model menu, built-in defaults when the
// document never loaded.
func (c *Client) GeminiModels() []ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ModelDescriptor(nil), c.geminiModels...)
}

// ExceptionModels returns the IDs of models that require the :free suffix.
func (c *Client) ExceptionModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.exceptions))
	for _, e := range c.exceptions {
		ids = append(ids, e.ModelID)
	}
	return ids
}

// =============================================================================
// EXCEPTION REPORTING
// =============================================================================

// AddExceptionModel records a model that was observed to require the :free
// suffix. Idempotent on the local list; the upstream write is best-effort
// and failures are only logged.
func (c *Client) AddExceptionModel(ctx context.Context, modelID, modelName string) {
	c.mu.Lock()
	for _, e := range c.exceptions {
		if strings.EqualFold(e.ModelID, modelID) {
			c.mu.Unlock()
			return
		}
	}
	c.exceptions = append(c.exceptions, ExceptionModel{ModelID: modelID, ModelName: modelName})
	snapshot := expModelsDoc{List: append([]ExceptionModel(nil), c.exceptions...)}
	c.mu.Unlock()

	if c.baseURL == "" {
		return
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("remoteconfig: marshal %s: %v", docExpModels, err)
		return
	}

	url := c.baseURL + "/" + docExpModels
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("remoteconfig: %s: %v", docExpModels, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("remoteconfig: publish %s: %v", docExpModels, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("remoteconfig: publish %s: status %d", docExpModels, resp.StatusCode)
	}
}
