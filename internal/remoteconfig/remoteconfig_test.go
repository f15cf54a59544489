// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remoteconfig

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jeranaias/markvii-tui/internal/gemini"
)

func TestInitializeLoadsDocuments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api_keys":
			fmt.Fprint(w, `{"openrouterApiKey":"sk-or-abc","geminiApiKey":"AIza-def"}`)
		case "/models":
			fmt.Fprint(w, `{"list":[
				{"displayName":"Beta","apiModel":"x/beta","isAvailable":true,"order":2},
				{"displayName":"Alpha","apiModel":"x/alpha","isAvailable":true,"order":1},
				{"displayName":"Hidden","apiModel":"x/hidden","isAvailable":false,"order":0}
			]}`)
		case "/gemini_models":
			fmt.Fprint(w, `{"list":[{"displayName":"Flash","apiModel":"gemini-1.5-flash","isAvailable":true,"order":0}]}`)
		case "/exp_models":
			fmt.Fprint(w, `{"list":[{"modelId":"google/gemma-3","modelName":"Gemma 3"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL})
	c.Initialize(context.Background())

	if got := c.OpenRouterKey(); got != "sk-or-abc" {
		t.Errorf("OpenRouterKey = %q", got)
	}
	if got := c.GeminiKey(); got != "AIza-def" {
		t.Errorf("GeminiKey = %q", got)
	}

	models := c.Models()
	if len(models) != 2 {
		t.Fatalf("models = %+v, want unavailable filtered", models)
	}
	if models[0].APIModel != "x/alpha" || models[1].APIModel != "x/beta" {
		t.Errorf("order not honored: %+v", models)
	}

	if got := c.GeminiModels(); len(got) != 1 || got[0].APIModel != "gemini-1.5-flash" {
		t.Errorf("gemini models = %+v", got)
	}

	if got := c.ExceptionModels(); len(got) != 1 || got[0] != "google/gemma-3" {
		t.Errorf("exceptions = %v", got)
	}
}

func TestInitializeDegradesToDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL})
	c.Initialize(context.Background())

	if got := c.OpenRouterKey(); got != "" {
		t.Errorf("OpenRouterKey = %q, want empty default", got)
	}
	if got := c.Models(); len(got) != 0 {
		t.Errorf("models = %+v, want empty default", got)
	}
	gm := c.GeminiModels()
	if len(gm) != len(gemini.DefaultModels) {
		t.Fatalf("gemini models = %+v, want built-in defaults", gm)
	}
	if gm[0].APIModel != gemini.DefaultModels[0] {
		t.Errorf("first default = %+v", gm[0])
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL})
	c.Initialize(context.Background())
	first := calls.Load()
	c.Initialize(context.Background())

	if calls.Load() != first {
		t.Fatalf("second Initialize refetched: %d -> %d calls", first, calls.Load())
	}
}

func TestAddExceptionModelIdempotent(t *testing.T) {
	var puts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
		}
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	c := NewClient(ClientConfig{BaseURL: server.URL})
	c.AddExceptionModel(context.Background(), "a/b", "B")
	c.AddExceptionModel(context.Background(), "A/B", "B again")

	if got := c.ExceptionModels(); len(got) != 1 {
		t.Fatalf("exceptions = %v, want case-insensitive dedup", got)
	}
	if puts.Load() != 1 {
		t.Errorf("upstream puts = %d, want 1", puts.Load())
	}
}

func TestAddExceptionModelSurvivesPublishFailure(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:0"})
	c.AddExceptionModel(context.Background(), "a/b", "B")

	if got := c.ExceptionModels(); len(got) != 1 || got[0] != "a/b" {
		t.Fatalf("exceptions = %v, want local record despite publish failure", got)
	}
}
