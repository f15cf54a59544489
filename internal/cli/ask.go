// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single query command handler for the markvii CLI.
//
// Sends one prompt through the same orchestration path the TUI uses and
// streams the answer to stdout.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/markvii-tui/internal/catalog"
	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/config"
	"github.com/jeranaias/markvii-tui/internal/gemini"
	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/openrouter"
	"github.com/jeranaias/markvii-tui/internal/orchestrator"
	"github.com/jeranaias/markvii-tui/internal/provider"
	"github.com/jeranaias/markvii-tui/internal/remoteconfig"
)

// askTimeout bounds the whole one-shot exchange, including a retry.
const askTimeout = 2 * time.Minute

var askImageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// RunAsk executes a one-shot prompt and returns the process exit code.
func RunAsk(args Args) int {
	if strings.TrimSpace(args.Query) == "" {
		fmt.Fprintln(os.Stderr, "error: empty prompt")
		return 1
	}

	cfg := config.Global()

	ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
	defer cancel()

	remote := remoteconfig.NewClient(remoteconfig.ClientConfig{BaseURL: cfg.Remote.BaseURL})
	remote.Initialize(ctx)

	openRouterKey := func() string {
		if cfg.Providers.OpenRouterKey != "" {
			return cfg.Providers.OpenRouterKey
		}
		return remote.OpenRouterKey()
	}
	geminiKey := cfg.Providers.GeminiKey
	if geminiKey == "" {
		geminiKey = remote.GeminiKey()
	}

	orClient := openrouter.NewClient(openrouter.ClientConfig{
		APIKey:  openRouterKey(),
		Referer: cfg.Providers.Referer,
		Title:   cfg.Providers.Title,
	})
	gmClient := gemini.NewClient(gemini.ClientConfig{
		APIKey: geminiKey,
		Model:  cfg.Chat.GeminiModel,
	})

	conv := model.NewConversation()
	done := make(chan *chaterr.Error, 1)
	var answer strings.Builder

	orch := orchestrator.New(orchestrator.Config{
		Conversation: conv,
		Adapters: map[provider.Kind]provider.Adapter{
			provider.KindOpenRouter: orClient,
			provider.KindGemini:     gmClient,
		},
		Catalog:       catalog.New(orClient),
		Exceptions:    remote,
		OpenRouterKey: openRouterKey,
		GeminiMenu: func() []string {
			menu := remote.GeminiModels()
			ids := make([]string, 0, len(menu))
			for _, d := range menu {
				ids = append(ids, d.APIModel)
			}
			return ids
		},
		Notify: func(e orchestrator.Event) {
			switch ev := e.(type) {
			case orchestrator.StreamToken:
				answer.WriteString(ev.Text)
				if !args.Markdown {
					fmt.Print(ev.Text)
				}
			case orchestrator.StreamCompleted:
				done <- nil
			case orchestrator.StreamFailed:
				done <- ev.Err
			case orchestrator.StreamStopped:
				done <- nil
			}
		},
	})

	kind := provider.KindOpenRouter
	switch {
	case args.Provider == "gemini":
		kind = provider.KindGemini
	case args.Provider == "" && cfg.Chat.DefaultProvider == "gemini":
		kind = provider.KindGemini
	}
	orch.SetProvider(kind)
	switch {
	case args.Model != "":
		orch.SetGeminiModel(args.Model)
	case cfg.Chat.GeminiModel != "":
		orch.SetGeminiModel(cfg.Chat.GeminiModel)
	}

	image, err := loadAskImage(args.ImagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	orch.Send(args.Query, image)

	select {
	case ce := <-done:
		if ce != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", ce.Payload())
			return 1
		}
	case <-ctx.Done():
		orch.Shutdown()
		fmt.Fprintln(os.Stderr, "error: request timed out")
		return 1
	}

	if args.Markdown {
		printMarkdown(answer.String())
	} else {
		fmt.Println()
	}
	return 0
}

func loadAskImage(path string) (*model.Attachment, error) {
	if path == "" {
		return nil, nil
	}
	mime, ok := askImageMIMETypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &model.Attachment{MIMEType: mime, Data: data}, nil
}

// printMarkdown renders the finished answer, falling back to raw text.
func printMarkdown(content string) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		fmt.Println(content)
		return
	}
	out, err := renderer.Render(content)
	if err != nil {
		fmt.Println(content)
		return
	}
	fmt.Print(out)
}
