// markvii - a terminal chat client for free LLMs.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/markvii-tui/internal/catalog"
	"github.com/jeranaias/markvii-tui/internal/cli"
	"github.com/jeranaias/markvii-tui/internal/config"
	"github.com/jeranaias/markvii-tui/internal/gemini"
	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/openrouter"
	"github.com/jeranaias/markvii-tui/internal/orchestrator"
	"github.com/jeranaias/markvii-tui/internal/provider"
	"github.com/jeranaias/markvii-tui/internal/remoteconfig"
	"github.com/jeranaias/markvii-tui/internal/storage"
	"github.com/jeranaias/markvii-tui/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// remoteInitTimeout bounds startup remote config fetching so an unreachable
// service never blocks launch.
const remoteInitTimeout = 10 * time.Second

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	switch cmd {
	case cli.CmdVersion:
		cli.PrintVersion()
	case cli.CmdHelp:
		cli.PrintUsage()
	case cli.CmdAsk:
		os.Exit(cli.RunAsk(args))
	default:
		if err := runTUI(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

// sessionRef tracks the active session across goroutines so the persistence
// hook always writes to the session the user is looking at.
type sessionRef struct {
	mu   sync.Mutex
	meta storage.SessionMeta
}

func (r *sessionRef) set(meta storage.SessionMeta) {
	r.mu.Lock()
	r.meta = meta
	r.mu.Unlock()
}

func (r *sessionRef) get() storage.SessionMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

func runTUI() error {
	cfg := config.Global()

	// Route library logs to a file; stderr would corrupt the TUI.
	if f := openLogFile(); f != nil {
		defer f.Close()
		log.SetOutput(f)
	}

	remote := remoteconfig.NewClient(remoteconfig.ClientConfig{BaseURL: cfg.Remote.BaseURL})
	initCtx, cancelInit := context.WithTimeout(context.Background(), remoteInitTimeout)
	remote.Initialize(initCtx)
	cancelInit()

	openRouterKey := func() string {
		if k := config.Global().Providers.OpenRouterKey; k != "" {
			return k
		}
		return remote.OpenRouterKey()
	}
	geminiKey := func() string {
		if k := config.Global().Providers.GeminiKey; k != "" {
			return k
		}
		return remote.GeminiKey()
	}

	orClient := openrouter.NewClient(openrouter.ClientConfig{
		APIKey:  openRouterKey(),
		Referer: cfg.Providers.Referer,
		Title:   cfg.Providers.Title,
	})
	gmClient := gemini.NewClient(gemini.ClientConfig{
		APIKey: geminiKey(),
		Model:  cfg.Chat.GeminiModel,
	})

	cat := catalog.New(orClient)
	go cat.EnsureLoaded(context.Background(), openRouterKey(), remote.ExceptionModels())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	conv := model.NewConversation()
	session, err := resumeOrCreateSession(store, conv, cfg.Chat.DefaultProvider)
	if err != nil {
		return err
	}

	active := &sessionRef{}
	active.set(session)

	orch := orchestrator.New(orchestrator.Config{
		Conversation: conv,
		Adapters: map[provider.Kind]provider.Adapter{
			provider.KindOpenRouter: orClient,
			provider.KindGemini:     gmClient,
		},
		Catalog:       cat,
		Exceptions:    remote,
		OpenRouterKey: openRouterKey,
		GeminiMenu:    func() []string { return geminiMenuIDs(remote) },
		Persist: func() {
			meta := active.get()
			if err := store.SaveMessages(context.Background(), meta.ID, conv.Snapshot()); err != nil {
				log.Printf("persist: %v", err)
			}
		},
	})
	orch.SetProvider(provider.Kind(session.Provider))
	if cfg.Chat.GeminiModel != "" {
		orch.SetGeminiModel(cfg.Chat.GeminiModel)
	}

	m := chat.New(cfg, orch, conv, store, session, remote, active.set)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// Stream events arrive from orchestrator goroutines; forward them into
	// the Bubble Tea loop.
	orchNotify(orch, p)

	// Hot-reload config edits while the TUI runs.
	watcher := startConfigWatcher(orClient, gmClient)
	if watcher != nil {
		defer watcher.Close()
	}

	_, err = p.Run()
	return err
}

// geminiMenuIDs flattens the remote Gemini menu to API model IDs, most
// preferred first.
func geminiMenuIDs(remote *remoteconfig.Client) []string {
	menu := remote.GeminiModels()
	ids := make([]string, 0, len(menu))
	for _, d := range menu {
		ids = append(ids, d.APIModel)
	}
	return ids
}

// orchNotify is split out so the orchestrator is fully constructed before
// the program reference is captured.
func orchNotify(orch *orchestrator.Orchestrator, p *tea.Program) {
	orch.SetNotify(func(e orchestrator.Event) {
		p.Send(chat.EventMsg{Event: e})
	})
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	path := cfg.Storage.DBPath
	if path == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "sessions.db")
	}

	userID := cfg.Storage.UserID
	if userID == "" {
		if u, err := user.Current(); err == nil {
			userID = u.Username
		}
	}
	return storage.Open(path, userID)
}

// resumeOrCreateSession opens the most recently updated session, creating a
// fresh one on first run.
func resumeOrCreateSession(store *storage.Store, conv *model.Conversation, defaultProvider string) (storage.SessionMeta, error) {
	ctx := context.Background()

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return storage.SessionMeta{}, err
	}
	if len(sessions) > 0 {
		meta := sessions[0]
		messages, err := store.LoadMessages(ctx, meta.ID)
		if err == nil {
			conv.Replace(messages)
			return meta, nil
		}
		log.Printf("session %s unreadable, starting fresh: %v", meta.ID, err)
	}

	return store.CreateSession(ctx, defaultProvider)
}

func startConfigWatcher(orClient *openrouter.Client, gmClient *gemini.Client) *config.Watcher {
	path, err := config.ConfigPathTOML()
	if err != nil {
		return nil
	}

	w, err := config.NewWatcher(path, config.DefaultDebounce, func(cfg *config.Config) {
		config.SetGlobal(cfg)
		if cfg.Providers.OpenRouterKey != "" {
			orClient.SetAPIKey(cfg.Providers.OpenRouterKey)
		}
		if cfg.Providers.GeminiKey != "" {
			gmClient.SetAPIKey(cfg.Providers.GeminiKey)
		}
		log.Printf("config reloaded")
	})
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
		return nil
	}
	if err := w.Watch(); err != nil {
		log.Printf("config watch failed: %v", err)
		w.Close()
		return nil
	}
	return w
}

func openLogFile() *os.File {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, "markvii.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}
	return f
}
