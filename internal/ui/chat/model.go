// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
package chat

import (
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/markvii-tui/internal/config"
	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/orchestrator"
	"github.com/jeranaias/markvii-tui/internal/remoteconfig"
	"github.com/jeranaias/markvii-tui/internal/storage"
	"github.com/jeranaias/markvii-tui/internal/ui/styles"
)

// ModelMenus exposes the remotely curated model menus shown by the /models
// and /gemini commands.
type ModelMenus interface {
	Models() []remoteconfig.ModelDescriptor
	GeminiModels() []remoteconfig.ModelDescriptor
}

// =============================================================================
// UI MODES
// =============================================================================

type uiMode int

const (
	// modeChat is the normal transcript + input view.
	modeChat uiMode = iota
	// modeSessions overlays the session picker.
	modeSessions
)

// =============================================================================
// CHAT MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat interface.
type Model struct {
	keys KeyMap
	cfg  *config.Config

	orch  *orchestrator.Orchestrator
	conv  *model.Conversation
	store *storage.Store
	menus ModelMenus

	// Active session and picker state
	session       storage.SessionMeta
	sessions      []storage.SessionMeta
	sessionCursor int

	// onSessionChange reports session switches so persistence hooks track
	// the active session. May be nil.
	onSessionChange func(storage.SessionMeta)

	// Components
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	// Streaming state
	buffer    *StreamingBuffer
	streaming bool

	// Image staged by /attach for the next prompt
	pendingImage     *model.Attachment
	pendingImageName string

	mode      uiMode
	showHelp  bool
	status    string
	statusSeq int

	width  int
	height int
	ready  bool
}

// New creates the chat model for an open session.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, conv *model.Conversation, store *storage.Store, session storage.SessionMeta, menus ModelMenus, onSessionChange func(storage.SessionMeta)) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask anything (or /help)"
	ta.Prompt = "> "
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.Amber)

	return Model{
		keys:            DefaultKeyMap(),
		cfg:             cfg,
		orch:            orch,
		conv:            conv,
		store:           store,
		menus:           menus,
		session:         session,
		onSessionChange: onSessionChange,
		textarea:        ta,
		spinner:         sp,
		buffer:          NewStreamingBuffer(),
	}
}

// Init starts the cursor blink and spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// SessionID returns the active session's ID.
func (m Model) SessionID() string {
	return m.session.ID
}

// newRenderer builds a glamour renderer sized for the current viewport.
func (m *Model) newRenderer(width int) {
	opts := []glamour.TermRendererOption{
		glamour.WithWordWrap(width),
	}
	switch m.cfg.UI.Theme {
	case "auto":
		opts = append(opts, glamour.WithAutoStyle())
	default:
		opts = append(opts, glamour.WithStandardStyle(m.cfg.UI.Theme))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		// Fall back to plain text rendering.
		m.renderer = nil
		return
	}
	m.renderer = r
}

// renderMarkdown renders assistant content, falling back to the raw text if
// rendering fails.
func (m *Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}
