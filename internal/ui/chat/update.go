// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file contains the update loop: key handling, stream events, and the
// slash commands.
package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/orchestrator"
	"github.com/jeranaias/markvii-tui/internal/provider"
	"github.com/jeranaias/markvii-tui/internal/remoteconfig"
	"github.com/jeranaias/markvii-tui/internal/storage"
)

const statusDuration = 4 * time.Second

// imageMIMETypes maps attachable file extensions to their MIME type.
var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.refreshTranscript()

	case tea.KeyMsg:
		var cmd tea.Cmd
		m, cmd = m.handleKey(msg)
		return m, cmd

	case EventMsg:
		var cmd tea.Cmd
		m, cmd = m.handleEvent(msg.Event)
		return m, cmd

	case StreamTickMsg:
		if m.streaming {
			if _, ok := m.buffer.Flush(); ok {
				m.refreshTranscript()
			}
			cmds = append(cmds, streamTickCmd())
		}

	case sessionsLoadedMsg:
		if msg.err != nil {
			return m, m.setStatus(fmt.Sprintf("sessions: %v", msg.err))
		}
		m.sessions = msg.sessions
		m.sessionCursor = 0
		m.mode = modeSessions

	case sessionOpenedMsg:
		if msg.err != nil {
			return m, m.setStatus(fmt.Sprintf("open session: %v", msg.err))
		}
		m.session = msg.meta
		m.mode = modeChat
		m.orch.SetProvider(provider.Kind(msg.meta.Provider))
		m.notifySessionChange()
		m.refreshTranscript()
		return m, m.setStatus("opened " + msg.meta.Title)

	case exportDoneMsg:
		if msg.err != nil {
			return m, m.setStatus(fmt.Sprintf("export failed: %v", msg.err))
		}
		return m, m.setStatus("exported to " + msg.path)

	case statusClearMsg:
		if msg.seq == m.statusSeq {
			m.status = ""
		}

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// =============================================================================
// KEY HANDLING
// =============================================================================

func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	if m.mode == modeSessions {
		return m.handleSessionKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.saveCurrent()
		m.orch.Shutdown()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.Cancel):
		if m.streaming {
			m.orch.Stop()
		}
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		if !m.streaming {
			m.orch.Resend()
		}
		return m, nil

	case key.Matches(msg, m.keys.Provider):
		return m.toggleProvider()

	case key.Matches(msg, m.keys.NewSession):
		return m.newSession()

	case key.Matches(msg, m.keys.Sessions):
		return m, m.loadSessionsCmd()

	case key.Matches(msg, m.keys.Export):
		return m, m.exportCmd()

	case key.Matches(msg, m.keys.Help):
		if m.textarea.Value() == "" {
			m.showHelp = !m.showHelp
			return m, nil
		}
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

func (m Model) handleSessionKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.sessionCursor > 0 {
			m.sessionCursor--
		}
	case "down", "j":
		if m.sessionCursor < len(m.sessions)-1 {
			m.sessionCursor++
		}
	case "enter":
		if len(m.sessions) > 0 {
			picked := m.sessions[m.sessionCursor]
			if picked.ID == m.session.ID {
				m.mode = modeChat
				return m, nil
			}
			m.saveCurrent()
			return m, m.openSessionCmd(picked)
		}
	case "d":
		if len(m.sessions) > 0 {
			victim := m.sessions[m.sessionCursor]
			if victim.ID != m.session.ID {
				if err := m.store.DeleteSession(context.Background(), victim.ID); err == nil {
					m.sessions = append(m.sessions[:m.sessionCursor], m.sessions[m.sessionCursor+1:]...)
					if m.sessionCursor >= len(m.sessions) && m.sessionCursor > 0 {
						m.sessionCursor--
					}
				}
			}
		}
	case "esc", "q", "ctrl+s":
		m.mode = modeChat
	case "ctrl+c":
		m.saveCurrent()
		m.orch.Shutdown()
		return m, tea.Quit
	}
	return m, nil
}

// =============================================================================
// SUBMIT AND SLASH COMMANDS
// =============================================================================

func (m Model) submit() (Model, tea.Cmd) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, nil
	}

	if strings.HasPrefix(text, "/") {
		m.textarea.Reset()
		return m.runCommand(text)
	}

	image := m.pendingImage
	m.pendingImage = nil
	m.pendingImageName = ""
	m.textarea.Reset()

	m.orch.Send(text, image)
	m.refreshTranscript()
	return m, nil
}

func (m Model) runCommand(input string) (Model, tea.Cmd) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		m.showHelp = !m.showHelp
		return m, nil
	case "/new":
		return m.newSession()
	case "/sessions":
		return m, m.loadSessionsCmd()
	case "/provider":
		return m.toggleProvider()
	case "/models":
		if m.menus == nil {
			return m, m.setStatus("model menus unavailable")
		}
		return m, m.setStatus(menuLine("openrouter", m.menus.Models()))
	case "/gemini":
		if arg == "" {
			if m.menus == nil {
				return m, m.setStatus("usage: /gemini <model-id>")
			}
			return m, m.setStatus(menuLine("gemini", m.menus.GeminiModels()))
		}
		m.orch.SetProvider(provider.KindGemini)
		m.orch.SetGeminiModel(arg)
		return m, m.setStatus("gemini model: " + arg)
	case "/attach":
		return m.attachImage(arg)
	case "/export":
		return m, m.exportCmd()
	case "/rename":
		if arg == "" {
			return m, m.setStatus("usage: /rename <title>")
		}
		if err := m.store.RenameSession(context.Background(), m.session.ID, arg); err != nil {
			return m, m.setStatus(fmt.Sprintf("rename: %v", err))
		}
		m.session.Title = arg
		return m, m.setStatus("renamed")
	case "/clear":
		m.conv.Clear()
		m.refreshTranscript()
		return m, nil
	case "/quit":
		m.saveCurrent()
		m.orch.Shutdown()
		return m, tea.Quit
	default:
		return m, m.setStatus("unknown command: " + cmd)
	}
}

// menuLine formats a model menu for the status bar.
func menuLine(label string, menu []remoteconfig.ModelDescriptor) string {
	if len(menu) == 0 {
		return label + " menu: not loaded"
	}
	ids := make([]string, 0, len(menu))
	for _, d := range menu {
		ids = append(ids, d.APIModel)
	}
	return label + " menu: " + strings.Join(ids, "  ")
}

func (m Model) attachImage(path string) (Model, tea.Cmd) {
	if path == "" {
		return m, m.setStatus("usage: /attach <image-path>")
	}

	mime, ok := imageMIMETypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return m, m.setStatus("unsupported image type: " + filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m, m.setStatus(fmt.Sprintf("attach: %v", err))
	}

	m.pendingImage = &model.Attachment{MIMEType: mime, Data: data}
	m.pendingImageName = filepath.Base(path)
	return m, m.setStatus("attached " + m.pendingImageName)
}

// =============================================================================
// STREAM EVENTS
// =============================================================================

func (m Model) handleEvent(e orchestrator.Event) (Model, tea.Cmd) {
	switch ev := e.(type) {
	case orchestrator.StreamStarted:
		m.streaming = true
		m.buffer.Reset()
		m.refreshTranscript()
		return m, tea.Batch(m.spinner.Tick, streamTickCmd())

	case orchestrator.StreamToken:
		m.buffer.Write(ev.Text)
		return m, nil

	case orchestrator.StreamCompleted, orchestrator.StreamStopped:
		m.streaming = false
		m.buffer.ForceFlush()
		m.refreshTranscript()
		return m, nil

	case orchestrator.StreamFailed:
		m.streaming = false
		m.buffer.Reset()
		m.refreshTranscript()
		return m, nil
	}
	return m, nil
}

// =============================================================================
// SESSION AND PROVIDER ACTIONS
// =============================================================================

func (m Model) toggleProvider() (Model, tea.Cmd) {
	next := provider.KindGemini
	if m.orch.ActiveProvider() == provider.KindGemini {
		next = provider.KindOpenRouter
	}
	m.orch.SetProvider(next)
	m.session.Provider = string(next)
	m.notifySessionChange()
	if err := m.store.SetSessionProvider(context.Background(), m.session.ID, string(next)); err != nil {
		return m, m.setStatus(fmt.Sprintf("provider: %v", err))
	}
	return m, m.setStatus("provider: " + string(next))
}

func (m Model) newSession() (Model, tea.Cmd) {
	m.saveCurrent()
	meta, err := m.store.CreateSession(context.Background(), string(m.orch.ActiveProvider()))
	if err != nil {
		return m, m.setStatus(fmt.Sprintf("new session: %v", err))
	}
	m.session = meta
	m.conv.Clear()
	m.mode = modeChat
	m.notifySessionChange()
	m.refreshTranscript()
	return m, m.setStatus("new session")
}

// saveCurrent persists the active conversation. Failures are swallowed; the
// chat keeps working without persistence.
func (m *Model) saveCurrent() {
	if m.session.ID == "" {
		return
	}
	_ = m.store.SaveMessages(context.Background(), m.session.ID, m.conv.Snapshot())
}

func (m *Model) notifySessionChange() {
	if m.onSessionChange != nil {
		m.onSessionChange(m.session)
	}
}

func (m Model) loadSessionsCmd() tea.Cmd {
	store := m.store
	return func() tea.Msg {
		sessions, err := store.ListSessions(context.Background())
		return sessionsLoadedMsg{sessions: sessions, err: err}
	}
}

func (m Model) openSessionCmd(meta storage.SessionMeta) tea.Cmd {
	store, conv := m.store, m.conv
	return func() tea.Msg {
		messages, err := store.LoadMessages(context.Background(), meta.ID)
		if err != nil {
			return sessionOpenedMsg{err: err}
		}
		conv.Replace(messages)
		return sessionOpenedMsg{meta: meta}
	}
}

func (m Model) exportCmd() tea.Cmd {
	store, session := m.store, m.session
	m.saveCurrent()
	return func() tea.Msg {
		home, err := os.UserHomeDir()
		if err != nil {
			return exportDoneMsg{err: err}
		}
		path := filepath.Join(home, ".markvii", "exports", session.ID+".md")
		if err := store.ExportMarkdown(context.Background(), session.ID, path); err != nil {
			return exportDoneMsg{err: err}
		}
		return exportDoneMsg{path: path}
	}
}

// =============================================================================
// STATUS LINE
// =============================================================================

func (m *Model) setStatus(text string) tea.Cmd {
	m.status = text
	m.statusSeq++
	seq := m.statusSeq
	return tea.Tick(statusDuration, func(time.Time) tea.Msg {
		return statusClearMsg{seq: seq}
	})
}
