// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file renders the transcript, input area, status bar, and the session
// picker overlay.
package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/ui/styles"
	"github.com/jeranaias/markvii-tui/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	inputHeight := m.textarea.Height() + 2 // frame
	chromeHeight := 1 + 1 + inputHeight    // header + status
	vpHeight := height - chromeHeight
	if vpHeight < 3 {
		vpHeight = 3
	}

	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}

	m.textarea.SetWidth(width - 4)
	m.newRenderer(width - 2)
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// refreshTranscript rebuilds the viewport content from the conversation.
func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}

	atBottom := m.viewport.AtBottom()

	var sb strings.Builder
	for _, msg := range m.conv.Snapshot() {
		sb.WriteString(m.renderMessage(msg))
		if !m.cfg.UI.CompactMode {
			sb.WriteString("\n")
		}
	}

	m.viewport.SetContent(sb.String())
	if atBottom || m.streaming {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderMessage(msg model.Message) string {
	var sb strings.Builder

	switch {
	case msg.IsError:
		ce := chaterr.FromPayload(msg.Content)
		sb.WriteString(styles.ErrorMessage.Render(friendlyError(ce)))
		sb.WriteString("\n")

	case msg.Role == model.RoleUser:
		sb.WriteString(styles.UserLabel.Render("You"))
		if msg.Image != nil {
			sb.WriteString(" " + styles.AttachmentNote.Render("[image attached]"))
		}
		sb.WriteString("\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")

	default:
		sb.WriteString(styles.AssistantLabel.Render("Assistant"))
		if m.cfg.UI.ShowModel && msg.Model != "" {
			sb.WriteString(" " + styles.ModelAttribution.Render(msg.Model))
		}
		sb.WriteString("\n")
		if msg.IsStreaming {
			sb.WriteString(msg.Content)
			sb.WriteString(" " + styles.StreamingIndicator.Render(m.spinner.View()))
			sb.WriteString("\n")
		} else {
			sb.WriteString(strings.TrimRight(m.renderMarkdown(msg.Content), "\n"))
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// friendlyError translates a classified payload into a user-facing line.
func friendlyError(ce *chaterr.Error) string {
	var text string
	switch ce.Code {
	case chaterr.CodeAPIKeyMissing:
		text = "No API key configured. Set one with MARKVII_OPENROUTER_KEY or in config.toml."
	case chaterr.CodeAPIKeyInvalid, chaterr.CodeUnauthorized:
		text = "The API key was rejected. Check your credentials."
	case chaterr.CodeInsufficientCredits:
		text = "Out of credits for this provider."
	case chaterr.CodeModelNotFound:
		text = "The model is unavailable right now. Try again."
	case chaterr.CodeContentFlagged, chaterr.CodeContentBlocked:
		text = "The request was blocked by the provider's content filters."
	case chaterr.CodeQuotaExceeded:
		text = "Provider quota exceeded. Try again later."
	case chaterr.CodeTimeout, chaterr.CodeRequestTimeout:
		text = "The request timed out."
	case chaterr.CodeNoInternet, chaterr.CodeConnectionFailed, chaterr.CodeNetworkError:
		text = "Network trouble. Check your connection."
	case chaterr.CodeModelDown, chaterr.CodeNoProvider:
		text = "The provider is having trouble upstream. Try again."
	case chaterr.CodeGeminiError:
		text = "Gemini returned an error."
	default:
		text = "Something went wrong."
	}
	if ce.Detail != "" {
		text += "\n" + util.TruncateRunes(ce.Detail, 120)
	}
	return text
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the full chat interface.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}
	if m.mode == modeSessions {
		return m.viewSessions()
	}

	header := m.viewHeader()
	input := styles.InputFrame.Width(m.width - 2).Render(m.textarea.View())
	status := m.viewStatus()

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		input,
		status,
	)
}

func (m Model) viewHeader() string {
	title := styles.SessionTitle.Render(m.session.Title)
	prov := styles.StatusProvider.Render(string(m.orch.ActiveProvider()))
	return lipgloss.JoinHorizontal(lipgloss.Top, title, styles.HelpText.Render("  |  "), prov)
}

func (m Model) viewStatus() string {
	if m.showHelp {
		return styles.HelpText.Render(m.helpLine())
	}
	if m.status != "" {
		return styles.StatusBar.Render(m.status)
	}

	parts := []string{"Enter send", "Esc stop", "C-p provider", "C-s sessions", "? help"}
	if m.pendingImageName != "" {
		parts = append([]string{"[" + m.pendingImageName + "]"}, parts...)
	}
	return styles.HelpText.Render(strings.Join(parts, "  "))
}

func (m Model) helpLine() string {
	var parts []string
	for _, group := range m.keys.FullHelp() {
		for _, b := range group {
			parts = append(parts, fmt.Sprintf("%s %s", b.Help().Key, b.Help().Desc))
		}
	}
	parts = append(parts, "/attach <img>", "/models", "/gemini [model]", "/rename <title>", "/export")
	return strings.Join(parts, "  ")
}

// =============================================================================
// SESSION PICKER
// =============================================================================

func (m Model) viewSessions() string {
	var sb strings.Builder
	sb.WriteString(styles.SessionTitle.Render("Sessions"))
	sb.WriteString("\n\n")

	if len(m.sessions) == 0 {
		sb.WriteString(styles.SessionRow.Render("no saved sessions"))
		sb.WriteString("\n")
	}

	for i, s := range m.sessions {
		line := fmt.Sprintf("%-40s  %3d msgs  %s  %s",
			util.TruncateWidth(s.Title, 40),
			s.MessageCount,
			s.Provider,
			s.UpdatedAt.Format("Jan 02 15:04"))

		if i == m.sessionCursor {
			sb.WriteString(styles.SessionSelected.Render("> " + line))
		} else {
			sb.WriteString(styles.SessionRow.Render("  " + line))
		}
		if s.ID == m.session.ID {
			sb.WriteString(styles.StatusProvider.Render("  (current)"))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(styles.HelpText.Render("enter open  d delete  esc back"))
	return sb.String()
}
