// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// CHAT STYLES
// =============================================================================

var (
	// UserLabel styles the "You" header above user messages.
	UserLabel = lipgloss.NewStyle().
			Foreground(Cyan).
			Bold(true)

	// AssistantLabel styles the assistant header above responses.
	AssistantLabel = lipgloss.NewStyle().
			Foreground(Purple).
			Bold(true)

	// ModelAttribution styles the model name shown with a response.
	ModelAttribution = lipgloss.NewStyle().
				Foreground(TextMuted)

	// ErrorMessage styles failed-request notices in the transcript.
	ErrorMessage = lipgloss.NewStyle().
			Foreground(Rose).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Rose).
			Padding(0, 1)

	// StreamingIndicator styles the in-progress marker.
	StreamingIndicator = lipgloss.NewStyle().
				Foreground(Amber)

	// AttachmentNote styles the image-attached marker on user messages.
	AttachmentNote = lipgloss.NewStyle().
			Foreground(TextSecondary).
			Italic(true)
)

// =============================================================================
// CHROME STYLES
// =============================================================================

var (
	// StatusBar styles the bottom status line.
	StatusBar = lipgloss.NewStyle().
			Foreground(TextSecondary)

	// StatusProvider highlights the active provider in the status bar.
	StatusProvider = lipgloss.NewStyle().
			Foreground(Emerald).
			Bold(true)

	// InputFrame surrounds the prompt input area.
	InputFrame = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Overlay).
			Padding(0, 1)

	// SessionTitle styles the active session name in the header.
	SessionTitle = lipgloss.NewStyle().
			Foreground(TextPrimary).
			Bold(true)

	// SessionSelected highlights the focused row in the session picker.
	SessionSelected = lipgloss.NewStyle().
			Foreground(Cyan).
			Bold(true)

	// SessionRow styles unselected session picker rows.
	SessionRow = lipgloss.NewStyle().
			Foreground(TextSecondary)

	// HelpText styles keybinding hints.
	HelpText = lipgloss.NewStyle().
			Foreground(TextMuted)
)
