// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file defines the Bubble Tea messages flowing through the chat view.
package chat

import (
	"time"

	"github.com/jeranaias/markvii-tui/internal/orchestrator"
	"github.com/jeranaias/markvii-tui/internal/storage"
)

// =============================================================================
// MESSAGE TYPES
// =============================================================================

// EventMsg carries an orchestrator stream event into the update loop. The
// program wiring forwards orchestrator notifications as this message.
type EventMsg struct {
	Event orchestrator.Event
}

// StreamTickMsg drives frame-rate limited re-rendering while streaming.
type StreamTickMsg struct {
	Time time.Time
}

// statusClearMsg clears an expired status line.
type statusClearMsg struct {
	seq int
}

// sessionsLoadedMsg delivers the session list for the picker.
type sessionsLoadedMsg struct {
	sessions []storage.SessionMeta
	err      error
}

// sessionOpenedMsg delivers a loaded session's state.
type sessionOpenedMsg struct {
	meta storage.SessionMeta
	err  error
}

// exportDoneMsg reports the result of a markdown export.
type exportDoneMsg struct {
	path string
	err  error
}
