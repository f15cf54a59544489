// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import "github.com/jeranaias/markvii-tui/internal/chaterr"

// =============================================================================
// STREAM EVENTS
// =============================================================================

// Event is a notification about a streaming job, delivered to the UI layer
// through the notify callback.
type Event interface {
	isEvent()
}

// StreamStarted fires when a placeholder begins streaming.
type StreamStarted struct {
	MessageID string
	Model     string
	Attempt   int
}

// StreamToken carries one incremental chunk of response text.
type StreamToken struct {
	MessageID string
	Text      string
}

// StreamCompleted fires when a response finishes, including partial
// responses recovered from a dropped connection.
type StreamCompleted struct {
	MessageID string
	Model     string
}

// StreamFailed fires after the final attempt fails. The placeholder has
// been removed and an error message appended by the time it is delivered.
type StreamFailed struct {
	MessageID string
	Err       *chaterr.Error
}

// StreamStopped fires when the user stops generation; the placeholder was
// finalized with whatever content had arrived.
type StreamStopped struct {
	MessageID string
}

func (StreamStarted) isEvent()   {}
func (StreamToken) isEvent()     {}
func (StreamCompleted) isEvent() {}
func (StreamFailed) isEvent()    {}
func (StreamStopped) isEvent()   {}
