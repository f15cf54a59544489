// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment is an image attached to a user message.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// An assistant message starts life as a streaming placeholder: content
// accumulates append-only until the stream finalizes. An error message is
// assistant-authored, carries a "CODE|detail" payload in Content, and is
// never streaming.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	Content string `json:"content"`

	// Model is the identifier of the model that produced an assistant
	// message, empty for user messages.
	Model string `json:"model,omitempty"`

	IsError bool        `json:"is_error,omitempty"`
	Image   *Attachment `json:"image,omitempty"`

	// Streaming state (not persisted).
	// PERFORMANCE: strings.Builder avoids quadratic allocations while
	// tokens accumulate.
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewUserMessage creates a user message, optionally with an image.
func NewUserMessage(content string, image *Attachment) *Message {
	return &Message{
		ID:        generateID(),
		Role:      RoleUser,
		Content:   content,
		Image:     image,
		Timestamp: time.Now(),
	}
}

// NewPlaceholder creates a streaming assistant message for the given model.
func NewPlaceholder(modelID string) *Message {
	return &Message{
		ID:          generateID(),
		Role:        RoleAssistant,
		Model:       modelID,
		IsStreaming: true,
		Timestamp:   time.Now(),
	}
}

// NewErrorMessage creates an assistant-authored error message carrying a
// classified payload.
func NewErrorMessage(payload string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      RoleAssistant,
		Content:   payload,
		IsError:   true,
		Timestamp: time.Now(),
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends streamed text. No-op once finalized.
func (m *Message) AppendToken(token string) {
	if m.IsStreaming {
		m.streamContent.WriteString(token)
	}
}

// FinalizeStream merges accumulated text into Content and clears the
// streaming flag. Safe to call more than once.
func (m *Message) FinalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// DisplayContent returns the content to render, streamed or final.
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// IsEmpty returns true if the message has no content yet.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// Preview returns a rune-safe truncated preview of the content.
func (m *Message) Preview(maxLen int) string {
	content := m.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// clone returns a copy safe to hand outside the store. The stream builder
// is flattened into Content so readers never share mutable state.
func (m *Message) clone() Message {
	c := Message{
		ID:          m.ID,
		Role:        m.Role,
		Timestamp:   m.Timestamp,
		Content:     m.DisplayContent(),
		Model:       m.Model,
		IsError:     m.IsError,
		IsStreaming: m.IsStreaming,
	}
	if m.Image != nil {
		img := Attachment{MIMEType: m.Image.MIMEType, Data: append([]byte(nil), m.Image.Data...)}
		c.Image = &img
	}
	return c
}

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}
