// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"sync"
)

// =============================================================================
// CONVERSATION STORE
// =============================================================================

// Conversation is the observable message store for one chat session.
//
// All mutation happens under the lock; readers get deep-copied snapshots so
// a render never observes a half-applied append. At most one message is
// streaming at any time.
type Conversation struct {
	mu       sync.RWMutex
	messages []*Message
	changed  chan struct{}
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{
		changed: make(chan struct{}, 1),
	}
}

// Changed returns a channel that receives a coalesced signal after each
// mutation. Consumers re-snapshot on receipt; intermediate states may be
// skipped but the final state is always observable.
func (c *Conversation) Changed() <-chan struct{} {
	return c.changed
}

// notifyLocked signals a change without blocking. Caller holds the lock.
func (c *Conversation) notifyLocked() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// AddUserMessage appends a user message and returns its ID.
func (c *Conversation) AddUserMessage(content string, image *Attachment) string {
	msg := NewUserMessage(content, image)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.notifyLocked()
	return msg.ID
}

// AddPlaceholder appends a streaming assistant placeholder and returns its
// ID. Any previously streaming message is finalized first so the
// one-streaming-message invariant holds.
func (c *Conversation) AddPlaceholder(modelID string) string {
	msg := NewPlaceholder(modelID)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		m.FinalizeStream()
	}
	c.messages = append(c.messages, msg)
	c.notifyLocked()
	return msg.ID
}

// AppendToken appends streamed text to the identified message.
func (c *Conversation) AppendToken(id, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.findLocked(id); m != nil {
		m.AppendToken(token)
		c.notifyLocked()
	}
}

// FinalizeStreaming completes the identified streaming message, merging
// accumulated tokens into its content.
func (c *Conversation) FinalizeStreaming(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.findLocked(id); m != nil {
		m.FinalizeStream()
		c.notifyLocked()
	}
}

// SetModel updates the model attribution of the identified message.
func (c *Conversation) SetModel(id, modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.findLocked(id); m != nil {
		m.Model = modelID
		c.notifyLocked()
	}
}

// Remove deletes the identified message.
func (c *Conversation) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.messages {
		if m.ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			c.notifyLocked()
			return
		}
	}
}

// AddErrorMessage appends an assistant-authored error message carrying a
// "CODE|detail" payload and returns its ID.
func (c *Conversation) AddErrorMessage(payload string) string {
	msg := NewErrorMessage(payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.notifyLocked()
	return msg.ID
}

// Replace swaps the full message list, e.g. when loading a session.
// Incoming messages are stored finalized.
func (c *Conversation) Replace(messages []Message) {
	copied := make([]*Message, 0, len(messages))
	for i := range messages {
		m := messages[i]
		m.IsStreaming = false
		copied = append(copied, &m)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = copied
	c.notifyLocked()
}

// Clear removes all messages.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.notifyLocked()
}

// =============================================================================
// READS
// =============================================================================

// Snapshot returns a deep copy of all messages in chronological order.
func (c *Conversation) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Message, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.clone())
	}
	return out
}

// Len returns the message count.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// FirstUserPrompt returns the first user message content, used for session
// auto-titles.
func (c *Conversation) FirstUserPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

// History returns up to limit prior turns eligible for replay, in
// chronological order. Error and still-streaming messages never qualify.
// When excludeLastAssistant is set the most recent assistant message is
// dropped too, so a retry does not feed the failed answer back as context.
func (c *Conversation) History(limit int, excludeLastAssistant bool) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	skippedAssistant := !excludeLastAssistant
	var reversed []Message
	for i := len(c.messages) - 1; i >= 0 && len(reversed) < limit; i-- {
		m := c.messages[i]
		if m.IsError || m.IsStreaming {
			continue
		}
		if m.Role == RoleAssistant && !skippedAssistant {
			skippedAssistant = true
			continue
		}
		reversed = append(reversed, m.clone())
	}

	// Reverse back to chronological order.
	out := make([]Message, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		out = append(out, reversed[i])
	}
	return out
}

// findLocked returns the message with the given ID. Caller holds the lock.
func (c *Conversation) findLocked(id string) *Message {
	for _, m := range c.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}
