// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the chat view component for the TUI.
//
// This file implements streaming optimization for smooth, flicker-free
// rendering while a response streams. The StreamingBuffer batches tokens so
// the transcript re-renders at a capped frame rate instead of once per token.
package chat

import (
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// =============================================================================
// STREAMING BUFFER
// =============================================================================

// StreamingBuffer batches tokens for efficient rendering. Tokens accumulate
// until either the batch size threshold is reached or enough time has passed
// since the last flush.
//
// Thread-safety: all operations are protected by a mutex since streaming
// happens in a goroutine while rendering happens in the main Bubble Tea loop.
type StreamingBuffer struct {
	mu         sync.Mutex
	buffer     strings.Builder
	tokenCount int
	lastFlush  time.Time

	batchSize  int           // Tokens per batch (default: 15)
	minFlushMs time.Duration // Min time between flushes (default: ~33ms for 30fps)
}

// NewStreamingBuffer creates a streaming buffer with default settings:
// 15 tokens per batch, 30fps max.
func NewStreamingBuffer() *StreamingBuffer {
	return NewStreamingBufferWithConfig(15, 30)
}

// NewStreamingBufferWithConfig creates a streaming buffer with custom settings.
func NewStreamingBufferWithConfig(batchSize, maxFPS int) *StreamingBuffer {
	if batchSize <= 0 {
		batchSize = 15
	}
	if maxFPS <= 0 || maxFPS > 60 {
		maxFPS = 30
	}
	return &StreamingBuffer{
		batchSize:  batchSize,
		minFlushMs: time.Duration(1000/maxFPS) * time.Millisecond,
		lastFlush:  time.Now(),
	}
}

// Write adds a token to the buffer. Called from the streaming goroutine.
func (sb *StreamingBuffer) Write(token string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.WriteString(token)
	sb.tokenCount++
}

// Flush returns accumulated content if either threshold has been reached.
// Called from the main Bubble Tea loop.
func (sb *StreamingBuffer) Flush() (string, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len() == 0 || !sb.shouldFlushLocked() {
		return "", false
	}
	return sb.drainLocked(), true
}

// ForceFlush immediately flushes all buffered content regardless of
// thresholds. Use when a stream completes so the final tokens render.
func (sb *StreamingBuffer) ForceFlush() (string, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.buffer.Len() == 0 {
		return "", false
	}
	return sb.drainLocked(), true
}

// Reset clears the buffer without flushing. Use when cancelling a stream.
func (sb *StreamingBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.buffer.Reset()
	sb.tokenCount = 0
	sb.lastFlush = time.Now()
}

// Pending returns the number of tokens waiting to be flushed.
func (sb *StreamingBuffer) Pending() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.tokenCount
}

func (sb *StreamingBuffer) shouldFlushLocked() bool {
	if sb.tokenCount >= sb.batchSize {
		return true
	}
	return time.Since(sb.lastFlush) >= sb.minFlushMs
}

func (sb *StreamingBuffer) drainLocked() string {
	content := sb.buffer.String()
	sb.buffer.Reset()
	sb.tokenCount = 0
	sb.lastFlush = time.Now()
	return content
}

// =============================================================================
// STREAMING TICK COMMAND
// =============================================================================

// streamTickCmd sends StreamTickMsg at 30fps while a response streams.
func streamTickCmd() tea.Cmd {
	return tea.Tick(33*time.Millisecond, func(t time.Time) tea.Msg {
		return StreamTickMsg{Time: t}
	})
}
