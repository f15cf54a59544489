// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the uniform contract every chat backend
// implements. The orchestrator speaks only this interface; OpenRouter and
// Gemini adapt their wire protocols behind it.
package provider

import "context"

// =============================================================================
// PROVIDER IDENTITY
// =============================================================================

// Kind identifies a chat backend.
type Kind string

const (
	KindOpenRouter Kind = "openrouter"
	KindGemini     Kind = "gemini"
)

// String returns the string form of the kind.
func (k Kind) String() string {
	return string(k)
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Turn is one prior exchange replayed as context.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// ImageAttachment is an optional image sent with a prompt.
type ImageAttachment struct {
	MIMEType string
	Data     []byte
}

// Request describes a single completion request.
type Request struct {
	Model   string
	Prompt  string
	History []Turn
	Image   *ImageAttachment
}

// ChunkFunc receives incremental response text. It is called from the
// adapter's goroutine; implementations must be safe for that.
type ChunkFunc func(text string)

// =============================================================================
// ADAPTER INTERFACE
// =============================================================================

// Adapter is a chat backend. Send streams the response through onChunk and
// returns the complete accumulated text. Errors are classified chaterr
// errors; a mid-stream failure after at least one chunk returns the partial
// text with a nil error.
type Adapter interface {
	Kind() Kind
	Send(ctx context.Context, req Request, onChunk ChunkFunc) (string, error)
}
