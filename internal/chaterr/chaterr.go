// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chaterr defines the error taxonomy shared by all chat providers.
//
// Every failure that reaches the conversation surfaces as a single-string
// payload of the form "CODE|detail". The code drives retry decisions and
// user-facing rendering; the detail is free text for display only.
package chaterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// =============================================================================
// ERROR CODES
// =============================================================================

// Code identifies a failure category.
type Code string

const (
	// HTTP status mappings
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeContentFlagged      Code = "CONTENT_FLAGGED"
	CodeModelNotFound       Code = "MODEL_NOT_FOUND"
	CodeRequestTimeout      Code = "REQUEST_TIMEOUT"
	CodeModelDown           Code = "MODEL_DOWN"
	CodeNoProvider          Code = "NO_PROVIDER"
	CodeHTTPError           Code = "HTTP_ERROR"

	// Transport failures
	CodeTimeout          Code = "TIMEOUT"
	CodeNoInternet       Code = "NO_INTERNET"
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	CodeNetworkError     Code = "NETWORK_ERROR"

	// Gemini SDK failures
	CodeAPIKeyInvalid  Code = "API_KEY_INVALID"
	CodeQuotaExceeded  Code = "QUOTA_EXCEEDED"
	CodeContentBlocked Code = "CONTENT_BLOCKED"
	CodeGeminiError    Code = "GEMINI_ERROR"

	// Local failures
	CodeAPIKeyMissing Code = "API_KEY_MISSING"
	CodeUnknown       Code = "UNKNOWN_ERROR"
)

// String returns the wire form of the code.
func (c Code) String() string {
	return string(c)
}

// Retryable reports whether a failure with this code may be retried with a
// different model. Only MODEL_NOT_FOUND (HTTP 404/429 from the provider)
// qualifies; everything else is terminal for the attempt.
func (c Code) Retryable() bool {
	return c == CodeModelNotFound
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is a classified chat failure.
type Error struct {
	Code   Code
	Detail string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is comparison against another *Error by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Payload returns the "CODE|detail" wire form stored in error messages.
func (e *Error) Payload() string {
	return string(e.Code) + "|" + e.Detail
}

// New creates a classified error with a detail string.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap creates a classified error that preserves the underlying cause.
func Wrap(code Code, detail string, cause error) *Error {
	return &Error{Code: code, Detail: detail, Cause: cause}
}

// FromPayload parses a "CODE|detail" payload. A payload without a separator
// is treated as an unknown error with the whole string as detail.
func FromPayload(payload string) *Error {
	code, detail, ok := strings.Cut(payload, "|")
	if !ok {
		return &Error{Code: CodeUnknown, Detail: payload}
	}
	return &Error{Code: Code(code), Detail: detail}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps an arbitrary error to a classified *Error.
//
// Precedence: already-classified errors pass through unchanged, then
// transport errors, then everything else becomes UNKNOWN_ERROR. HTTP status
// classification happens at the provider via ClassifyHTTP because the status
// code is not recoverable from a generic error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	if te := classifyTransport(err); te != nil {
		return te
	}

	return Wrap(CodeUnknown, err.Error(), err)
}

// ClassifyHTTP maps an HTTP status code from a provider to a classified
// error. The message is carried as the detail.
func ClassifyHTTP(status int, message string) *Error {
	var code Code
	switch status {
	case http.StatusBadRequest:
		code = CodeBadRequest
	case http.StatusUnauthorized:
		code = CodeUnauthorized
	case http.StatusPaymentRequired:
		code = CodeInsufficientCredits
	case http.StatusForbidden:
		code = CodeContentFlagged
	case http.StatusNotFound, http.StatusTooManyRequests:
		// 429 is grouped with 404: for free-tier models both mean "this
		// model cannot serve the request right now, pick another one".
		code = CodeModelNotFound
	case http.StatusRequestTimeout:
		code = CodeRequestTimeout
	case http.StatusBadGateway:
		code = CodeModelDown
	case http.StatusServiceUnavailable:
		code = CodeNoProvider
	default:
		code = CodeHTTPError
	}

	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}
	return New(code, message)
}

// classifyTransport maps network-level errors to transport codes.
func classifyTransport(err error) *Error {
	// Context timeouts are socket-timeout equivalents.
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, "request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(CodeTimeout, "request timed out", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(CodeNoInternet, "no internet connection", err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Wrap(CodeConnectionFailed, "connection failed", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(CodeNetworkError, "network error", err)
	}

	return nil
}

// ClassifyGemini maps Gemini SDK errors by message sniffing, matching the
// SDK's unstructured error strings.
func ClassifyGemini(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key"):
		return Wrap(CodeAPIKeyInvalid, "invalid API key", err)
	case strings.Contains(msg, "quota"):
		return Wrap(CodeQuotaExceeded, "quota exceeded", err)
	case strings.Contains(msg, "safety"):
		return Wrap(CodeContentBlocked, "content blocked by safety filters", err)
	case strings.Contains(msg, "network"):
		return Wrap(CodeNetworkError, "network error", err)
	default:
		return Wrap(CodeGeminiError, err.Error(), err)
	}
}

// IsTimeout reports whether the error is a timeout for catalog retry
// purposes: a classified TIMEOUT/REQUEST_TIMEOUT, a net.Error timeout, or
// an error whose message mentions a timeout (transport errors often arrive
// wrapped with the original text intact).
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.Code == CodeTimeout || ce.Code == CodeRequestTimeout {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timed out")
}
