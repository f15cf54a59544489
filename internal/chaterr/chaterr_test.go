// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chaterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestPayloadRoundTrip(t *testing.T) {
	e := New(CodeModelNotFound, "model unavailable: foo/bar")
	payload := e.Payload()

	parsed := FromPayload(payload)
	if parsed.Code != CodeModelNotFound {
		t.Errorf("code = %s, want MODEL_NOT_FOUND", parsed.Code)
	}
	if parsed.Detail != "model unavailable: foo/bar" {
		t.Errorf("detail = %q", parsed.Detail)
	}
}

func TestFromPayloadSplitsOnFirstSeparator(t *testing.T) {
	parsed := FromPayload("HTTP_ERROR|status 500 | internal")
	if parsed.Code != CodeHTTPError {
		t.Errorf("code = %s", parsed.Code)
	}
	if parsed.Detail != "status 500 | internal" {
		t.Errorf("detail = %q, want pipe preserved in detail", parsed.Detail)
	}
}

func TestFromPayloadNoSeparator(t *testing.T) {
	parsed := FromPayload("something went wrong")
	if parsed.Code != CodeUnknown {
		t.Errorf("code = %s, want UNKNOWN_ERROR", parsed.Code)
	}
	if parsed.Detail != "something went wrong" {
		t.Errorf("detail = %q", parsed.Detail)
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		want   Code
	}{
		{400, CodeBadRequest},
		{401, CodeUnauthorized},
		{402, CodeInsufficientCredits},
		{403, CodeContentFlagged},
		{404, CodeModelNotFound},
		{408, CodeRequestTimeout},
		{429, CodeModelNotFound},
		{502, CodeModelDown},
		{503, CodeNoProvider},
		{500, CodeHTTPError},
		{418, CodeHTTPError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			got := ClassifyHTTP(tt.status, "boom")
			if got.Code != tt.want {
				t.Errorf("ClassifyHTTP(%d) = %s, want %s", tt.status, got.Code, tt.want)
			}
		})
	}
}

func TestClassifyPassThrough(t *testing.T) {
	orig := New(CodeContentFlagged, "moderation")
	wrapped := fmt.Errorf("send failed: %w", orig)

	got := Classify(wrapped)
	if got.Code != CodeContentFlagged {
		t.Errorf("classified code = %s, want pass-through CONTENT_FLAGGED", got.Code)
	}
}

func TestClassifyTransport(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "openrouter.ai"}
	if got := Classify(dnsErr); got.Code != CodeNoInternet {
		t.Errorf("DNS error = %s, want NO_INTERNET", got.Code)
	}

	if got := Classify(context.DeadlineExceeded); got.Code != CodeTimeout {
		t.Errorf("deadline = %s, want TIMEOUT", got.Code)
	}

	opErr := &net.OpError{Op: "read", Err: errors.New("broken pipe")}
	if got := Classify(opErr); got.Code != CodeNetworkError {
		t.Errorf("op error = %s, want NETWORK_ERROR", got.Code)
	}
}

func TestClassifyUnknown(t *testing.T) {
	got := Classify(errors.New("mystery"))
	if got.Code != CodeUnknown {
		t.Errorf("code = %s, want UNKNOWN_ERROR", got.Code)
	}
	if got.Detail != "mystery" {
		t.Errorf("detail = %q", got.Detail)
	}
}

func TestClassifyGemini(t *testing.T) {
	tests := []struct {
		msg  string
		want Code
	}{
		{"googleapi: API key not valid", CodeAPIKeyInvalid},
		{"quota exceeded for project", CodeQuotaExceeded},
		{"blocked due to SAFETY settings", CodeContentBlocked},
		{"network unreachable", CodeNetworkError},
		{"internal generation failure", CodeGeminiError},
	}

	for _, tt := range tests {
		got := ClassifyGemini(errors.New(tt.msg))
		if got.Code != tt.want {
			t.Errorf("ClassifyGemini(%q) = %s, want %s", tt.msg, got.Code, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !CodeModelNotFound.Retryable() {
		t.Error("MODEL_NOT_FOUND should be retryable")
	}
	for _, c := range []Code{CodeBadRequest, CodeTimeout, CodeModelDown, CodeUnknown, CodeGeminiError} {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(New(CodeRequestTimeout, "HTTP 408")) {
		t.Error("REQUEST_TIMEOUT should classify as timeout")
	}
	if !IsTimeout(errors.New("read tcp: connection timed out")) {
		t.Error("message sniffing should classify as timeout")
	}
	if IsTimeout(errors.New("connection refused")) {
		t.Error("refused connection is not a timeout")
	}
}

func TestErrorIs(t *testing.T) {
	a := New(CodeModelDown, "502 from upstream")
	b := New(CodeModelDown, "different detail")
	if !errors.Is(a, b) {
		t.Error("errors with the same code should match")
	}
}
