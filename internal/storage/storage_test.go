// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/markvii-tui/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), "tester")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if meta.Title != DefaultTitle || meta.ID == "" {
		t.Fatalf("meta = %+v", meta)
	}

	if err := s.RenameSession(ctx, meta.ID, "Research notes"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if err := s.SetSessionProvider(ctx, meta.ID, "gemini"); err != nil {
		t.Fatalf("SetSessionProvider: %v", err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Research notes" || list[0].Provider != "gemini" {
		t.Fatalf("list = %+v", list)
	}

	if err := s.DeleteSession(ctx, meta.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, meta.ID); err != ErrSessionNotFound {
		t.Errorf("second delete = %v, want ErrSessionNotFound", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}

	conv := model.NewConversation()
	conv.AddUserMessage("what is a monad", &model.Attachment{MIMEType: "image/png", Data: []byte{1, 2, 3}})
	id := conv.AddPlaceholder("meta/llama-3:free")
	conv.AppendToken(id, "a monoid in the category of endofunctors")
	conv.FinalizeStreaming(id)
	conv.AddErrorMessage("TIMEOUT|slow model")

	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	loaded, err := s.LoadMessages(ctx, meta.ID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded = %d messages", len(loaded))
	}
	if loaded[0].Role != model.RoleUser || loaded[0].Image == nil || loaded[0].Image.MIMEType != "image/png" {
		t.Errorf("user message = %+v", loaded[0])
	}
	if loaded[1].Content != "a monoid in the category of endofunctors" || loaded[1].Model != "meta/llama-3:free" {
		t.Errorf("assistant message = %+v", loaded[1])
	}
	if !loaded[2].IsError || loaded[2].Content != "TIMEOUT|slow model" {
		t.Errorf("error message = %+v", loaded[2])
	}
}

func TestSaveSkipsStreamingPlaceholders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}

	conv := model.NewConversation()
	conv.AddUserMessage("q", nil)
	conv.AddPlaceholder("m") // still streaming

	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadMessages(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Role != model.RoleUser {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestSaveReplacesPriorSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}

	conv := model.NewConversation()
	conv.AddUserMessage("q1", nil)
	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatal(err)
	}
	conv.AddUserMessage("q2", nil)
	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadMessages(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded = %d messages, want snapshot replaced not appended", len(loaded))
	}
}

func TestAutoTitleFromFirstPrompt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}

	conv := model.NewConversation()
	conv.AddUserMessage("Explain goroutine scheduling\nwith examples please", nil)
	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list[0].Title != "Explain goroutine scheduling" {
		t.Errorf("title = %q", list[0].Title)
	}

	// A user-chosen title is never overwritten.
	if err := s.RenameSession(ctx, meta.ID, "My title"); err != nil {
		t.Fatal(err)
	}
	conv.AddUserMessage("another", nil)
	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatal(err)
	}
	list, _ = s.ListSessions(ctx)
	if list[0].Title != "My title" {
		t.Errorf("title = %q, auto-title clobbered rename", list[0].Title)
	}
}

func TestUserNamespacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	a, err := Open(path, "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	ctx := context.Background()
	if _, err := a.CreateSession(ctx, "openrouter"); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b, err := Open(path, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	list, err := b.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("bob sees %d of alice's sessions", len(list))
	}
}

func TestExportMarkdown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}

	conv := model.NewConversation()
	conv.AddUserMessage("hello", nil)
	id := conv.AddPlaceholder("m/answer:free")
	conv.AppendToken(id, "hi there")
	conv.FinalizeStreaming(id)
	conv.AddErrorMessage("TIMEOUT|slow")
	if err := s.SaveMessages(ctx, meta.ID, conv.Snapshot()); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "export.md")
	if err := s.ExportMarkdown(ctx, meta.ID, out); err != nil {
		t.Fatalf("ExportMarkdown: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "## You") || !strings.Contains(text, "hi there") {
		t.Errorf("export missing content:\n%s", text)
	}
	if strings.Contains(text, "TIMEOUT|slow") {
		t.Error("export should omit error messages")
	}
	if !strings.Contains(text, "m/answer:free") {
		t.Error("export should attribute the answering model")
	}
}

func TestSessionOrderedByRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond) // updated_at has second resolution
	second, err := s.CreateSession(ctx, "openrouter")
	if err != nil {
		t.Fatal(err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("order = %v, %v", list[0].ID, list[1].ID)
	}
}
