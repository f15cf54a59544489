// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/markvii-tui/internal/model"
	"github.com/jeranaias/markvii-tui/internal/util"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrSessionNotFound = errors.New("session not found")
)

const (
	// DefaultTitle labels sessions until the first prompt arrives.
	DefaultTitle = "New chat"

	// autoTitleMaxRunes caps titles derived from the first prompt.
	autoTitleMaxRunes = 50
)

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionMeta describes a stored session for list views.
type SessionMeta struct {
	ID           string
	Title        string
	Provider     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// Store persists chat sessions in a local sqlite database. All sessions are
// namespaced by user ID.
type Store struct {
	db     *sql.DB
	userID string
}

// Open opens (creating if needed) the session database at path.
func Open(path, userID string) (*Store, error) {
	if userID == "" {
		userID = "default"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &Store{db: db, userID: userID}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SESSION CRUD
// =============================================================================

// CreateSession creates an empty session and returns its metadata.
func (s *Store) CreateSession(ctx context.Context, provider string) (SessionMeta, error) {
	now := time.Now()
	meta := SessionMeta{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, provider, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		meta.ID, s.userID, meta.Title, meta.Provider, now.Unix(), now.Unix())
	if err != nil {
		return SessionMeta{}, fmt.Errorf("failed to create session: %w", err)
	}
	return meta, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.title, s.provider, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s
		 WHERE s.user_id = ?
		 ORDER BY s.updated_at DESC`,
		s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionMeta
	for rows.Next() {
		var m SessionMeta
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Title, &m.Provider, &created, &updated, &m.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		m.UpdatedAt = time.Unix(updated, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RenameSession sets a session title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().Unix(), id, s.userID)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	return requireRow(res)
}

// SetSessionProvider records the provider answering a session.
func (s *Store) SetSessionProvider(ctx context.Context, id, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET provider = ? WHERE id = ? AND user_id = ?`,
		provider, id, s.userID)
	if err != nil {
		return fmt.Errorf("failed to update session provider: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, id, s.userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// =============================================================================
// MESSAGE PERSISTENCE
// =============================================================================

// SaveMessages replaces a session's stored messages with the given snapshot.
// Still-streaming placeholders are skipped; they have no settled content yet.
// A session still carrying the default title is auto-titled from the first
// user prompt.
func (s *Store) SaveMessages(ctx context.Context, sessionID string, messages []model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	position := 0
	for _, m := range messages {
		if m.IsStreaming {
			continue
		}
		var mime sql.NullString
		var data []byte
		if m.Image != nil {
			mime = sql.NullString{String: m.Image.MIMEType, Valid: true}
			data = m.Image.Data
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, position, role, content, model, is_error, image_mime, image_data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, position, string(m.Role), m.Content, m.Model,
			boolToInt(m.IsError), mime, data, m.Timestamp.Unix()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		position++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ? AND user_id = ?`,
		time.Now().Unix(), sessionID, s.userID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if title := autoTitle(messages); title != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET title = ? WHERE id = ? AND user_id = ? AND title = ?`,
			title, sessionID, s.userID, DefaultTitle); err != nil {
			return fmt.Errorf("failed to auto-title session: %w", err)
		}
	}

	return tx.Commit()
}

// LoadMessages returns a session's messages in order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.role, m.content, m.model, m.is_error, m.image_mime, m.image_data, m.created_at
		 FROM messages m
		 JOIN sessions s ON s.id = m.session_id
		 WHERE m.session_id = ? AND s.user_id = ?
		 ORDER BY m.position`,
		sessionID, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var role string
		var mdl, mime sql.NullString
		var data []byte
		var isError int
		var created int64
		if err := rows.Scan(&m.ID, &role, &m.Content, &mdl, &isError, &mime, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = model.Role(role)
		m.Model = mdl.String
		m.IsError = isError != 0
		m.Timestamp = time.Unix(created, 0)
		if mime.Valid && len(data) > 0 {
			m.Image = &model.Attachment{MIMEType: mime.String, Data: data}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown writes a session transcript as a markdown document.
func (s *Store) ExportMarkdown(ctx context.Context, sessionID, path string) error {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, s.userID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	messages, err := s.LoadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("# " + title + "\n\n")
	for _, m := range messages {
		if m.IsError {
			continue
		}
		sb.WriteString("## " + m.Role.DisplayName())
		if m.Model != "" {
			sb.WriteString(" (" + m.Model + ")")
		}
		sb.WriteString("\n\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}

	// RELIABILITY: Atomic write so a crash never leaves a half-written export
	return util.AtomicWriteFile(path, []byte(sb.String()), 0644)
}

// =============================================================================
// HELPERS
// =============================================================================

// autoTitle derives a session title from the first non-blank user prompt.
func autoTitle(messages []model.Message) string {
	for _, m := range messages {
		if m.Role != model.RoleUser {
			continue
		}
		prompt := strings.TrimSpace(m.Content)
		if prompt == "" {
			continue
		}
		if line, _, found := strings.Cut(prompt, "\n"); found {
			prompt = strings.TrimSpace(line)
		}
		return util.TruncateRunes(prompt, autoTitleMaxRunes)
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
