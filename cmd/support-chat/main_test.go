// ABOUTME: Tests for the support-chat binary's wiring helpers and command loop
// ABOUTME: Uses an unstarted session so no network is touched

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-chat/internal/api"
	"github.com/2389/support-chat/internal/auth"
	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/config"
	"github.com/2389/support-chat/internal/session"
	"github.com/2389/support-chat/internal/stream"
)

func TestTokenSource(t *testing.T) {
	static := tokenSource(config.AuthConfig{Token: "abc"})
	require.IsType(t, &auth.Static{}, static)
	tok, err := static.Token(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	path := filepath.Join(t.TempDir(), "token")
	file := tokenSource(config.AuthConfig{TokenEnv: "SUPPORT_CHAT_TEST_TOKEN", TokenFile: path})
	require.IsType(t, &auth.FileSource{}, file)
	assert.Equal(t, path, file.(*auth.FileSource).Path)

	fallback := tokenSource(config.AuthConfig{})
	assert.Equal(t, auth.DefaultTokenPath(), fallback.(*auth.FileSource).Path)
}

func TestBanner_FitsTerminal(t *testing.T) {
	rows := strings.Split(strings.Trim(banner, "\n"), "\n")
	require.Len(t, rows, 6)
	for _, row := range rows {
		assert.NotContains(t, row, "\t")
		assert.LessOrEqual(t, len(row), 100)
		assert.Equal(t, strings.TrimRight(row, " "), row, "no trailing spaces")
	}
}

func TestSetupLogger(t *testing.T) {
	assert.True(t, setupLogger("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, setupLogger("warn", "json").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, setupLogger("bogus", "").Enabled(context.Background(), slog.LevelInfo))
}

func newTestREPL(t *testing.T, role chat.Role) (*repl, *bytes.Buffer) {
	t.Helper()
	s := session.New(session.Options{
		Role:   role,
		API:    api.New(api.Options{BaseURL: "http://127.0.0.1:1", Tokens: auth.NewStatic("tok")}),
		Dialer: stream.NewMockDialer(),
		Tokens: auth.NewStatic("tok"),
	})
	t.Cleanup(s.Close)
	var out bytes.Buffer
	return newREPL(s, role, nil, &out), &out
}

func TestHandle_Commands(t *testing.T) {
	r, out := newTestREPL(t, chat.RoleAdmin)

	quit, err := r.handle(t.Context(), "/help")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "/attach <path> [text]")

	_, err = r.handle(t.Context(), "/open")
	assert.ErrorContains(t, err, "usage: /open")

	_, err = r.handle(t.Context(), "/older")
	assert.ErrorContains(t, err, "no conversation open")

	_, err = r.handle(t.Context(), "hello")
	assert.ErrorContains(t, err, "open a conversation first")

	_, err = r.handle(t.Context(), "/bogus")
	assert.ErrorContains(t, err, "unknown command /bogus")

	_, err = r.handle(t.Context(), "/attach "+filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorContains(t, err, "opening attachment")

	quit, err = r.handle(t.Context(), "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestAttachmentText(t *testing.T) {
	assert.Equal(t, "[Image] https://cdn/x.png", attachmentText(chat.Attachment{MimeClass: chat.MimeImage, URL: "https://cdn/x.png"}))
	assert.Equal(t, "[File] notes.pdf", attachmentText(chat.Attachment{MimeClass: chat.MimeFile, Filename: "notes.pdf"}))
}
