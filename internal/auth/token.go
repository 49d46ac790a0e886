// ABOUTME: Boundary to the external auth collaborator: current token and invalidation signal
// ABOUTME: Inspects JWT expiry locally so an expired credential never reaches the handshake

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/support-chat/internal/chat"
)

// Token errors. Both match chat.ErrAuth.
var (
	ErrNoToken      = fmt.Errorf("%w: no token available", chat.ErrAuth)
	ErrExpiredToken = fmt.Errorf("%w: token expired", chat.ErrAuth)
)

// TokenSource is the chat core's view of the auth service. Token returns the
// current bearer credential; Invalidate reports that the server rejected it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// CheckExpiry returns ErrExpiredToken when token is a JWT whose exp claim is not
// after now. The signature is not verified: that is the server's job. Opaque
// (non-JWT) tokens and JWTs without exp are accepted as-is.
func CheckExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.After(now) {
		return ErrExpiredToken
	}
	return nil
}

// Static holds a token handed over by the application. Set installs a fresh
// credential after the user re-authenticated.
type Static struct {
	mu        sync.Mutex
	token     string
	invalid   bool
	onInvalid []func()
	now       func() time.Time
}

// NewStatic creates a source holding token.
func NewStatic(token string) *Static {
	return &Static{token: token, now: time.Now}
}

// Token returns the held token or an auth error when none is usable.
func (s *Static) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" || s.invalid {
		return "", ErrNoToken
	}
	if err := CheckExpiry(s.token, s.now()); err != nil {
		return "", err
	}
	return s.token, nil
}

// Set replaces the token and clears the invalid flag.
func (s *Static) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.invalid = false
}

// OnInvalid registers fn to run whenever the token is invalidated.
func (s *Static) OnInvalid(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalid = append(s.onInvalid, fn)
}

// Invalidate marks the token unusable until Set is called.
func (s *Static) Invalidate() {
	s.mu.Lock()
	s.invalid = true
	hooks := append([]func(){}, s.onInvalid...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// FileSource reads the token from an environment variable, falling back to a
// file, on every call. A token refreshed on disk is picked up without restart.
type FileSource struct {
	EnvVar string
	Path   string

	mu      sync.Mutex
	invalid string // token value that was rejected
	now     func() time.Time
}

// NewFileSource creates a source reading envVar first, then path.
func NewFileSource(envVar, path string) *FileSource {
	return &FileSource{EnvVar: envVar, Path: path, now: time.Now}
}

// DefaultTokenPath returns $XDG_CONFIG_HOME/support-chat/token or ~/.config/support-chat/token.
func DefaultTokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "token"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "support-chat", "token")
}

// Token returns the first non-empty token found that has not been rejected.
func (f *FileSource) Token(_ context.Context) (string, error) {
	token := ""
	if f.EnvVar != "" {
		token = strings.TrimSpace(os.Getenv(f.EnvVar))
	}
	if token == "" && f.Path != "" {
		data, err := os.ReadFile(f.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return "", ErrNoToken
	}

	f.mu.Lock()
	rejected := f.invalid == token
	f.mu.Unlock()
	if rejected {
		return "", ErrNoToken
	}

	if err := CheckExpiry(token, f.now()); err != nil {
		return "", err
	}
	return token, nil
}

// Invalidate remembers the current token as rejected. A different token written
// to the env var or file becomes usable immediately.
func (f *FileSource) Invalidate() {
	token, err := f.Token(context.Background())
	if err != nil {
		return
	}
	f.mu.Lock()
	f.invalid = token
	f.mu.Unlock()
}
