package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Service issues, validates, and revokes bearer tokens identifying the
// uploading principal. Everything downstream only ever sees the user id.
// Tokens are stored as digests, so a leaked table does not leak sessions.
type Service struct {
	db       *sql.DB
	tokenTTL time.Duration
}

// Cookie and header names the HTTP layer uses for token transport.
const (
	authCookie = "callscribe_auth"
	csrfCookie = "callscribe_csrf"
	authHeader = "Authorization"
	csrfHeader = "X-CSRF-Token"
)

// NewService constructs an auth service with the supplied token lifetime.
func NewService(db *sql.DB, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{db: db, tokenTTL: ttl}
}

// IssueToken mints a random token for the user and persists its digest.
// The raw token exists only in the response to the caller.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		digest(token), userID, now, now.Add(s.tokenTTL),
	)
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// NewCSRFToken returns a random token for double-submit CSRF protection.
// CSRF tokens are never persisted.
func (s *Service) NewCSRFToken() (string, error) {
	return newToken()
}

// ValidateToken resolves a raw bearer token to its user id. Expired
// tokens are purged on sight.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, errors.New("token required")
	}
	key := digest(authToken)
	var userID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, key,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("invalid token")
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, key)
		return 0, errors.New("token expired")
	}
	return userID, nil
}

// RevokeToken invalidates a single raw token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, digest(authToken)); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeUserTokens invalidates every session the user has, everywhere.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string { return authCookie }

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string { return csrfCookie }

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string { return csrfHeader }

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration { return s.tokenTTL }
