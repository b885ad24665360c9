package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	secretService = "r2d"
	secretAccount = "access_token"
)

var (
	// ErrNoToken is returned when no session token is stored.
	ErrNoToken = errors.New("not signed in")
	// ErrInvalidToken is returned when the stored token cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the decoded fields of an access token that the client uses.
// The signature is checked by the server, never here.
type Claims struct {
	Subject   string
	UserID    string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Lifetime returns the token's total validity window.
func (c Claims) Lifetime() time.Duration {
	if c.IssuedAt.IsZero() || c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// ParseClaims decodes the claims of a JWT without verifying its signature.
func ParseClaims(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var c Claims
	var err error
	if c.Subject, err = mc.GetSubject(); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Issuer, err = mc.GetIssuer(); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c.Audience = []string(aud)

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp == nil {
		return Claims{}, fmt.Errorf("%w: no exp claim", ErrInvalidToken)
	}
	c.ExpiresAt = exp.Time

	iat, err := mc.GetIssuedAt()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if iat != nil {
		c.IssuedAt = iat.Time
	}

	c.UserID = c.Subject
	if uid, ok := mc["user_id"].(string); ok && uid != "" {
		c.UserID = uid
	}
	return c, nil
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TokenStore keeps the bearer token under a single well-known secret.
type TokenStore struct {
	secrets Secrets
	clock   Clock
}

// NewTokenStore creates a TokenStore backed by secrets.
func NewTokenStore(secrets Secrets) *TokenStore {
	return &TokenStore{secrets: secrets, clock: realClock{}}
}

// NewTokenStoreWithClock creates a TokenStore with a custom clock (for testing).
func NewTokenStoreWithClock(secrets Secrets, clock Clock) *TokenStore {
	return &TokenStore{secrets: secrets, clock: clock}
}

// Token returns the stored token or ErrNoToken.
func (s *TokenStore) Token() (string, error) {
	tok, err := s.secrets.Get(secretService, secretAccount)
	if errors.Is(err, ErrSecretNotFound) || (err == nil && tok == "") {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return tok, nil
}

// SetToken stores tok after checking that it decodes.
func (s *TokenStore) SetToken(tok string) error {
	if _, err := ParseClaims(tok); err != nil {
		return err
	}
	if err := s.secrets.Set(secretService, secretAccount, tok); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// ClearToken removes the stored token.
func (s *TokenStore) ClearToken() error {
	if err := s.secrets.Delete(secretService, secretAccount); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	return nil
}

// Claims decodes the stored token.
func (s *TokenStore) Claims() (Claims, error) {
	tok, err := s.Token()
	if err != nil {
		return Claims{}, err
	}
	return ParseClaims(tok)
}

// IsExpired reports whether there is no usable token: none stored, not
// decodable, or past its expiry.
func (s *TokenStore) IsExpired() bool {
	c, err := s.Claims()
	if err != nil {
		return true
	}
	return !s.clock.Now().Before(c.ExpiresAt)
}

// UserID returns the user id carried by the stored token.
func (s *TokenStore) UserID() (string, error) {
	c, err := s.Claims()
	if err != nil {
		return "", err
	}
	if c.UserID == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return c.UserID, nil
}
