package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const defaultCookieIssuer = "timekeeper"

var (
	ErrMissingSigningSecret = errors.New("cookie signer: signing secret required")
	ErrMissingSessionToken  = errors.New("auth: session token required")
	ErrInvalidSessionToken  = errors.New("auth: invalid session cookie")
	ErrInvalidSession       = errors.New("auth: session not found")
)

// cookieClaims is the signed envelope carried in the session cookie.
// No expiry is set: a session stays valid until it is deleted at logout.
type cookieClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// CookieSignerConfig describes how session cookies are signed.
type CookieSignerConfig struct {
	SigningSecret []byte
	Issuer        string
}

// CookieSigner wraps opaque session tokens in HS256 JWTs so forged cookies are
// rejected without a store lookup.
type CookieSigner struct {
	signingSecret []byte
	issuer        string
}

// NewCookieSigner constructs a signer with the provided configuration.
func NewCookieSigner(cfg CookieSignerConfig) (*CookieSigner, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultCookieIssuer
	}
	return &CookieSigner{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
	}, nil
}

// Sign produces the cookie value for a session token.
func (s *CookieSigner) Sign(sessionToken string) (string, error) {
	if strings.TrimSpace(sessionToken) == "" {
		return "", ErrMissingSessionToken
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{
		SessionID: sessionToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: s.issuer,
		},
	})
	return token.SignedString(s.signingSecret)
}

// Verify validates a cookie value and returns the session token it carries.
func (s *CookieSigner) Verify(cookieValue string) (string, error) {
	value := strings.TrimSpace(cookieValue)
	if value == "" {
		return "", ErrMissingSessionToken
	}

	claims := &cookieClaims{}
	parsed, err := jwt.ParseWithClaims(
		value,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.SessionID) == "" {
		return "", ErrInvalidSessionToken
	}
	return claims.SessionID, nil
}
