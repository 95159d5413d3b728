package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/users"
)

// UserFinder resolves user identifiers to accounts.
type UserFinder interface {
	FindByID(ctx context.Context, userID string) (users.User, error)
}

// AuthenticatorConfig wires the session authenticator.
type AuthenticatorConfig struct {
	Sessions   *SessionStore
	Users      UserFinder
	Signer     *CookieSigner
	CookieName string
}

// Authenticator maps session cookies to users.
type Authenticator struct {
	sessions   *SessionStore
	users      UserFinder
	signer     *CookieSigner
	cookieName string
}

// NewAuthenticator validates the configuration and builds an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("auth: session store required")
	}
	if cfg.Users == nil {
		return nil, errors.New("auth: user finder required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("auth: cookie signer required")
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, errors.New("auth: cookie name required")
	}
	return &Authenticator{
		sessions:   cfg.Sessions,
		users:      cfg.Users,
		signer:     cfg.Signer,
		cookieName: cookieName,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (a *Authenticator) CookieName() string {
	return a.cookieName
}

// Login opens a session for user and returns the signed cookie value.
func (a *Authenticator) Login(ctx context.Context, user users.User) (string, error) {
	session, err := a.sessions.Create(ctx, user.ID)
	if err != nil {
		return "", err
	}
	value, err := a.signer.Sign(session.Token)
	if err != nil {
		return "", fmt.Errorf("auth: sign session cookie: %w", err)
	}
	return value, nil
}

// Logout deletes the session carried by cookieValue and returns it, so callers can
// release resources bound to that session. An unknown or forged cookie yields ErrInvalidSession.
func (a *Authenticator) Logout(ctx context.Context, cookieValue string) (Session, error) {
	token, err := a.signer.Verify(cookieValue)
	if err != nil {
		return Session{}, err
	}
	session, err := a.sessions.Lookup(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if err := a.sessions.Delete(ctx, token); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Resolve maps a cookie value to its user.
func (a *Authenticator) Resolve(ctx context.Context, cookieValue string) (users.User, error) {
	user, _, err := a.ResolveSession(ctx, cookieValue)
	return user, err
}

// ResolveSession maps a cookie value to its user and the session it belongs to.
func (a *Authenticator) ResolveSession(ctx context.Context, cookieValue string) (users.User, Session, error) {
	token, err := a.signer.Verify(cookieValue)
	if err != nil {
		return users.User{}, Session{}, err
	}
	session, err := a.sessions.Lookup(ctx, token)
	if err != nil {
		return users.User{}, Session{}, err
	}
	user, err := a.users.FindByID(ctx, session.UserID)
	if errors.Is(err, users.ErrUserNotFound) {
		return users.User{}, Session{}, ErrInvalidSession
	}
	if err != nil {
		return users.User{}, Session{}, err
	}
	return user, session, nil
}

// ResolveRequest extracts the configured cookie from the request and resolves it.
// A request without the cookie yields ErrMissingSessionToken.
func (a *Authenticator) ResolveRequest(r *http.Request) (users.User, error) {
	user, _, err := a.ResolveRequestSession(r)
	return user, err
}

// ResolveRequestSession is ResolveRequest that also returns the resolved session.
func (a *Authenticator) ResolveRequestSession(r *http.Request) (users.User, Session, error) {
	if r == nil {
		return users.User{}, Session{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return users.User{}, Session{}, ErrMissingSessionToken
	}
	return a.ResolveSession(r.Context(), cookie.Value)
}

// IsAnonymous reports whether err means "no usable session" rather than a store failure.
func IsAnonymous(err error) bool {
	return errors.Is(err, ErrMissingSessionToken) ||
		errors.Is(err, ErrInvalidSessionToken) ||
		errors.Is(err, ErrInvalidSession)
}
