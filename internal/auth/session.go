package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session binds an opaque token to a user. Sessions never expire; they live until logout.
type Session struct {
	Token       string `gorm:"column:token;primaryKey;size:64;not null"`
	UserID      string `gorm:"column:user_id;size:64;not null;index"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "sessions"
}

// SessionStoreConfig describes the dependencies of the session store.
type SessionStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewToken func() (string, error)
}

// SessionStore persists login sessions.
type SessionStore struct {
	db       *gorm.DB
	clock    func() time.Time
	newToken func() (string, error)
}

// NewSessionStore constructs a store backed by the provided database.
func NewSessionStore(cfg SessionStoreConfig) (*SessionStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("auth: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newToken := cfg.NewToken
	if newToken == nil {
		newToken = newRandomToken
	}
	return &SessionStore{db: cfg.Database, clock: clock, newToken: newToken}, nil
}

// Create issues a fresh session token for userID.
func (s *SessionStore) Create(ctx context.Context, userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, fmt.Errorf("auth: user id required")
	}
	token, err := s.newToken()
	if err != nil {
		return Session{}, fmt.Errorf("auth: generate session token: %w", err)
	}
	session := Session{
		Token:       token,
		UserID:      userID,
		CreatedAtMs: s.clock().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return Session{}, fmt.Errorf("auth: create session: %w", err)
	}
	return session, nil
}

// Lookup returns the session for token, or ErrInvalidSession when none exists.
func (s *SessionStore) Lookup(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrMissingSessionToken
	}
	var session Session
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrInvalidSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("auth: lookup session: %w", err)
	}
	return session, nil
}

// Delete removes the session for token. Deleting an unknown token is not an error.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	return nil
}

func newRandomToken() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
