package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrMissingCredentials indicates the username or password was empty.
	ErrMissingCredentials = errors.New("users: username and password are required")
	// ErrUsernameTaken indicates the requested username already belongs to an account.
	ErrUsernameTaken = errors.New("users: username already exists")
	// ErrInvalidCredentials indicates an unknown username or a password mismatch.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates no account exists for the requested identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	BcryptCost int
	NewID      func() (string, error)
	Logger     *zap.Logger
}

// Service manages user accounts and password verification.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	bcryptCost int
	newID      func() (string, error)
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newUUIDv7
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		bcryptCost: cost,
		newID:      newID,
		logger:     logger,
	}, nil
}

// Signup creates a new account with a bcrypt-hashed password.
func (s *Service) Signup(ctx context.Context, username, password string) (User, error) {
	username = normalize(username)
	if username == "" || password == "" {
		return User{}, ErrMissingCredentials
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&existing).Error; err != nil {
		return User{}, fmt.Errorf("users: lookup username: %w", err)
	}
	if existing > 0 {
		return User{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	id, err := s.newID()
	if err != nil {
		return User{}, fmt.Errorf("users: generate id: %w", err)
	}

	user := User{
		ID:           id,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAtMs:  s.now().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("users: create user: %w", err)
	}

	s.logger.Info("user signed up", zap.String("user_id", user.ID), zap.String("username", user.Username))
	s.cache.Store(user.ID, user)
	return user, nil
}

// Authenticate verifies the password for username and returns the matching account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = normalize(username)
	if username == "" || password == "" {
		return User{}, ErrMissingCredentials
	}

	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("users: lookup username: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("users: compare password: %w", err)
	}

	s.cache.Store(user.ID, user)
	return user, nil
}

// FindByID returns the account for the provided identifier.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	userID = normalize(userID)
	if userID == "" {
		return User{}, ErrUserNotFound
	}
	if cached, ok := s.cache.Load(userID); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: lookup id: %w", err)
	}

	s.cache.Store(user.ID, user)
	return user, nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
