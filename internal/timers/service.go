package timers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrTimerNotFound indicates the identifier does not resolve to any timer.
	ErrTimerNotFound = errors.New("timers: timer not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingOwner    = errors.New("owner username is required")
	errInvalidStep     = errors.New("progress step must be positive")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "timers.service.new"
	opCreate          = "timers.create"
	opStop            = "timers.stop"
	opList            = "timers.list"
	opListActive      = "timers.list_active"
	opAdvanceProgress = "timers.advance_progress"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the timer service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewID    func() (string, error)
	Logger   *zap.Logger
}

// Service owns every read and write of persisted timers.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	newID  func() (string, error)
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		newID:  newID,
		logger: logger,
	}, nil
}

// Create starts a new timer for owner with zero progress.
func (s *Service) Create(ctx context.Context, owner, description string) (Timer, error) {
	if s.db == nil {
		return Timer{}, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Timer{}, newServiceError(opCreate, "missing_owner", errMissingOwner)
	}

	id, err := s.newID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("owner", owner))
		return Timer{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	timer := Timer{
		ID:          id,
		Owner:       owner,
		StartMs:     s.clock().UnixMilli(),
		Description: description,
		IsActive:    true,
		ProgressMs:  0,
	}
	if err := s.db.WithContext(ctx).Create(&timer).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("owner", owner))
		return Timer{}, newServiceError(opCreate, "insert_failed", err)
	}
	return timer, nil
}

// Stop marks the timer inactive and stamps its end time and wall-clock duration.
// Stopping an already stopped timer returns it unchanged.
func (s *Service) Stop(ctx context.Context, timerID string) (Timer, error) {
	if s.db == nil {
		return Timer{}, newServiceError(opStop, "missing_database", errMissingDatabase)
	}
	timerID = strings.TrimSpace(timerID)
	if timerID == "" {
		return Timer{}, newServiceError(opStop, "not_found", ErrTimerNotFound)
	}

	var stopped Timer
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Timer
		err := tx.Where("timer_id = ?", timerID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opStop, "not_found", ErrTimerNotFound)
		}
		if err != nil {
			s.logError(opStop, "select_failed", err, zap.String("timer_id", timerID))
			return newServiceError(opStop, "select_failed", err)
		}
		if !existing.IsActive {
			stopped = existing
			return nil
		}

		endMs := s.clock().UnixMilli()
		durationMs := endMs - existing.StartMs
		if durationMs < 0 {
			durationMs = 0
		}
		result := tx.Model(&Timer{}).
			Where("timer_id = ? AND is_active = ?", timerID, true).
			Updates(map[string]any{
				"is_active":   false,
				"end_ms":      endMs,
				"duration_ms": durationMs,
			})
		if result.Error != nil {
			s.logError(opStop, "update_failed", result.Error, zap.String("timer_id", timerID))
			return newServiceError(opStop, "update_failed", result.Error)
		}

		if err := tx.Where("timer_id = ?", timerID).Take(&stopped).Error; err != nil {
			s.logError(opStop, "reload_failed", err, zap.String("timer_id", timerID))
			return newServiceError(opStop, "reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Timer{}, txErr
	}
	return stopped, nil
}

// List returns the owner's timers ordered by start time.
func (s *Service) List(ctx context.Context, owner string, filter Filter) ([]Timer, error) {
	if s.db == nil {
		return nil, newServiceError(opList, "missing_database", errMissingDatabase)
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, newServiceError(opList, "missing_owner", errMissingOwner)
	}

	query := s.db.WithContext(ctx).Where("owner_username = ?", owner)
	switch filter {
	case FilterActive:
		query = query.Where("is_active = ?", true)
	case FilterInactive:
		query = query.Where("is_active = ?", false)
	}

	var records []Timer
	if err := query.Order("start_ms ASC").Order("timer_id ASC").Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("owner", owner))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

// ListActive returns every running timer across all owners.
func (s *Service) ListActive(ctx context.Context) ([]Timer, error) {
	if s.db == nil {
		return nil, newServiceError(opListActive, "missing_database", errMissingDatabase)
	}
	var records []Timer
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("timer_id ASC").Find(&records).Error; err != nil {
		s.logError(opListActive, "query_failed", err)
		return nil, newServiceError(opListActive, "query_failed", err)
	}
	return records, nil
}

// AdvanceProgress adds stepMs to a running timer in a single conditional update.
// It reports false when the timer is missing or was stopped in the meantime.
func (s *Service) AdvanceProgress(ctx context.Context, timerID string, stepMs int64) (bool, error) {
	if s.db == nil {
		return false, newServiceError(opAdvanceProgress, "missing_database", errMissingDatabase)
	}
	if stepMs <= 0 {
		return false, newServiceError(opAdvanceProgress, "invalid_step", errInvalidStep)
	}
	result := s.db.WithContext(ctx).
		Model(&Timer{}).
		Where("timer_id = ? AND is_active = ?", timerID, true).
		UpdateColumn("progress_ms", gorm.Expr("progress_ms + ?", stepMs))
	if result.Error != nil {
		return false, newServiceError(opAdvanceProgress, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("timers service error", attrs...)
}
