package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillStoppedTimers = "2026-10-01_backfill_stopped_timer_end_and_duration"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillStoppedTimers, apply: backfillStoppedTimers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillStoppedTimers restores the stopped-timer invariant for rows written
// without end/duration: end falls back to start + progress.
func backfillStoppedTimers(db *gorm.DB) error {
	if err := db.Model(&timers.Timer{}).
		Where("is_active = ? AND end_ms IS NULL", false).
		Update("end_ms", gorm.Expr("start_ms + progress_ms")).Error; err != nil {
		return err
	}
	return db.Model(&timers.Timer{}).
		Where("is_active = ? AND duration_ms IS NULL", false).
		Update("duration_ms", gorm.Expr("end_ms - start_ms")).Error
}
