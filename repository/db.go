package repository

import (
	"context"
	"fmt"
	"time"

	"membership-portal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the postgres pool. TranslateError makes unique violations surface as
// gorm.ErrDuplicatedKey, which the lock coordinator relies on.
func Connect(ctx context.Context, dsn string, quiet bool) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
	if quiet {
		gormConfig.Logger = logger.Default.LogMode(logger.Error)
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// partialIndexes cannot be expressed with struct tags.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_referral_template
		ON referrals (referrer_id, code) WHERE referred_user_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS ix_membership_trial_period_end
		ON memberships (current_period_end) WHERE status = 'trial'`,
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&models.Member{},
		&models.Membership{},
		&models.Referral{},
		&models.JobLock{},
		&models.TrialReminderLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range partialIndexes {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
