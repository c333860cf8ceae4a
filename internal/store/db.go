// internal/store/db.go
package store

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the configured database and migrates every table this
// module owns.
func Open(databaseType, url string, logger *slog.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var dialector gorm.Dialector
	switch databaseType {
	case "postgres":
		if url == "" {
			return nil, fmt.Errorf("postgres requires DATABASE_URL")
		}
		dialector = postgres.Open(url)
	case "sqlite", "":
		if url == "" {
			url = "file:evaluator.db?_busy_timeout=5000"
		}
		dialector = sqlite.Open(url)
	default:
		return nil, fmt.Errorf("unsupported database type %q", databaseType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", databaseType, err)
	}
	if databaseType != "postgres" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql handle: %w", err)
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	logger.Info("database ready", "database_type", databaseType)
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ChainRecord{}, &Question{}, &EvaluationResult{}, &ResponseRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
