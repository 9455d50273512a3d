package db

import (
	"fmt"

	"resume-collab/internal/config"
	"resume-collab/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm initializes a new GORM database connection and migrates the schema
// Learning: GORM provides a higher-level abstraction over raw SQL
func NewGorm(cfg *config.Config) (*GormDB, error) {
	dsn := cfg.DatabaseURL()

	logMode := logger.Warn
	if cfg.LogLevel == "debug" {
		logMode = logger.Info // Shows SQL queries
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logrus.Info("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

// Migrate creates or updates the tables this service owns
// Learning: GORM automatically creates/updates tables based on struct definitions
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.AutomergeDocument{}, // CRDT snapshots
		&models.ResumeConfig{},      // flat mirror / legacy seed
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
