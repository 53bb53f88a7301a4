package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dimse-node/internal/config"
	"github.com/otcheredev/ris-dimse-node/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// ErrNotConnected is returned when the database has not been opened
var ErrNotConnected = errors.New("database not connected")

// Connect establishes database connection and runs migrations
func Connect(cfg config.DatabaseConfig) error {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		Logger: gormLogger(cfg.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	// inbound C-FIND streams hold a connection until the last row is sent
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	DB = db

	// Run auto-migrations
	if err := AutoMigrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.DBName).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Database connected and migrated")
	return nil
}

// DSN builds the postgres connection string for cfg
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=ris-dimse-node",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
}

var gormLevels = map[string]logger.LogLevel{
	"silent": logger.Silent,
	"error":  logger.Error,
	"warn":   logger.Warn,
	"info":   logger.Info,
}

func gormLogger(level string) logger.Interface {
	lvl, ok := gormLevels[level]
	if !ok {
		lvl = logger.Warn
	}
	return logger.Default.LogMode(lvl)
}

// AutoMigrate runs automatic migrations for all models
func AutoMigrate() error {
	return DB.AutoMigrate(
		&models.RemoteNode{},
		&models.AuditLog{},
		&models.Study{},
		&models.Series{},
		&models.Instance{},
	)
}

// Ping checks that the database answers within the context deadline
func Ping(ctx context.Context) error {
	if DB == nil {
		return ErrNotConnected
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
