// Package datastore owns the local sqlite database holding the outbox queue
// and device preferences.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
)

// Config configures the sqlite manager.
type Config struct {
	Path   string
	Debug  bool
	Logger logger.Logger
}

// Manager holds the gorm connection.
type Manager struct {
	db   *gorm.DB
	path string
	log  logger.Logger
}

// Open opens (and creates if needed) the sqlite database at cfg.Path.
func Open(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, errors.Newf("datastore path is empty").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscard()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Newf("failed to create data directory: %w", err).
				Component("datastore").
				Category(errors.CategoryStorage).
				Context("dir", dir).
				Build()
		}
	}

	logMode := gorm_logger.Silent
	if cfg.Debug {
		logMode = gorm_logger.Info
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, errors.Newf("failed to open sqlite database: %w", err).
			Component("datastore").
			Category(errors.CategoryStorage).
			Context("path", cfg.Path).
			Build()
	}

	// sqlite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY between the outbox goroutine and request handlers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &Manager{db: db, path: cfg.Path, log: log.Module("datastore")}, nil
}

// Initialize migrates the schema and records the schema version.
// A database written by a newer schema is rejected.
func (m *Manager) Initialize(ctx context.Context) error {
	db := m.db.WithContext(ctx)
	if err := db.AutoMigrate(&entities.SchemaVersion{}, &entities.OutboxTask{}, &entities.Preference{}); err != nil {
		return errors.Newf("failed to migrate schema: %w", err).
			Component("datastore").
			Category(errors.CategoryStorage).
			Build()
	}

	var sv entities.SchemaVersion
	err := db.First(&sv, 1).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sv = entities.SchemaVersion{ID: 1, Version: entities.CurrentSchemaVersion, AppliedAt: time.Now()}
		if err := db.Create(&sv).Error; err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		m.log.Info("initialized datastore",
			logger.String("path", m.path),
			logger.Int("schema_version", sv.Version))
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case sv.Version > entities.CurrentSchemaVersion:
		return errors.Newf("database schema version %d is newer than supported version %d",
			sv.Version, entities.CurrentSchemaVersion).
			Component("datastore").
			Category(errors.CategoryStorage).
			Context("path", m.path).
			Build()
	case sv.Version < entities.CurrentSchemaVersion:
		sv.Version = entities.CurrentSchemaVersion
		sv.AppliedAt = time.Now()
		if err := db.Save(&sv).Error; err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Path returns the database file path.
func (m *Manager) Path() string {
	return m.path
}

// Close closes the underlying connection.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
