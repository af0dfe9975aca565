package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/scenegraph-backend/internal/platform/logger"
)

// NewSQLiteService opens a file-backed database for single-node and local
// runs. SQLite allows one writer at a time, so the pool is pinned to a
// single connection.
func NewSQLiteService(log *logger.Logger, path string) (*Service, error) {
	serviceLog := log.With("service", "SQLiteService")
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(serviceLog),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	serviceLog.Info("Opened SQLite", "path", path)
	return &Service{db: db, log: serviceLog, driver: "sqlite"}, nil
}
