// Package sqlite provides the single-user state database: device identity, saved
// connections and the key lifecycle log.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// MemoryDSN opens a private in-memory database; used by tests.
const MemoryDSN = "file::memory:"

// DBConnection owns the gorm handle of the state database.
type DBConnection struct {
	db     *gorm.DB
	path   string
	logger logger.Logger
}

// NewDBConnection opens (creating if needed) the database at path and migrates the schema.
// The database file is restricted to the owner.
func NewDBConnection(ctx context.Context, path string, log logger.Logger) (*DBConnection, error) {
	inMemory := strings.HasPrefix(path, "file::memory:") || path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), constants.PrivateDirMode); err != nil {
			return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to create state directory")
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to open state database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to access state database")
	}
	// sqlite serializes writers; one connection also keeps in-memory databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&deviceStateRow{}, &models.Connection{}, &models.KeyLifecycleEntry{}); err != nil {
		return nil, errors.WrapError(err, constants.ErrCodeInternal, "failed to migrate state database")
	}

	if !inMemory {
		if err := os.Chmod(path, constants.PrivateFileMode); err != nil {
			return nil, errors.WrapError(err, constants.ErrCodeInternal, fmt.Sprintf("failed to restrict %s", path))
		}
	}

	log.Debug(ctx, "State database ready", logger.String("path", path))
	return &DBConnection{db: db, path: path, logger: log}, nil
}

// DB returns the gorm handle for repository implementations.
func (c *DBConnection) DB() *gorm.DB {
	return c.db
}

// Ping verifies the database is usable.
func (c *DBConnection) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database.
func (c *DBConnection) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
