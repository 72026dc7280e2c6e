package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the signal queue, position records, order tracker, and
// re-entry locks. One transactional database, WAL mode on SQLite, shared
// by every stage; writes are serialized by the database itself.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn. A postgres:// URL selects
// PostgreSQL, anything else is a SQLite file path.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Store connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Store initialized (SQLite, WAL)")
	}

	// Schema evolution is additive: AutoMigrate only adds columns.
	if err := db.AutoMigrate(&Signal{}, &Position{}, &TrackedOrder{}, &ReentryLock{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}
