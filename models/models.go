package models

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/EasyDarwin/EasyCapture/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the outbox database opened by Init.
var DB *gorm.DB

// Now is the clock gorm stamps rows with. Times are stored in UTC at second precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func Init(file string) (err error) {
	DB, err = Open(file, "silent")
	return
}

// Open opens (creating if needed) the sqlite outbox at file in WAL mode and migrates it.
func Open(file, logLevel string) (*gorm.DB, error) {
	if err := utils.EnsureDir(filepath.Dir(file)); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := file + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(getLogLevel(logLevel)),
		NowFunc: Now,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; share a single connection between detector and worker.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Segment{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func getLogLevel(l string) logger.LogLevel {
	switch strings.ToLower(l) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		sqlDB.Close()
	}
	DB = nil
}
