package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/sifan077/HookRelay/config"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultMaxOpenConns = 8
	defaultPingTimeout  = 5 * time.Second
)

// Open returns a gorm.DB over the SQLite file at cfg.Path with write-ahead logging enabled.
func Open(cfg config.SQLiteConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormsqlite.Open(DSN(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open gorm connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: retrieve sql db: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	var mode string
	if err := db.Raw("PRAGMA journal_mode = WAL").Scan(&mode).Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: enable wal: %w", err)
	}

	return db, nil
}

// DSN builds the go-sqlite3 connection string. Every pooled connection gets
// the same busy timeout and immediate write transactions.
func DSN(cfg config.SQLiteConfig) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		cfg.Path,
		busy.Milliseconds(),
	)
}
