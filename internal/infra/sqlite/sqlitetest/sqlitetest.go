// Package sqlitetest opens throwaway migrated databases for tests.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sifan077/HookRelay/config"
	"github.com/sifan077/HookRelay/internal/infra/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open creates a migrated database under t.TempDir and closes it when the
// test ends.
func Open(t testing.TB) (*gorm.DB, *sqlite.DAL) {
	t.Helper()

	db, err := sqlite.Open(config.SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "hookrelay.db"),
		MaxOpenConns: 4,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := sqlite.Migrate(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	dal := sqlite.NewDAL(sqlDB, zap.NewNop())
	t.Cleanup(func() {
		_ = dal.Close()
		_ = sqlDB.Close()
	})
	return db, dal
}
