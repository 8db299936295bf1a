package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded migration scripts in file name order.
func Migrate(ctx context.Context, db *gorm.DB, log *zap.Logger) error {
	return MigrateFS(ctx, db, migrationFS, "migrations", log)
}

// MigrateFS runs every *.sql file under dir, one statement at a time.
// Scripts must be idempotent; re-adding an existing column is not an error.
func MigrateFS(ctx context.Context, db *gorm.DB, fsys fs.FS, dir string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("sqlite: read migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, name := range files {
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}

		log.Info("Running migration", zap.String("file", name))
		for _, stmt := range splitStatements(string(raw)) {
			if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
				if isDuplicateColumn(err) {
					log.Debug("column already present, skipping", zap.String("file", name))
					continue
				}
				return fmt.Errorf("sqlite: migration %s: %w", name, err)
			}
		}
	}

	return nil
}

func splitStatements(script string) []string {
	var (
		out []string
		buf strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}
