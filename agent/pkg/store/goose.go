package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

// goose keeps its dialect, filesystem and logger in package globals.
var gooseMu sync.Mutex

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// WithGoose configures goose for fsys and dialect and calls fn while holding
// the package lock.
func WithGoose(log *slog.Logger, fsys fs.FS, dialect string, fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn()
}

// Migrate applies all pending migrations in dir.
func Migrate(ctx context.Context, log *slog.Logger, db *sql.DB, fsys fs.FS, dialect, dir string) error {
	return WithGoose(log, fsys, dialect, func() error {
		return goose.UpContext(ctx, db, dir)
	})
}

// MigrationStatus logs the status of all migrations in dir.
func MigrationStatus(ctx context.Context, log *slog.Logger, db *sql.DB, fsys fs.FS, dialect, dir string) error {
	return WithGoose(log, fsys, dialect, func() error {
		return goose.StatusContext(ctx, db, dir)
	})
}
