// Package storetest opens throwaway databases for package tests.
package storetest

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/tendant/simple-evaluator/internal/store"
)

// DB returns a migrated SQLite database that lives for the duration of t.
func DB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evaluator.db")
	db, err := store.Open("sqlite", "file:"+path+"?_busy_timeout=5000", Logger())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
