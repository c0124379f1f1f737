package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/go-api-proxy/internal/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.db")
	db, err := OpenSQLite(path, false)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "proxy.db")

	db, err := OpenSQLite(bad, false)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}

	// Be tolerant across platforms/drivers.
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "out of memory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_MemoryMode(t *testing.T) {
	db, err := OpenSQLite(":memory:", false)
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:): %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// The shared-cache URI makes the schema visible across pooled conns.
	var count int64
	if err := db.Model(&domain.CacheEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count over pooled connection: %v", err)
	}
}

func TestOpenSQLite_SetsPragmas(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}

	var syncVal int
	if err := db.Raw("PRAGMA synchronous;").Row().Scan(&syncVal); err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	// NORMAL == 1
	if syncVal != 1 {
		t.Fatalf("expected synchronous=1 (NORMAL), got %d", syncVal)
	}
}

func TestAutoMigrate_IdempotentAndStampsVersion(t *testing.T) {
	db := openTestDB(t)

	// Second run must be a no-op, not an error.
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}

	var migrations []domain.SchemaMigration
	if err := db.Find(&migrations).Error; err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != domain.SchemaVersion {
		t.Fatalf("expected a single version-%d row, got %+v", domain.SchemaVersion, migrations)
	}
}

func TestIsLockError(t *testing.T) {
	if !isLockError(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatalf("lock error not recognized")
	}
	if isLockError(nil) || isLockError(errors.New("syntax error")) {
		t.Fatalf("non-lock error misclassified")
	}
}

func TestWithLockRetry_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := withLockRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithLockRetry_BoundedAttempts(t *testing.T) {
	attempts := 0
	err := withLockRetry(context.Background(), func() error {
		attempts++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatalf("expected the final lock error to surface")
	}
	if attempts != maxLockRetries {
		t.Fatalf("expected %d attempts, got %d", maxLockRetries, attempts)
	}
}

func TestWithLockRetry_NonLockErrorImmediate(t *testing.T) {
	attempts := 0
	sentinel := errors.New("constraint violated")
	err := withLockRetry(context.Background(), func() error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) || attempts != 1 {
		t.Fatalf("non-lock errors must not be retried: attempts=%d err=%v", attempts, err)
	}
}
