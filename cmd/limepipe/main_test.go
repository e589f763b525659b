package main

import (
	"path/filepath"
	"testing"

	"github.com/botmesh/limepipe/internal/dedup"
)

func testFlags(dsn string, capacity int) Flags {
	return Flags{dedupDSN: &dsn, dedupCapacity: &capacity}
}

func TestBuildGuard_Memory(t *testing.T) {
	guard, err := buildGuard(testFlags("", 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := guard.(*dedup.MemoryGuard); !ok {
		t.Errorf("expected memory guard for empty DSN, got %T", guard)
	}
}

func TestBuildGuard_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "dedup.db")
	guard, err := buildGuard(testFlags(dsn, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sq, ok := guard.(*dedup.SQLiteGuard)
	if !ok {
		t.Fatalf("expected SQLite guard for file path DSN, got %T", guard)
	}
	sq.Close()
}

func TestBuildGuard_InvalidCapacity(t *testing.T) {
	if _, err := buildGuard(testFlags("", 0)); err == nil {
		t.Error("expected error for non-positive capacity")
	}
}

func TestDefaultSQLitePath(t *testing.T) {
	if got := defaultSQLitePath("/var/lib/limepipe"); got != "/var/lib/limepipe/limepipe.db" {
		t.Errorf("unexpected path %q", got)
	}
}
