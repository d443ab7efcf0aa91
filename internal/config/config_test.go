package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("SPANLAB_DRAFT_TTL_SECONDS", "")
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.DraftTTL != 7*24*time.Hour {
		t.Fatalf("DraftTTL = %v", cfg.DraftTTL)
	}
	if _, ok := cfg.SQLitePath(); ok {
		t.Fatal("default database should be postgres")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite:/tmp/spans.db")
	t.Setenv("SPANLAB_DRAFT_TTL_SECONDS", "60")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("SPANLAB_LOG_JSON", "not-a-bool")
	t.Setenv("SPANLAB_MAX_IMPORT_BYTES", "x")

	cfg := Load()
	if path, ok := cfg.SQLitePath(); !ok || path != "/tmp/spans.db" {
		t.Fatalf("SQLitePath() = %q, %v", path, ok)
	}
	if cfg.DraftTTL != time.Minute || !cfg.MinioUseSSL || !cfg.LogJSON {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxImportBytes != 32<<20 {
		t.Fatalf("MaxImportBytes = %d", cfg.MaxImportBytes)
	}
}
