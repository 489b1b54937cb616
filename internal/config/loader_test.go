package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
		t.Fatalf("unexpected defaults: %+v", cfg.Database)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CHRONIKA_DATABASE_HOST", "db.internal")
	t.Setenv("CHRONIKA_DATABASE_PORT", "6543")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("env host not applied: %q", cfg.Database.Host)
	}
	if cfg.Database.Port != 6543 {
		t.Fatalf("env port not applied: %d", cfg.Database.Port)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "database:\n  host: filehost\n  dbname: temporal_test\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "filehost" || cfg.Database.DBName != "temporal_test" {
		t.Fatalf("file values not applied: %+v", cfg.Database)
	}
}

func TestDSN(t *testing.T) {
	dsn := Default().Database.DSN()
	for _, want := range []string{"host=localhost", "port=5432", "dbname=chronika", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
}
