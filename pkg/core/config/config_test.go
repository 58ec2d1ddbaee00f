package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORAGE_BACKEND", "STORAGE_DSN", "HTTP_MAX_WORKERS",
		"HTTP_TIMEOUT_SECONDS", "HTTP_RETRIES", "USER_AGENT",
		"SOURCE_BASE_URL", "DATE_PARSE_MIN_RATE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StorageBackend != BackendEmbedded {
		t.Errorf("default backend = %s, want embedded", cfg.StorageBackend)
	}
	if cfg.HTTPMaxWorkers != 4 || cfg.HTTPTimeoutSeconds != 30 || cfg.HTTPRetries != 3 {
		t.Errorf("default HTTP settings: %+v", cfg)
	}
	if cfg.DateParseMinRate != 0.5 {
		t.Errorf("default parse floor = %f, want 0.5", cfg.DateParseMinRate)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_BACKEND", "server")
	t.Setenv("STORAGE_DSN", "postgres://localhost/visa")
	t.Setenv("HTTP_MAX_WORKERS", "8")
	t.Setenv("DATE_PARSE_MIN_RATE", "0.75")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StorageBackend != BackendServer || cfg.StorageDSN != "postgres://localhost/visa" {
		t.Errorf("storage overrides not applied: %+v", cfg)
	}
	if cfg.HTTPMaxWorkers != 8 || cfg.DateParseMinRate != 0.75 {
		t.Errorf("numeric overrides not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("http_max_workers: 2\nuser_agent: from-file\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_MAX_WORKERS", "6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// env > file > defaults.
	if cfg.HTTPMaxWorkers != 6 {
		t.Errorf("env should beat file: workers = %d", cfg.HTTPMaxWorkers)
	}
	if cfg.UserAgent != "from-file" {
		t.Errorf("file value not applied: %s", cfg.UserAgent)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	clearEnv(t)

	t.Setenv("STORAGE_BACKEND", "cloud")
	if _, err := Load(""); err == nil {
		t.Error("unknown backend should fail")
	}
	clearEnv(t)

	t.Setenv("HTTP_MAX_WORKERS", "zero")
	if _, err := Load(""); err == nil {
		t.Error("non-numeric worker count should fail")
	}
	clearEnv(t)

	t.Setenv("HTTP_MAX_WORKERS", "0")
	if _, err := Load(""); err == nil {
		t.Error("zero workers should fail")
	}
	clearEnv(t)

	t.Setenv("DATE_PARSE_MIN_RATE", "1.5")
	if _, err := Load(""); err == nil {
		t.Error("out-of-range parse floor should fail")
	}
}

func TestMissingFileFails(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("explicitly named missing config file should fail")
	}
}
