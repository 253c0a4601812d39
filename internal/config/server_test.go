package config

import "testing"

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/duel?sslmode=disable")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Fatalf("StoreBackend = %q, want postgres", cfg.StoreBackend)
	}
	if !cfg.RunMigrations {
		t.Fatal("RunMigrations = false, want true")
	}
}

func TestLoadServerRequiresPostgresDSN(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "")

	if _, err := LoadServer(); err == nil {
		t.Fatal("LoadServer() expected error, got nil")
	}
}

func TestLoadServerRedisBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", " Redis ")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.StoreBackend != BackendRedis {
		t.Fatalf("StoreBackend = %q, want redis", cfg.StoreBackend)
	}
}

func TestLoadServerRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")

	if _, err := LoadServer(); err == nil {
		t.Fatal("LoadServer() expected error for unknown backend")
	}
}

func TestLoadSweeperParseTypes(t *testing.T) {
	t.Setenv("SWEEPER_ENABLED", "false")
	t.Setenv("TURN_TIMEOUT_MS", "45000")

	cfg, err := LoadSweeper()
	if err != nil {
		t.Fatalf("LoadSweeper() error = %v", err)
	}
	if cfg.Enabled {
		t.Fatal("Enabled = true, want false")
	}
	if cfg.TurnTimeoutMS != 45000 {
		t.Fatalf("TurnTimeoutMS = %d, want 45000", cfg.TurnTimeoutMS)
	}
	if cfg.DisconnectAfterMS != 30000 {
		t.Fatalf("DisconnectAfterMS = %d, want 30000", cfg.DisconnectAfterMS)
	}
}
