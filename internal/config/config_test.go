package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.RecordStoreBackend != "memory" {
		t.Errorf("expected default recordstore backend memory, got %q", cfg.RecordStoreBackend)
	}
	if cfg.QueueBackend != "inprocess" {
		t.Errorf("expected default queue backend inprocess, got %q", cfg.QueueBackend)
	}
	if cfg.BreakerFailThreshold != 5 {
		t.Errorf("expected default breaker fail threshold 5, got %d", cfg.BreakerFailThreshold)
	}
	if cfg.BreakerTimeout != "30s" {
		t.Errorf("expected default breaker timeout 30s, got %q", cfg.BreakerTimeout)
	}
	if cfg.CollaboratorRateLimit != 10.0 {
		t.Errorf("expected default collaborator rate limit 10, got %v", cfg.CollaboratorRateLimit)
	}
	if cfg.CollaboratorBurst != 20 {
		t.Errorf("expected default collaborator burst 20, got %d", cfg.CollaboratorBurst)
	}
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("KM_PORT", "9090")
	t.Setenv("KM_BREAKER_FAIL_THRESHOLD", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected KM_PORT to override default, got %q", cfg.Port)
	}
	if cfg.BreakerFailThreshold != 3 {
		t.Errorf("expected KM_BREAKER_FAIL_THRESHOLD to override default, got %d", cfg.BreakerFailThreshold)
	}
}
