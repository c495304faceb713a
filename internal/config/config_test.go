package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/adreel")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ELEVENLABS_API_KEY", "el-test")
	t.Setenv("GEMINI_API_KEY", "gm-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.VideoBackend != VideoBackendVeo {
		t.Errorf("default backend = %q, want veo", cfg.VideoBackend)
	}
	if cfg.WorkerConcurrency != 2 || cfg.SceneConcurrency != 3 || cfg.MaxEncodes != 2 {
		t.Errorf("unexpected concurrency defaults: %d/%d/%d",
			cfg.WorkerConcurrency, cfg.SceneConcurrency, cfg.MaxEncodes)
	}
	if cfg.SweepInterval != time.Minute || cfg.StaleAfter != 10*time.Minute {
		t.Errorf("unexpected sweep defaults: %s/%s", cfg.SweepInterval, cfg.StaleAfter)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoadGrokBackendRequiresKey(t *testing.T) {
	setRequired(t)
	t.Setenv("VIDEO_BACKEND", "grok")
	t.Setenv("XAI_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for grok backend without XAI_API_KEY")
	}

	t.Setenv("XAI_API_KEY", "xai-test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.VideoBackend != VideoBackendGrok {
		t.Errorf("backend = %q, want grok", cfg.VideoBackend)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("VIDEO_BACKEND", "sora")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
