package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Video generation backends.
const (
	VideoBackendVeo  = "veo"
	VideoBackendGrok = "grok"
)

type Config struct {
	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase storage
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (script generation)
	OpenAIKey   string
	ScriptModel string

	// ElevenLabs (voice synthesis)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Gemini (CTA still generation; also the Veo backend)
	GeminiKey string

	// xAI (Grok video backend)
	XAIAPIKey string

	// VideoBackend selects the clip generator: "veo" or "grok".
	VideoBackend string

	// Worker
	WorkerConcurrency int
	SceneConcurrency  int
	MaxEncodes        int
	WorkDir           string
	RetainWorkspaces  bool
	LipSyncEnabled    bool

	// Sweeper
	SweepInterval time.Duration
	StaleAfter    time.Duration

	// Metrics
	MetricsAddr string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "adreel-videos"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		ScriptModel:           getEnv("SCRIPT_MODEL", "gpt-5-mini"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		VideoBackend:          getEnv("VIDEO_BACKEND", VideoBackendVeo),
		WorkerConcurrency:     getEnvInt("WORKER_CONCURRENCY", 2),
		SceneConcurrency:      getEnvInt("SCENE_CONCURRENCY", 3),
		MaxEncodes:            getEnvInt("MAX_ENCODES", 2),
		WorkDir:               getEnv("WORK_DIR", os.TempDir()),
		RetainWorkspaces:      getEnvBool("RETAIN_WORKSPACES", false),
		LipSyncEnabled:        getEnvBool("LIPSYNC_ENABLED", false),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", 1*time.Minute),
		StaleAfter:            getEnvDuration("STALE_AFTER", 10*time.Minute),
		MetricsAddr:           getEnv("METRICS_ADDR", ":9090"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	if cfg.ElevenLabsKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}

	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	switch cfg.VideoBackend {
	case VideoBackendVeo:
		// Veo runs on the Gemini key, already validated above.
	case VideoBackendGrok:
		if cfg.XAIAPIKey == "" {
			return nil, fmt.Errorf("XAI_API_KEY is required when VIDEO_BACKEND=grok")
		}
	default:
		return nil, fmt.Errorf("VIDEO_BACKEND must be %q or %q, got %q", VideoBackendVeo, VideoBackendGrok, cfg.VideoBackend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
