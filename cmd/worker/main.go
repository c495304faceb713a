package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/seyi/adreel/internal/compose"
	"github.com/seyi/adreel/internal/config"
	"github.com/seyi/adreel/internal/generation"
	"github.com/seyi/adreel/internal/queue"
	"github.com/seyi/adreel/internal/storage"
	"github.com/seyi/adreel/internal/store"
	"github.com/seyi/adreel/internal/telemetry"
	"github.com/seyi/adreel/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logr := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		logr.Fatalw("failed to load config", "error", err)
	}

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		logr.Fatalw("failed to connect to database", "error", err)
	}
	defer st.Close()
	logr.Info("connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		logr.Fatalw("failed to connect to redis", "error", err)
	}
	defer q.Close()
	logr.Info("connected to redis queue")

	objects := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logr)

	scripts := generation.NewOpenAIScriptGenerator(cfg.OpenAIKey, cfg.ScriptModel, logr)
	voice := generation.NewElevenLabsSynthesizer(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logr)
	images := generation.NewGeminiImageGenerator(cfg.GeminiKey, logr)

	var video generation.VideoGenerator
	switch cfg.VideoBackend {
	case config.VideoBackendGrok:
		video = generation.NewGrokGenerator(cfg.XAIAPIKey, logr)
		logr.Info("video backend: grok")
	default:
		video = generation.NewVeoGenerator(cfg.GeminiKey, "", logr)
		logr.Info("video backend: veo")
	}

	composer := compose.NewEngine(logr)

	w := worker.New(st, q, q, objects, composer, scripts, voice, video, images,
		worker.Options{
			SceneConcurrency: cfg.SceneConcurrency,
			MaxEncodes:       cfg.MaxEncodes,
			WorkDir:          cfg.WorkDir,
			RetainWorkspaces: cfg.RetainWorkspaces,
			LipSyncEnabled:   cfg.LipSyncEnabled,
		},
		logr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := worker.NewSweeper(st, q, cfg.SweepInterval, cfg.StaleAfter, logr)
	go sweeper.Run(ctx)

	go sampleQueueDepth(ctx, q)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		logr.Infow("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Errorw("metrics server error", "error", err)
		}
	}()

	go w.Start(ctx, cfg.WorkerConcurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down")
	cancel()
	metricsServer.Close()
}

func sampleQueueDepth(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range []string{queue.QueueSceneGeneration, queue.QueueComposition} {
				if n, err := q.Length(ctx, name); err == nil {
					telemetry.QueueDepth.WithLabelValues(name).Set(float64(n))
				}
			}
		}
	}
}
