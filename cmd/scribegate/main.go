// Command scribegate is the main entry point for the scribegate audio
// ingestion server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/scribegate/internal/audit"
	"github.com/MrWong99/scribegate/internal/chunkstore"
	"github.com/MrWong99/scribegate/internal/config"
	"github.com/MrWong99/scribegate/internal/health"
	"github.com/MrWong99/scribegate/internal/merge"
	"github.com/MrWong99/scribegate/internal/notes"
	"github.com/MrWong99/scribegate/internal/observe"
	"github.com/MrWong99/scribegate/internal/pipeline"
	"github.com/MrWong99/scribegate/internal/server"
	"github.com/MrWong99/scribegate/internal/session"
	"github.com/MrWong99/scribegate/internal/transcribe"
	"github.com/MrWong99/scribegate/internal/transcript"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "scribegate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "scribegate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("scribegate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "scribegate",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := chunkstore.NewFS(cfg.Storage.ScratchDir)
	if err != nil {
		slog.Error("failed to open chunk store", "dir", cfg.Storage.ScratchDir, "err", err)
		return 1
	}

	artifactDir := cfg.Storage.ArtifactDir
	if artifactDir == "" {
		artifactDir = filepath.Join(cfg.Storage.ScratchDir, "merged")
	}
	merger, err := merge.New(merge.Config{
		Store:       store,
		ArtifactDir: artifactDir,
		BufferSize:  cfg.Storage.CopyBufferKiB * 1024,
		Metrics:     metrics,
	})
	if err != nil {
		slog.Error("failed to create merger", "dir", artifactDir, "err", err)
		return 1
	}

	tracker := session.NewTracker(session.TrackerConfig{
		TTL:           cfg.Sessions.TTL(),
		MaxChunks:     cfg.Sessions.MaxChunks,
		MaxTotalBytes: cfg.Sessions.MaxTotalBytes,
	})

	// ── Transcription client ──────────────────────────────────────────────────
	var backendOpts []transcribe.OpenAIOption
	if cfg.Transcription.BaseURL != "" {
		backendOpts = append(backendOpts, transcribe.WithBaseURL(cfg.Transcription.BaseURL))
	}
	backend, err := transcribe.NewOpenAIBackend(cfg.Transcription.APIKey, cfg.Transcription.Model, backendOpts...)
	if err != nil {
		slog.Error("failed to create transcription backend", "err", err)
		return 1
	}
	transcriber := transcribe.NewClient(backend, transcribe.ClientConfig{
		MaxUploadBytes: cfg.Transcription.MaxUploadBytes,
		MaxAttempts:    cfg.Transcription.MaxAttempts,
		BackoffBase:    cfg.Transcription.BackoffBase(),
		TimeoutFloor:   cfg.Transcription.TimeoutFloor(),
		TimeoutPerMB:   cfg.Transcription.TimeoutPerMB(),
		Metrics:        metrics,
	})

	detector := transcript.NewDetector(transcript.Config{
		BoilerplatePhrases: cfg.Detector.BoilerplatePhrases,
		RepeatThreshold:    cfg.Detector.RepeatThreshold,
		FillerPhrase:       cfg.Detector.FillerPhrase,
		FillerThreshold:    cfg.Detector.FillerThreshold,
		DominanceRatio:     cfg.Detector.DominanceRatio,
		DominanceMinTokens: cfg.Detector.DominanceMinTokens,
	})

	// ── Note generation (optional) ────────────────────────────────────────────
	var generator notes.Generator
	if cfg.Notes.APIKey != "" {
		var genOpts []notes.OpenAIOption
		if cfg.Notes.BaseURL != "" {
			genOpts = append(genOpts, notes.WithBaseURL(cfg.Notes.BaseURL))
		}
		if cfg.Notes.PromptTemplate != "" {
			genOpts = append(genOpts, notes.WithPromptTemplate(cfg.Notes.PromptTemplate))
		}
		generator, err = notes.NewOpenAIGenerator(cfg.Notes.APIKey, cfg.Notes.Model, genOpts...)
		if err != nil {
			slog.Error("failed to create note generator", "err", err)
			return 1
		}
		slog.Info("note generation enabled", "model", cfg.Notes.Model)
	}

	// ── Audit sink ────────────────────────────────────────────────────────────
	var sink audit.Sink = audit.LogSink{}
	var pool *pgxpool.Pool
	if cfg.Audit.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect audit database", "err", err)
			return 1
		}
		defer pool.Close()

		pgSink := audit.NewPostgresSink(pool)
		if err := pgSink.Migrate(ctx); err != nil {
			slog.Error("failed to migrate audit schema", "err", err)
			return 1
		}
		sink = pgSink
		slog.Info("audit events persisted to postgres")
	}

	// ── Pipeline gate ─────────────────────────────────────────────────────────
	gate, err := pipeline.NewGate(pipeline.Config{
		Tracker:     tracker,
		Store:       store,
		Merger:      merger,
		Transcriber: transcriber,
		Detector:    detector,
		Generator:   generator,
		Sink:        sink,
		Metrics:     metrics,
	})
	if err != nil {
		slog.Error("failed to create pipeline gate", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	handler, err := server.New(server.HandlerConfig{
		Tracker:       tracker,
		Store:         store,
		Gate:          gate,
		Sink:          sink,
		Metrics:       metrics,
		MaxChunkBytes: cfg.Storage.MaxChunkBytes,
	})
	if err != nil {
		slog.Error("failed to create server handler", "err", err)
		return 1
	}

	apiMux := http.NewServeMux()
	handler.Register(apiMux)

	checkers := []health.Checker{
		health.ScratchDir(cfg.Storage.ScratchDir),
		health.ArtifactDir(artifactDir),
	}
	if pool != nil {
		checkers = append(checkers, health.Database(pool))
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", observe.Middleware(metrics, "/v1")(apiMux))
	mux.Handle("/metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, artifactDir)

	// ── Run ───────────────────────────────────────────────────────────────────
	go gate.RunSweeper(ctx, cfg.Sessions.SweepInterval())

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, artifactDir string) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        scribegate — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Scratch dir", cfg.Storage.ScratchDir)
	printRow("Artifact dir", artifactDir)
	printRow("Transcription", cfg.Transcription.Model)
	if cfg.Notes.APIKey != "" {
		printRow("Notes", cfg.Notes.Model)
	} else {
		printRow("Notes", "(disabled)")
	}
	if cfg.Audit.PostgresDSN != "" {
		printRow("Audit", "postgres")
	} else {
		printRow("Audit", "log only")
	}
	printRow("Session TTL", cfg.Sessions.TTL().String())
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 23 {
		value = string([]rune(value)[:20]) + "…"
	}
	fmt.Printf("║  %-13s : %-23s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
