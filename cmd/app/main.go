// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"kirinuki-pipeline/internal/config"
	"kirinuki-pipeline/internal/domain/ports/adapter"
	"kirinuki-pipeline/internal/domain/ports/repository"
	aiAdapters "kirinuki-pipeline/internal/infra/adapters/ai"
	tele "kirinuki-pipeline/internal/infra/adapters/telegram"
	pg "kirinuki-pipeline/internal/infra/db/postgres"
	"kirinuki-pipeline/internal/infra/gdrive"
	"kirinuki-pipeline/internal/infra/logging"
	"kirinuki-pipeline/internal/infra/metrics"
	red "kirinuki-pipeline/internal/infra/redis"
	"kirinuki-pipeline/internal/infra/store"
	"kirinuki-pipeline/internal/infra/subprocess"
	"kirinuki-pipeline/internal/infra/web"
	"kirinuki-pipeline/internal/usecase"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitRetryLater = 75 // EX_TEMPFAIL
)

func main() {
	os.Exit(run())
}

func run() int {
	// ---- CLI flags ----
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	cfg, err := config.LoadConfig(flags.ConfigPath, flags.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFailure
	}
	cfg.Runtime.Resume = flags.Resume
	cfg.Runtime.JobID = flags.JobID

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	if flags.MintToken {
		tok, err := web.NewAuthManager(cfg.Admin.JWTSecret, 30*24*time.Hour).Mint("ops")
		if err != nil {
			logger.Error().Err(err).Msg("mint admin token")
			return exitFailure
		}
		fmt.Println(tok)
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Redis (optional) ----
	var redisClient red.RedisClient
	if cfg.Redis.URL != "" {
		c, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Error().Err(err).Msg("redis")
			return exitFailure
		}
		defer c.Close()
		redisClient = c
	}

	// ---- Google Drive (optional) ----
	var drive gdrive.FileAPI
	if cfg.State.Backend == "drive" || cfg.Pipeline.UploadBackend == "drive" {
		d, err := gdrive.NewService(ctx, &cfg.Drive)
		if err != nil {
			logger.Error().Err(err).Msg("drive")
			return exitFailure
		}
		drive = d
	}

	// ---- State store ----
	var blobs repository.BlobStore
	switch cfg.State.Backend {
	case "fs":
		fsStore, err := store.NewFSBlobStore(cfg.State.Dir)
		if err != nil {
			logger.Error().Err(err).Msg("state store")
			return exitFailure
		}
		blobs = fsStore
	case "redis":
		blobs = red.NewBlobStore(redisClient, cfg.State.Prefix, 0)
	case "drive":
		blobs = gdrive.NewBlobStore(drive, cfg.Drive.StateFolderID)
	default:
		blobs = store.NewMemoryBlobStore()
	}
	states := store.NewJobStateRepository(blobs)

	// ---- Ledger ----
	var ledger repository.LedgerRepository
	switch cfg.Ledger.Backend {
	case "postgres":
		pool, err := pg.NewPgxPool(ctx, &cfg.Database)
		if err != nil {
			logger.Error().Err(err).Msg("postgres")
			return exitFailure
		}
		defer pool.Close()
		ledger, err = postgresLedger(ctx, pool, redisClient, cfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("ledger schema")
			return exitFailure
		}
	default:
		ledger = store.NewLedgerRepository(blobs, cfg.Ledger.Name)
	}

	// ---- Admin server (optional) ----
	if cfg.Admin.Port > 0 {
		srv := web.NewServer(states, ledger, web.NewAuthManager(cfg.Admin.JWTSecret, 0), logger)
		go func() {
			if err := srv.Start(cfg.Admin.Port); err != nil {
				logger.Error().Err(err).Msg("admin server")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if cfg.Runtime.JobID == "" {
		if cfg.Admin.Port == 0 {
			logger.Error().Msg("no job id given; pass -job <id>")
			return exitFailure
		}
		logger.Info().Msg("no job id given; serving the admin api until interrupted")
		<-ctx.Done()
		return exitOK
	}

	// ---- AI ----
	ai, err := buildAI(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("ai adapter")
		return exitFailure
	}
	logger.Info().
		Str("model", cfg.AI.DefaultModel).
		Str("gemini_key", logging.Redact(cfg.AI.GeminiKey, cfg.Runtime.Dev)).
		Str("openai_key", logging.Redact(cfg.AI.OpenAIKey, cfg.Runtime.Dev)).
		Int("concurrent_limit", cfg.AI.ConcurrentLimit).
		Msg("ai adapter ready")

	// ---- Subprocess adapters ----
	runner := subprocess.NewExecRunner(logger)
	prober := subprocess.NewProber(runner, cfg.Pipeline.ProbeCmd)
	cutter := subprocess.NewFFmpegCutter(runner, cfg.Pipeline.FFmpegPath)
	renderer := subprocess.NewRemotionRenderer(runner, prober, subprocess.RemotionOptions{
		Npx: cfg.Pipeline.NpxPath,
		Dir: cfg.Pipeline.RemotionDir,
	}, logger)

	var uploader adapter.Uploader
	if cfg.Pipeline.UploadBackend == "drive" {
		uploader = gdrive.NewUploader(drive, cfg.Drive.ClipsFolderID, cfg.Drive.ResumableThreshold, cfg.Drive.ChunkSize, logger)
	} else {
		uploader = store.NewFSUploader(cfg.Pipeline.UploadDir)
	}

	var notifier adapter.Notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		bot, err := tele.NewBotNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram notifier unavailable; notifications are logged only")
			notifier = tele.NewNoopNotifier(logger)
		} else {
			notifier = bot
		}
	} else {
		notifier = tele.NewNoopNotifier(logger)
	}

	var locker adapter.Locker
	if redisClient != nil {
		locker = red.NewLocker(redisClient, cfg.Redis.LockTTL)
	}

	// ---- Use cases ----
	clipGen := usecase.NewClipGenUseCase(ai, cutter, aiAdapters.NewTokenCounter(cfg.AI.DefaultModel), usecase.ClipGenOptions{
		Model: cfg.AI.DefaultModel,
		Merge: usecase.MergeOptions{
			MinGap:      cfg.Pipeline.MinGapSec,
			MinDuration: cfg.Pipeline.MinClipSec,
			MaxDuration: cfg.Pipeline.MaxClipSec,
		},
		MaxClips:      cfg.Pipeline.MaxClips,
		ChunkTokens:   cfg.AI.ChunkTokens,
		ChunkChars:    cfg.AI.ChunkChars,
		Concurrency:   cfg.AI.ConcurrentLimit,
		CutWorkers:    cfg.Pipeline.CutWorkers,
		MaxReactions:  cfg.Pipeline.MaxReactions,
		CharacterName: cfg.AI.CharacterName,
		Concept:       cfg.AI.Concept,
	}, logger)

	workDir, err := filepath.Abs(cfg.Pipeline.WorkDir)
	if err != nil {
		logger.Error().Err(err).Msg("work dir")
		return exitFailure
	}
	pipeline := usecase.NewPipelineUseCase(usecase.PipelineDeps{
		States:      states,
		Ledger:      ledger,
		Downloader:  subprocess.NewCommandDownloader(runner, cfg.Pipeline.DownloadCmd, prober, logger),
		Transcriber: subprocess.NewCommandTranscriber(runner, cfg.Pipeline.TranscribeCmd),
		Proposer:    clipGen,
		Renderer:    renderer,
		Uploader:    uploader,
		Notifier:    notifier,
		Locker:      locker,
	}, usecase.PipelineOptions{
		WorkDir:          workDir,
		SourceTitle:      cfg.Pipeline.SourceTitle,
		MaxClips:         cfg.Pipeline.MaxClips,
		MaxClipsPerBatch: cfg.Pipeline.MaxClipsPerBatch,
		Reactions:        cfg.Pipeline.Reactions,
	}, logger)

	outcome, err := pipeline.Run(ctx, cfg.Runtime.JobID, cfg.Runtime.Resume)
	return exitCode(logger, cfg.Runtime.JobID, outcome, err)
}

func postgresLedger(ctx context.Context, pool *pgxpool.Pool, redisClient red.RedisClient, cfg *config.Config, logger *zerolog.Logger) (repository.LedgerRepository, error) {
	repo := pg.NewLedgerRepo(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	go pg.ReportPoolStats(ctx, pool, 15*time.Second, logger)
	if redisClient == nil {
		return repo, nil
	}
	return pg.NewLedgerRepoCacheDecorator(repo, redisClient, cfg.Redis.TTL, logger), nil
}

// buildAI wires every configured provider behind one router and bounds the
// number of concurrent calls.
func buildAI(ctx context.Context, cfg *config.Config) (adapter.AIServiceAdapter, error) {
	byProvider := map[string]adapter.AIServiceAdapter{}
	defaultProvider := ""
	if cfg.AI.GeminiKey != "" {
		g, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		byProvider["gemini"] = g
		defaultProvider = "gemini"
	}
	if cfg.AI.OpenAIKey != "" {
		o, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		byProvider["openai"] = o
		if defaultProvider == "" {
			defaultProvider = "openai"
		}
	}
	if len(byProvider) == 0 {
		return nil, errors.New("no ai provider configured")
	}
	multi := aiAdapters.NewMultiAIAdapter(defaultProvider, byProvider, nil)
	return aiAdapters.NewLimitedAI(multi, cfg.AI.ConcurrentLimit), nil
}

func exitCode(logger *zerolog.Logger, jobID string, outcome usecase.RunOutcome, err error) int {
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("job_id", jobID).Str("outcome", string(outcome)).Msg("run finished")

	switch outcome {
	case usecase.OutcomeCompleted, usecase.OutcomeNoop:
		return exitOK
	case usecase.OutcomeRateLimited, usecase.OutcomeLocked:
		return exitRetryLater
	default:
		return exitFailure
	}
}
