package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/meshify/meshify-reconstruction-service/internal/domain/port"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/alicevision"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/archive"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/config"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/email"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/exif"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/ffmpeg"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/meshroom"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/metrics"
	miniostorage "github.com/meshify/meshify-reconstruction-service/internal/infra/minio"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/postgres"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/rabbitmq"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/tracing"
	"github.com/meshify/meshify-reconstruction-service/internal/usecase"
	"github.com/meshify/meshify-reconstruction-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting meshify-reconstruction-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Migrations
	err = postgres.RunMigrations(cfg.DatabaseURL, "migrations")
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:    cfg.MinIOEndpoint,
		AccessKey:   cfg.MinIOAccessKey,
		SecretKey:   cfg.MinIOSecretKey,
		UseSSL:      cfg.MinIOUseSSL,
		VideoBucket: cfg.MinIOVideoBucket,
		ModelBucket: cfg.MinIOModelBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Infra adapters
	repo := postgres.NewJobRepository(pool)
	copier := exif.NewCopier(cfg.ReferenceImage, log)
	sampler := ffmpeg.NewSampler(cfg.SharpnessThreshold, copier, log)
	zipper := archive.NewZipper()
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	reconstructor, err := buildReconstructor(cfg, log)
	fatalOnErr(err, "build reconstructor")

	// Use case
	uc := usecase.NewProcessVideoUseCase(
		repo, storage, sampler, reconstructor, zipper,
		statusPub, dlqPub, notifier,
		log,
		usecase.ProcessVideoConfig{
			TempDir:    cfg.TempDir,
			MaxRetries: cfg.MaxRetries,
		},
	)

	// Metrics server; readiness tracks the broker connection
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func() bool {
		return !rmqConn.IsClosed()
	}, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQJobQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQ,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		BaseDelayMs: cfg.RetryBaseDelayMs,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("meshify-reconstruction-service started, consuming messages")

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("meshify-reconstruction-service stopped")
}

func buildReconstructor(cfg *config.Config, log *zap.Logger) (port.Reconstructor, error) {
	switch cfg.Reconstructor {
	case "meshroom":
		return meshroom.NewBatch(cfg.MeshroomBinary, cfg.AVForceCPU, log), nil
	default:
		tc, err := alicevision.ResolveToolchain(alicevision.ResolveConfig{
			BinDir:          cfg.AVBinDir,
			ShareDir:        cfg.AVShareDir,
			AssetBaseURL:    cfg.AVAssetBaseURL,
			DownloadTimeout: cfg.AVDownloadTimeout,
		}, log)
		if err != nil {
			return nil, err
		}

		policy, err := alicevision.PolicyFromName(cfg.PairPolicy, cfg.PairWindow)
		if err != nil {
			return nil, err
		}
		pairs := alicevision.NewPairGenerator(policy, log)

		return alicevision.NewPipeline(tc, alicevision.NewRunner(), pairs, log, alicevision.Options{
			ForceCPU:     cfg.AVForceCPU,
			StageTimeout: cfg.AVStageTimeout,
		}), nil
	}
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
