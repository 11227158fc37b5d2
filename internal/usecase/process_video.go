package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/meshify/meshify-reconstruction-service/internal/domain/entity"
	"github.com/meshify/meshify-reconstruction-service/internal/domain/port"
	"github.com/meshify/meshify-reconstruction-service/internal/infra/metrics"
)

// ProcessVideoUseCase turns one queued video into a textured 3D model:
// download, frame sampling, reconstruction, archive, upload. It owns the
// job's status transitions and guarantees a job never stays `processing`
// after its run returns.
type ProcessVideoUseCase struct {
	repo          port.JobRepository
	storage       port.VideoStorage
	sampler       port.FrameSampler
	reconstructor port.Reconstructor
	archiver      port.Archiver
	publisher     port.StatusPublisher
	dlq           port.DLQPublisher
	notifier      port.FailureNotifier
	logger        *zap.Logger
	tempDir       string
	maxRetry      int
}

type ProcessVideoConfig struct {
	TempDir    string
	MaxRetries int
}

func NewProcessVideoUseCase(
	repo port.JobRepository,
	storage port.VideoStorage,
	sampler port.FrameSampler,
	reconstructor port.Reconstructor,
	archiver port.Archiver,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg ProcessVideoConfig,
) *ProcessVideoUseCase {
	return &ProcessVideoUseCase{
		repo:          repo,
		storage:       storage,
		sampler:       sampler,
		reconstructor: reconstructor,
		archiver:      archiver,
		publisher:     publisher,
		dlq:           dlq,
		notifier:      notifier,
		logger:        logger,
		tempDir:       cfg.TempDir,
		maxRetry:      cfg.MaxRetries,
	}
}

func (uc *ProcessVideoUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ProcessVideoUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.ReconstructionMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.String("job.video_key", msg.VideoKey),
	)

	log := uc.logger.With(zap.String("job_id", msg.JobID.String()), zap.String("video_key", msg.VideoKey))

	job, err := uc.repo.FindByID(ctx, msg.JobID)
	if err != nil {
		job = entity.NewJob(msg.UserID, msg.VideoKey, msg.FileSize, uc.maxRetry)
		job.ID = msg.JobID
		if err := uc.repo.Create(ctx, job); err != nil {
			log.Error("failed to create job record", zap.Error(err))
			return fmt.Errorf("create job: %w", err)
		}
	}

	if !job.CanRetry() {
		log.Warn("job exhausted retries, sending to DLQ")
		_ = uc.handlePermanentFailure(ctx, job, msg, rawMsg, "max retries exceeded")
		return nil
	}

	job.MarkProcessing()
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to processing", zap.Error(err))
		return fmt.Errorf("update job: %w", err)
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	if err := uc.runReconstruction(ctx, job, msg, rawMsg, log); err != nil {
		return err
	}

	metrics.JobsProcessedTotal.WithLabelValues(string(entity.JobStatusFinished)).Inc()
	metrics.JobDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())

	return nil
}

func (uc *ProcessVideoUseCase) runReconstruction(
	ctx context.Context,
	job *entity.Job,
	msg entity.ReconstructionMessage,
	rawMsg []byte,
	log *zap.Logger,
) error {
	tracer := otel.Tracer("usecase")

	workDir := filepath.Join(uc.tempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	// The workdir is only removed on success; a failed run leaves its
	// partial outputs behind for diagnosis.

	// Download the source video.
	dlStart := time.Now()
	dlCtx, spanDl := tracer.Start(ctx, "download_video")
	videoPath := filepath.Join(workDir, "source"+videoExt(msg.VideoKey))
	if err := uc.storage.DownloadVideo(dlCtx, msg.VideoKey, videoPath); err != nil {
		spanDl.End()
		log.Error("failed to download video", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "download_video: "+err.Error(), log)
	}
	spanDl.End()
	metrics.JobDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	// Sample sharp frames out of the video.
	smStart := time.Now()
	smCtx, spanSm := tracer.Start(ctx, "sample_frames")
	framesDir := filepath.Join(workDir, "frames")
	result, err := uc.sampler.SampleFrames(smCtx, videoPath, framesDir)
	if err != nil {
		spanSm.End()
		log.Error("frame sampling failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "sample_frames: "+err.Error(), log)
	}
	spanSm.End()
	metrics.JobDuration.WithLabelValues("sampling").Observe(time.Since(smStart).Seconds())
	metrics.FramesAcceptedTotal.Add(float64(result.Accepted))
	metrics.FramesRejectedTotal.Add(float64(result.Rejected + result.Corrupt))

	// An empty frame set must not reach the toolchain: the pipeline's
	// first stage would refuse anyway, but this names the real cause.
	if result.Accepted == 0 {
		log.Warn("no frames passed the sharpness threshold",
			zap.Int("decoded", result.Decoded),
			zap.Int("rejected", result.Rejected),
		)
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg,
			fmt.Sprintf("sample_frames: no usable frames (%d decoded, all below threshold)", result.Decoded), log)
	}

	// Run the photogrammetry toolchain.
	rcStart := time.Now()
	rcCtx, spanRc := tracer.Start(ctx, "reconstruct")
	modelDir := filepath.Join(workDir, "model")
	if err := uc.reconstructor.Reconstruct(rcCtx, framesDir, modelDir); err != nil {
		spanRc.End()
		log.Error("reconstruction failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "reconstruct: "+err.Error(), log)
	}
	spanRc.End()
	metrics.JobDuration.WithLabelValues("reconstruction").Observe(time.Since(rcStart).Seconds())

	// Package and upload the textured model.
	upStart := time.Now()
	upCtx, spanUp := tracer.Start(ctx, "upload_model")
	archivePath := filepath.Join(workDir, "model.zip")
	texturedDir := filepath.Join(modelDir, "textured_model")
	if err := uc.archiver.ArchiveDir(upCtx, texturedDir, archivePath); err != nil {
		spanUp.End()
		log.Error("model packaging failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "archive_model: "+err.Error(), log)
	}

	modelKey := fmt.Sprintf("%s/model_%s.zip", msg.UserID, job.ID.String())
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		spanUp.End()
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "open_archive: "+err.Error(), log)
	}
	archiveStat, err := archiveFile.Stat()
	if err != nil {
		archiveFile.Close()
		spanUp.End()
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "stat_archive: "+err.Error(), log)
	}
	if err := uc.storage.UploadModel(upCtx, modelKey, archiveFile, archiveStat.Size()); err != nil {
		archiveFile.Close()
		spanUp.End()
		log.Error("model upload failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "upload_model: "+err.Error(), log)
	}
	archiveFile.Close()
	spanUp.End()
	metrics.JobDuration.WithLabelValues("upload").Observe(time.Since(upStart).Seconds())

	job.MarkFinished(modelKey, result.Accepted, result.VideoDuration)
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to finalizado", zap.Error(err))
		return fmt.Errorf("update job finished: %w", err)
	}

	uc.publishStatus(ctx, job, log)

	if err := os.RemoveAll(workDir); err != nil {
		log.Warn("could not clean up workdir", zap.String("workdir", workDir), zap.Error(err))
	}

	log.Info("job finished successfully",
		zap.Int("frame_count", result.Accepted),
		zap.Float64("duration_secs", result.VideoDuration),
		zap.String("model_key", modelKey),
	)

	return nil
}

func (uc *ProcessVideoUseCase) handleRetryableFailure(
	ctx context.Context,
	job *entity.Job,
	msg entity.ReconstructionMessage,
	rawMsg []byte,
	errMsg string,
	log *zap.Logger,
) error {
	job.MarkError(errMsg)
	_ = uc.repo.Update(ctx, job)

	if !job.CanRetry() {
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, errMsg)
	}

	metrics.RetryTotal.WithLabelValues(strconv.Itoa(job.Attempt)).Inc()
	uc.publishStatus(ctx, job, log)

	return fmt.Errorf("retryable failure (attempt %d/%d): %s", job.Attempt, job.MaxAttempts, errMsg)
}

func (uc *ProcessVideoUseCase) handlePermanentFailure(
	ctx context.Context,
	job *entity.Job,
	msg entity.ReconstructionMessage,
	rawMsg []byte,
	errMsg string,
) error {
	job.MarkError(errMsg)
	_ = uc.repo.Update(ctx, job)

	_ = uc.dlq.PublishToDLQ(ctx, rawMsg, errMsg)

	uc.publishStatus(ctx, job, uc.logger)

	metrics.JobsProcessedTotal.WithLabelValues("dlq").Inc()

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, job.ID.String(), msg.VideoKey, errMsg)
	}

	return nil
}

func (uc *ProcessVideoUseCase) publishStatus(ctx context.Context, job *entity.Job, log *zap.Logger) {
	statusMsg := entity.ReconstructionStatusMessage{
		JobID:        job.ID,
		UserID:       job.UserID,
		Status:       job.Status,
		VideoKey:     job.VideoKey,
		ModelKey:     job.ModelKey,
		FrameCount:   job.FrameCount,
		Duration:     job.VideoDuration,
		ErrorMessage: job.ErrorMessage,
		Attempt:      job.Attempt,
		MaxAttempts:  job.MaxAttempts,
	}
	data, _ := json.Marshal(statusMsg)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}

func videoExt(key string) string {
	if ext := filepath.Ext(key); ext != "" {
		return ext
	}
	return ".mp4"
}
