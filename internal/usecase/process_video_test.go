package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshify/meshify-reconstruction-service/internal/domain/entity"
	"github.com/meshify/meshify-reconstruction-service/internal/domain/port"
)

type fakeRepo struct {
	jobs map[uuid.UUID]*entity.Job
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[uuid.UUID]*entity.Job)}
}

func (r *fakeRepo) Create(_ context.Context, job *entity.Job) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) Update(_ context.Context, job *entity.Job) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	return job, nil
}

type fakeStorage struct {
	downloadErr error
	uploaded    map[string]int64
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: make(map[string]int64)}
}

func (s *fakeStorage) DownloadVideo(_ context.Context, _ string, destPath string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	return os.WriteFile(destPath, []byte("video-bytes"), 0o644)
}

func (s *fakeStorage) UploadModel(_ context.Context, objectKey string, r io.Reader, size int64) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.uploaded[objectKey] = size
	return nil
}

type fakeSampler struct {
	result *port.FrameSampleResult
	err    error
}

func (s *fakeSampler) SampleFrames(_ context.Context, _ string, outputDir string) (*port.FrameSampleResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	return s.result, nil
}

type fakeReconstructor struct {
	err   error
	calls int
}

func (r *fakeReconstructor) Reconstruct(_ context.Context, _ string, outputDir string) error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	texturedDir := filepath.Join(outputDir, "textured_model")
	if err := os.MkdirAll(texturedDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(texturedDir, "texturedMesh.obj"), []byte("v 0 0 0\n"), 0o644)
}

type fakeArchiver struct{}

func (fakeArchiver) ArchiveDir(_ context.Context, rootDir string, outputPath string) error {
	if _, err := os.Stat(rootDir); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("zip-bytes"), 0o644)
}

type fakePublisher struct {
	statuses []entity.ReconstructionStatusMessage
}

func (p *fakePublisher) PublishStatus(_ context.Context, msg []byte) error {
	var status entity.ReconstructionStatusMessage
	if err := json.Unmarshal(msg, &status); err != nil {
		return err
	}
	p.statuses = append(p.statuses, status)
	return nil
}

type fakeDLQ struct {
	messages []string
	reasons  []string
}

func (d *fakeDLQ) PublishToDLQ(_ context.Context, msg []byte, reason string) error {
	d.messages = append(d.messages, string(msg))
	d.reasons = append(d.reasons, reason)
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, userEmail, _, _, _ string) error {
	n.notified = append(n.notified, userEmail)
	return nil
}

type fixture struct {
	uc            *ProcessVideoUseCase
	repo          *fakeRepo
	storage       *fakeStorage
	sampler       *fakeSampler
	reconstructor *fakeReconstructor
	publisher     *fakePublisher
	dlq           *fakeDLQ
	notifier      *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newFakeRepo(),
		storage: newFakeStorage(),
		sampler: &fakeSampler{result: &port.FrameSampleResult{
			Accepted:      42,
			Decoded:       60,
			Rejected:      18,
			VideoDuration: 12.5,
		}},
		reconstructor: &fakeReconstructor{},
		publisher:     &fakePublisher{},
		dlq:           &fakeDLQ{},
		notifier:      &fakeNotifier{},
	}
	f.uc = NewProcessVideoUseCase(
		f.repo, f.storage, f.sampler, f.reconstructor, fakeArchiver{},
		f.publisher, f.dlq, f.notifier,
		zap.NewNop(),
		ProcessVideoConfig{TempDir: t.TempDir(), MaxRetries: 3},
	)
	return f
}

func testMessage() ([]byte, entity.ReconstructionMessage) {
	msg := entity.ReconstructionMessage{
		JobID:     uuid.New(),
		UserID:    "user-1",
		UserEmail: "user@example.com",
		VideoKey:  "user-1/capture.mp4",
		FileSize:  2048,
	}
	raw, _ := json.Marshal(msg)
	return raw, msg
}

func TestExecute_SuccessMarksJobFinalizado(t *testing.T) {
	f := newFixture(t)
	raw, msg := testMessage()

	require.NoError(t, f.uc.Execute(context.Background(), raw))

	job, err := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusFinished, job.Status)
	assert.Equal(t, 42, job.FrameCount)
	assert.InDelta(t, 12.5, job.VideoDuration, 1e-9)
	assert.NotEmpty(t, job.ModelKey)

	require.Len(t, f.publisher.statuses, 1)
	status := f.publisher.statuses[0]
	assert.Equal(t, msg.JobID, status.JobID)
	assert.Equal(t, entity.JobStatusFinished, status.Status)
	assert.Equal(t, job.ModelKey, status.ModelKey)

	assert.Contains(t, f.storage.uploaded, job.ModelKey)
	// The reported size must be the archive's actual byte count, not a
	// zero from an unchecked Stat.
	assert.Equal(t, int64(len("zip-bytes")), f.storage.uploaded[job.ModelKey])
	assert.Empty(t, f.dlq.messages)
	assert.Empty(t, f.notifier.notified)
}

func TestExecute_SuccessCleansUpWorkdir(t *testing.T) {
	f := newFixture(t)
	raw, msg := testMessage()

	require.NoError(t, f.uc.Execute(context.Background(), raw))

	_, err := os.Stat(filepath.Join(f.uc.tempDir, msg.JobID.String()))
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_MalformedMessageGoesToDLQWithoutRequeue(t *testing.T) {
	f := newFixture(t)

	err := f.uc.Execute(context.Background(), []byte("{not json"))
	require.NoError(t, err, "a message that can never parse must not be requeued")

	require.Len(t, f.dlq.messages, 1)
	assert.Contains(t, f.dlq.reasons[0], "unmarshal_error")
}

func TestExecute_ReconstructionFailureMarksErrorAndRequeues(t *testing.T) {
	f := newFixture(t)
	f.reconstructor.err = errors.New("stage meshing: exited with code 1")
	raw, msg := testMessage()

	err := f.uc.Execute(context.Background(), raw)
	require.Error(t, err, "a retryable failure must be returned so the consumer nacks")

	job, findErr := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, findErr)
	assert.Equal(t, entity.JobStatusError, job.Status)
	assert.Contains(t, job.ErrorMessage, "reconstruct")

	require.Len(t, f.publisher.statuses, 1)
	assert.Equal(t, entity.JobStatusError, f.publisher.statuses[0].Status)
	assert.Empty(t, f.dlq.messages)
}

func TestExecute_FailedRunKeepsWorkdir(t *testing.T) {
	f := newFixture(t)
	f.reconstructor.err = errors.New("boom")
	raw, msg := testMessage()

	require.Error(t, f.uc.Execute(context.Background(), raw))

	_, err := os.Stat(filepath.Join(f.uc.tempDir, msg.JobID.String()))
	assert.NoError(t, err, "partial outputs stay on disk for diagnosis")
}

func TestExecute_NoUsableFramesFailsBeforeReconstruction(t *testing.T) {
	f := newFixture(t)
	f.sampler.result = &port.FrameSampleResult{Decoded: 30, Rejected: 30}
	raw, msg := testMessage()

	require.Error(t, f.uc.Execute(context.Background(), raw))

	job, err := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusError, job.Status)
	assert.Contains(t, job.ErrorMessage, "no usable frames")
	assert.Zero(t, f.reconstructor.calls, "toolchain must not run on an empty frame set")
}

func TestExecute_DownloadFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.storage.downloadErr = errors.New("connection refused")
	raw, msg := testMessage()

	require.Error(t, f.uc.Execute(context.Background(), raw))

	job, err := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, entity.JobStatusError, job.Status)
}

func TestExecute_ExhaustedRetriesGoToDLQAndNotify(t *testing.T) {
	f := newFixture(t)
	f.reconstructor.err = errors.New("persistent failure")
	raw, msg := testMessage()

	// MaxRetries is 3: the first two failures requeue, the third is final.
	require.Error(t, f.uc.Execute(context.Background(), raw))
	require.Error(t, f.uc.Execute(context.Background(), raw))
	require.NoError(t, f.uc.Execute(context.Background(), raw),
		"the final failure must be acked, not requeued")

	job, err := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusError, job.Status)
	assert.False(t, job.CanRetry())

	require.Len(t, f.dlq.messages, 1)
	assert.Equal(t, []string{"user@example.com"}, f.notifier.notified)
}

func TestExecute_ModelKeyScopedToUser(t *testing.T) {
	f := newFixture(t)
	raw, msg := testMessage()

	require.NoError(t, f.uc.Execute(context.Background(), raw))

	job, err := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, "user-1/model_"+msg.JobID.String()+".zip", job.ModelKey)
}
