package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

// Status values are the wire contract with the upload API and stay
// byte-for-byte compatible with the records it already stores.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusFinished   JobStatus = "finalizado"
	JobStatusError      JobStatus = "error"
)

type Job struct {
	ID            uuid.UUID
	UserID        string
	VideoKey      string
	ModelKey      string
	Status        JobStatus
	FrameCount    int
	FileSize      int64
	VideoDuration float64
	Attempt       int
	MaxAttempts   int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func NewJob(userID, videoKey string, fileSize int64, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		UserID:      userID,
		VideoKey:    videoKey,
		FileSize:    fileSize,
		Status:      JobStatusProcessing,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.Attempt++
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) MarkFinished(modelKey string, frameCount int, duration float64) {
	now := time.Now().UTC()
	j.Status = JobStatusFinished
	j.ModelKey = modelKey
	j.FrameCount = frameCount
	j.VideoDuration = duration
	j.ErrorMessage = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
}

func (j *Job) MarkError(errMsg string) {
	j.Status = JobStatusError
	j.ErrorMessage = errMsg
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}
