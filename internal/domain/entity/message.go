package entity

import "github.com/google/uuid"

// ReconstructionMessage is what the upload API publishes when a video is
// ready to be turned into a model.
type ReconstructionMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    string    `json:"user_id"`
	UserEmail string    `json:"user_email,omitempty"`
	VideoKey  string    `json:"video_key"`
	FileSize  int64     `json:"file_size"`
}

// ReconstructionStatusMessage reports a job's state back to the API.
type ReconstructionStatusMessage struct {
	JobID        uuid.UUID `json:"job_id"`
	UserID       string    `json:"user_id"`
	Status       JobStatus `json:"status"`
	VideoKey     string    `json:"video_key"`
	ModelKey     string    `json:"model_key,omitempty"`
	FrameCount   int       `json:"frame_count,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
}
