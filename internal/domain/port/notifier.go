package port

import "context"

type FailureNotifier interface {
	NotifyFailure(ctx context.Context, userEmail, jobID, videoKey, errorMsg string) error
}
