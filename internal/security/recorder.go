package security

import (
	"context"

	"github.com/crewdeck/crewdeck-core/internal/infrastructure/logging"
)

// Recorder appends events to the security trail.
//
// Recording never fails the caller's primary operation: persistence errors
// are logged and swallowed. Appends are synchronous, so events from a single
// source are stored in the order they were recorded.
type Recorder struct {
	repo   Repository
	logger *logging.Logger
}

// NewRecorder creates a security event recorder.
func NewRecorder(repo Repository, logger *logging.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With("component", "security"),
	}
}

// Record appends an event to the trail. Failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if err := r.repo.Create(ctx, &event); err != nil {
		r.logger.Warn("failed to record security event",
			"type", event.Type,
			"subject_id", event.SubjectID,
			"error", err,
		)
		return
	}

	r.logger.Debug("security event recorded",
		"type", event.Type,
		"severity", event.Severity,
		"subject_id", event.SubjectID,
	)
}
