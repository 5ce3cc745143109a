package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klinikhub/clinic-core-api/pkg/jobs"
)

const jobTypeSessionReady = "telemedicine.session_ready"

// SessionReadyPayload announces that a session room is joinable.
type SessionReadyPayload struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

// NotificationService dispatches fire-and-forget notifications through the
// background queue. Delivery failures are logged and retried by the queue,
// never surfaced to the caller.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService wires the dispatch queue. Call Start before
// enqueueing.
func NewNotificationService(workers, maxRetries int, retryDelay time.Duration, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{logger: logger}
	s.queue = jobs.NewQueue("notifications", s.deliver, jobs.QueueConfig{
		Workers:    workers,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the queue workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the queue workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// NotifySessionReady enqueues a session-ready announcement. Fire-and-forget:
// a full or stopped queue only logs.
func (s *NotificationService) NotifySessionReady(sessionID string) {
	job := jobs.Job{
		ID:      uuid.NewString(),
		Type:    jobTypeSessionReady,
		Payload: SessionReadyPayload{SessionID: sessionID, At: time.Now().UTC()},
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue session notification",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// deliver is the queue handler. Downstream channels (push, email, webhooks)
// plug in here; today it records the event in the structured log.
func (s *NotificationService) deliver(_ context.Context, job jobs.Job) error {
	payload, _ := job.Payload.(SessionReadyPayload)
	s.logger.Info("notification delivered",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("session_id", payload.SessionID))
	return nil
}
