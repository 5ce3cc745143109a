package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klinikhub/clinic-core-api/internal/models"
	"github.com/klinikhub/clinic-core-api/internal/repository"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
)

// Credit policy: the first credit covers creditDurationMinutes of call time
// plus a grace period; every further started block of creditDurationMinutes
// owes one more credit.
const (
	creditDurationMinutes  = 30
	gracePeriodMinutes     = 5
	creditThresholdMinutes = creditDurationMinutes + gracePeriodMinutes

	endReasonNoCredits            = "terminated: insufficient credits"
	endReasonAppointmentCancelled = "appointment cancelled"
	endReasonAppointmentCompleted = "appointment completed"

	sweepLockKey = "lock:metering:sweep"
)

type telemedicineRepository interface {
	FindByID(ctx context.Context, tenantID, id string) (*models.TelemedicineSession, error)
	FindOpenByAppointment(ctx context.Context, tenantID, appointmentID string) (*models.TelemedicineSession, error)
	RoomNameExists(ctx context.Context, roomName string) (bool, error)
	CreateWithDebit(ctx context.Context, session *models.TelemedicineSession) error
	Update(ctx context.Context, session *models.TelemedicineSession) error
	ApplyMeterDebit(ctx context.Context, tenantID, sessionID string, delta, expectedCredits int, checkedAt time.Time) error
	TouchCreditCheck(ctx context.Context, tenantID, sessionID string, checkedAt time.Time) error
	ListMeterable(ctx context.Context) ([]models.TelemedicineSession, error)
}

type creditBalanceReader interface {
	GetBalance(ctx context.Context, tenantID string) (*models.CreditBalance, error)
}

type sessionAppointmentReader interface {
	FindByID(ctx context.Context, tenantID, id string) (*models.Appointment, error)
}

type sweepLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// SessionNotifier announces a joinable session. Delivery is fire-and-forget.
type SessionNotifier interface {
	NotifySessionReady(sessionID string)
}

// TelemedicineServiceConfig tunes session provisioning and the metering
// sweep.
type TelemedicineServiceConfig struct {
	DefaultServerURL string
	RoomNameAttempts int
	SweepLockTTL     time.Duration
}

// CreateSessionRequest starts (or re-joins) a telemedicine session for an
// appointment.
type CreateSessionRequest struct {
	AppointmentID string  `json:"appointment_id" validate:"required"`
	ServerURL     *string `json:"server_url" validate:"omitempty,url"`
}

// UpdateSessionStatusRequest transitions a session.
type UpdateSessionStatusRequest struct {
	Status string  `json:"status" validate:"required"`
	Notes  *string `json:"notes"`
}

// EndSessionRequest completes a session with an optional reason annotation.
type EndSessionRequest struct {
	Reason *string `json:"reason"`
	Notes  *string `json:"notes"`
}

// TelemedicineService owns the session lifecycle and the credit metering
// process.
type TelemedicineService struct {
	sessions     telemedicineRepository
	credits      creditBalanceReader
	appointments sessionAppointmentReader
	locker       sweepLocker
	notifier     SessionNotifier
	validator    *validator.Validate
	metrics      *MetricsService
	logger       *zap.Logger
	config       TelemedicineServiceConfig

	now func() time.Time
}

// NewTelemedicineService constructs a TelemedicineService. locker, notifier
// and metrics may be nil.
func NewTelemedicineService(sessions telemedicineRepository, credits creditBalanceReader, appointments sessionAppointmentReader, locker sweepLocker, notifier SessionNotifier, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, config TelemedicineServiceConfig) *TelemedicineService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RoomNameAttempts <= 0 {
		config.RoomNameAttempts = 5
	}
	if config.SweepLockTTL <= 0 {
		config.SweepLockTTL = 4 * time.Minute
	}
	return &TelemedicineService{
		sessions:     sessions,
		credits:      credits,
		appointments: appointments,
		locker:       locker,
		notifier:     notifier,
		validator:    validate,
		metrics:      metrics,
		logger:       logger,
		config:       config,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Get loads a session by id.
func (s *TelemedicineService) Get(ctx context.Context, tenantID, id string) (*models.TelemedicineSession, error) {
	session, err := s.sessions.FindByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "telemedicine session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

// CreateSession starts a session for the appointment, debiting one credit.
// When a WAITING or ACTIVE session already exists it is returned unchanged,
// so repeated join requests never double-charge.
func (s *TelemedicineService) CreateSession(ctx context.Context, tenantID string, req CreateSessionRequest) (*models.TelemedicineSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}

	appt, err := s.appointments.FindByID(ctx, tenantID, req.AppointmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "appointment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load appointment")
	}
	if appt.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "appointment is already finalized")
	}

	existing, err := s.sessions.FindOpenByAppointment(ctx, tenantID, req.AppointmentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check open sessions")
	}

	roomName, err := s.generateRoomName(ctx)
	if err != nil {
		return nil, err
	}

	serverURL := s.config.DefaultServerURL
	if req.ServerURL != nil && *req.ServerURL != "" {
		serverURL = *req.ServerURL
	}

	now := s.now()
	session := &models.TelemedicineSession{
		TenantID:          tenantID,
		AppointmentID:     req.AppointmentID,
		RoomName:          roomName,
		ServerURL:         serverURL,
		Status:            models.SessionActive,
		StartedAt:         &now,
		LastCreditCheckAt: &now,
		CreditsConsumed:   1,
	}

	if err := s.sessions.CreateWithDebit(ctx, session); err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, appErrors.Clone(appErrors.ErrInsufficientCredit, "insufficient credits")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}

	if s.metrics != nil {
		s.metrics.IncSessionStarted()
		s.metrics.AddCreditsDebited(1)
	}
	if s.notifier != nil {
		s.notifier.NotifySessionReady(session.ID)
	}
	s.logger.Info("telemedicine session started",
		zap.String("session_id", session.ID),
		zap.String("appointment_id", session.AppointmentID),
		zap.String("tenant_id", tenantID))

	return session, nil
}

// UpdateSessionStatus transitions a session. Moving into ACTIVE stamps the
// start when unset; moving into a terminal state stamps the end and the
// elapsed duration. Terminal sessions cannot transition again.
func (s *TelemedicineService) UpdateSessionStatus(ctx context.Context, tenantID, id string, req UpdateSessionStatusRequest) (*models.TelemedicineSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}
	status := models.SessionStatus(req.Status)
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, fmt.Sprintf("unknown session status %q", req.Status))
	}

	session, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.applyTransition(ctx, session, status, req.Notes, "")
}

// EndSession completes a session, appending the reason to its notes as a
// separate annotation. Ending an already finalized session is a no-op.
func (s *TelemedicineService) EndSession(ctx context.Context, tenantID, id string, req EndSessionRequest) (*models.TelemedicineSession, error) {
	session, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.Open() {
		return session, nil
	}
	reason := ""
	if req.Reason != nil {
		reason = strings.TrimSpace(*req.Reason)
	}
	return s.applyTransition(ctx, session, models.SessionCompleted, req.Notes, reason)
}

// ForceEndByAppointment finalizes the open session of an appointment, if
// any. Called by the appointment lifecycle when a booking completes or is
// cancelled.
func (s *TelemedicineService) ForceEndByAppointment(ctx context.Context, tenantID, appointmentID string, cancelled bool) error {
	session, err := s.sessions.FindOpenByAppointment(ctx, tenantID, appointmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check open sessions")
	}

	reason := endReasonAppointmentCompleted
	if cancelled {
		reason = endReasonAppointmentCancelled
	}
	if _, err := s.applyTransition(ctx, session, models.SessionCompleted, nil, reason); err != nil {
		return err
	}
	s.logger.Info("telemedicine session finalized with appointment",
		zap.String("session_id", session.ID),
		zap.String("appointment_id", appointmentID),
		zap.String("reason", reason))
	return nil
}

func (s *TelemedicineService) applyTransition(ctx context.Context, session *models.TelemedicineSession, status models.SessionStatus, notes *string, reason string) (*models.TelemedicineSession, error) {
	if !session.Status.Open() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "session is already finalized")
	}

	now := s.now()
	session.Status = status

	if status == models.SessionActive && session.StartedAt == nil {
		session.StartedAt = &now
		session.LastCreditCheckAt = &now
	}
	if !status.Open() {
		session.EndedAt = &now
		if session.StartedAt != nil {
			session.DurationMinutes = elapsedMinutes(*session.StartedAt, now)
		} else {
			session.DurationMinutes = 0
		}
	}

	if notes != nil {
		session.Notes = notes
	}
	if reason != "" {
		annotated := reason
		if session.Notes != nil && *session.Notes != "" {
			annotated = *session.Notes + "\n" + reason
		}
		session.Notes = &annotated
	}

	if err := s.sessions.Update(ctx, session); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "telemedicine session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session")
	}

	if status == models.SessionActive && s.notifier != nil {
		s.notifier.NotifySessionReady(session.ID)
	}
	return session, nil
}

// MeterSession reconciles one active session against wall-clock time,
// debiting any newly owed credits or force-completing the session when the
// tenant balance cannot cover them. Consumption never decreases.
func (s *TelemedicineService) MeterSession(ctx context.Context, session *models.TelemedicineSession) (debited int, terminated bool, err error) {
	if session.Status != models.SessionActive || session.StartedAt == nil {
		return 0, false, nil
	}

	now := s.now()
	elapsed := elapsedMinutes(*session.StartedAt, now)
	expected := expectedCredits(elapsed)

	if expected <= session.CreditsConsumed {
		if err := s.sessions.TouchCreditCheck(ctx, session.TenantID, session.ID, now); err != nil {
			return 0, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record credit check")
		}
		session.LastCreditCheckAt = &now
		return 0, false, nil
	}

	delta := expected - session.CreditsConsumed
	err = s.sessions.ApplyMeterDebit(ctx, session.TenantID, session.ID, delta, expected, now)
	if err == nil {
		session.CreditsConsumed = expected
		session.LastCreditCheckAt = &now
		if s.metrics != nil {
			s.metrics.AddCreditsDebited(delta)
		}
		return delta, false, nil
	}
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		return 0, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to debit session credits")
	}

	// Expected terminal transition, not an error: the tenant ran out of
	// credits mid-call.
	reason := endReasonNoCredits
	if _, endErr := s.applyTransition(ctx, session, models.SessionCompleted, nil, reason); endErr != nil {
		return 0, false, endErr
	}
	if s.metrics != nil {
		s.metrics.IncSessionForceCompleted()
	}
	s.logger.Info("telemedicine session terminated by metering",
		zap.String("session_id", session.ID),
		zap.String("tenant_id", session.TenantID),
		zap.Int("credits_owed", delta))
	return 0, true, nil
}

// RunMeteringSweep walks every active session once and settles owed credits.
// Concurrent sweeps are excluded by a distributed lock; an overlapping
// trigger returns an empty report.
func (s *TelemedicineService) RunMeteringSweep(ctx context.Context) (*models.MeteringReport, error) {
	report := &models.MeteringReport{}

	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.config.SweepLockTTL)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire sweep lock")
		}
		if !ok {
			s.logger.Warn("metering sweep skipped, another sweep is running")
			return report, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(ctx, sweepLockKey, token); err != nil {
				s.logger.Warn("failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	started := s.now()
	sessions, err := s.sessions.ListMeterable(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active sessions")
	}

	for i := range sessions {
		session := sessions[i]
		debited, terminated, err := s.MeterSession(ctx, &session)
		report.Processed++
		switch {
		case err != nil:
			report.Failed++
			s.logger.Error("metering tick failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
		case terminated:
			report.Terminated++
		case debited > 0:
			report.Debited++
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveMeteringSweep(s.now().Sub(started), report.Processed)
	}
	s.logger.Info("metering sweep finished",
		zap.Int("processed", report.Processed),
		zap.Int("debited", report.Debited),
		zap.Int("terminated", report.Terminated),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Balance exposes the tenant's remaining credits.
func (s *TelemedicineService) Balance(ctx context.Context, tenantID string) (*models.CreditBalance, error) {
	balance, err := s.credits.GetBalance(ctx, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.CreditBalance{TenantID: tenantID, Balance: 0}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load credit balance")
	}
	return balance, nil
}

func (s *TelemedicineService) generateRoomName(ctx context.Context) (string, error) {
	for attempt := 0; attempt < s.config.RoomNameAttempts; attempt++ {
		candidate := fmt.Sprintf("kh-%s", uuid.NewString())
		exists, err := s.sessions.RoomNameExists(ctx, candidate)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check room name")
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", appErrors.Clone(appErrors.ErrInternal, "could not allocate a unique room name")
}

// expectedCredits implements the policy: one credit covers the first
// creditThresholdMinutes, then one more per started creditDurationMinutes
// block.
func expectedCredits(elapsedMin int) int {
	if elapsedMin <= creditThresholdMinutes {
		return 1
	}
	over := elapsedMin - creditThresholdMinutes
	return 1 + (over+creditDurationMinutes-1)/creditDurationMinutes
}

// elapsedMinutes floors the wall-clock difference to whole minutes.
func elapsedMinutes(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
