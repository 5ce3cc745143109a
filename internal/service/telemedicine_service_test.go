package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/klinikhub/clinic-core-api/internal/models"
	"github.com/klinikhub/clinic-core-api/internal/repository"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
)

type fakeSessionRepo struct {
	sessions       map[string]*models.TelemedicineSession
	openSession    *models.TelemedicineSession
	roomCollisions int
	roomChecks     int
	createErr      error
	meterDebitErr  error
	created        *models.TelemedicineSession
	meterDebits    []int
	touched        int
	meterable      []models.TelemedicineSession
}

func (f *fakeSessionRepo) FindByID(ctx context.Context, tenantID, id string) (*models.TelemedicineSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionRepo) FindOpenByAppointment(ctx context.Context, tenantID, appointmentID string) (*models.TelemedicineSession, error) {
	if f.openSession == nil || f.openSession.AppointmentID != appointmentID {
		return nil, sql.ErrNoRows
	}
	copied := *f.openSession
	return &copied, nil
}

func (f *fakeSessionRepo) RoomNameExists(ctx context.Context, roomName string) (bool, error) {
	f.roomChecks++
	return f.roomChecks <= f.roomCollisions, nil
}

func (f *fakeSessionRepo) CreateWithDebit(ctx context.Context, session *models.TelemedicineSession) error {
	if f.createErr != nil {
		return f.createErr
	}
	session.ID = "s1"
	f.created = session
	return nil
}

func (f *fakeSessionRepo) Update(ctx context.Context, session *models.TelemedicineSession) error {
	if f.sessions == nil {
		f.sessions = make(map[string]*models.TelemedicineSession)
	}
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) ApplyMeterDebit(ctx context.Context, tenantID, sessionID string, delta, expectedCredits int, checkedAt time.Time) error {
	if f.meterDebitErr != nil {
		return f.meterDebitErr
	}
	f.meterDebits = append(f.meterDebits, delta)
	return nil
}

func (f *fakeSessionRepo) TouchCreditCheck(ctx context.Context, tenantID, sessionID string, checkedAt time.Time) error {
	f.touched++
	return nil
}

func (f *fakeSessionRepo) ListMeterable(ctx context.Context) ([]models.TelemedicineSession, error) {
	return f.meterable, nil
}

type fakeCreditReader struct {
	balance *models.CreditBalance
}

func (f *fakeCreditReader) GetBalance(ctx context.Context, tenantID string) (*models.CreditBalance, error) {
	if f.balance == nil {
		return nil, sql.ErrNoRows
	}
	return f.balance, nil
}

type fakeApptReader struct {
	appt *models.Appointment
}

func (f *fakeApptReader) FindByID(ctx context.Context, tenantID, id string) (*models.Appointment, error) {
	if f.appt == nil || f.appt.ID != id {
		return nil, sql.ErrNoRows
	}
	return f.appt, nil
}

type fakeLocker struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	f.acquired++
	if f.held {
		return "", false, nil
	}
	return "token", true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, token string) error {
	f.released++
	return nil
}

type fakeNotifier struct {
	sessionIDs []string
}

func (f *fakeNotifier) NotifySessionReady(sessionID string) {
	f.sessionIDs = append(f.sessionIDs, sessionID)
}

func newTelemedService(repo *fakeSessionRepo, appts *fakeApptReader, locker *fakeLocker, notifier *fakeNotifier) *TelemedicineService {
	var l sweepLocker
	if locker != nil {
		l = locker
	}
	var n SessionNotifier
	if notifier != nil {
		n = notifier
	}
	return NewTelemedicineService(repo, &fakeCreditReader{}, appts, l, n, validator.New(), nil, zap.NewNop(), TelemedicineServiceConfig{
		DefaultServerURL: "https://meet.example.com",
		RoomNameAttempts: 3,
	})
}

func TestExpectedCredits(t *testing.T) {
	cases := []struct {
		elapsed, want int
	}{
		{0, 1},
		{30, 1},
		{35, 1}, // grace period still covered by the first credit
		{36, 2},
		{40, 2},
		{65, 2},
		{66, 3},
		{95, 3},
		{96, 4},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, expectedCredits(tc.elapsed), "elapsed=%d", tc.elapsed)
	}
}

func TestCreateSessionDebitsOneCredit(t *testing.T) {
	repo := &fakeSessionRepo{}
	notifier := &fakeNotifier{}
	svc := newTelemedService(repo, &fakeApptReader{appt: &models.Appointment{ID: "a1", Status: models.AppointmentScheduled}}, nil, notifier)

	session, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, 1, session.CreditsConsumed)
	require.NotNil(t, session.StartedAt)
	require.NotNil(t, session.LastCreditCheckAt)
	assert.Equal(t, "https://meet.example.com", session.ServerURL)
	assert.NotEmpty(t, session.RoomName)
	assert.Equal(t, []string{"s1"}, notifier.sessionIDs)
}

func TestCreateSessionIdempotentOnOpenSession(t *testing.T) {
	open := &models.TelemedicineSession{ID: "s-open", AppointmentID: "a1", Status: models.SessionActive, CreditsConsumed: 2}
	repo := &fakeSessionRepo{openSession: open}
	svc := newTelemedService(repo, &fakeApptReader{appt: &models.Appointment{ID: "a1", Status: models.AppointmentInProgress}}, nil, nil)

	session, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "s-open", session.ID)
	assert.Equal(t, 2, session.CreditsConsumed)
	assert.Nil(t, repo.created, "must not create a second session or debit again")
}

func TestCreateSessionInsufficientCredits(t *testing.T) {
	repo := &fakeSessionRepo{createErr: repository.ErrInsufficientBalance}
	svc := newTelemedService(repo, &fakeApptReader{appt: &models.Appointment{ID: "a1", Status: models.AppointmentScheduled}}, nil, nil)

	_, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "a1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInsufficientCredit))
}

func TestCreateSessionRejectsFinalizedAppointment(t *testing.T) {
	svc := newTelemedService(&fakeSessionRepo{}, &fakeApptReader{appt: &models.Appointment{ID: "a1", Status: models.AppointmentCancelled}}, nil, nil)

	_, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "a1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestCreateSessionUnknownAppointment(t *testing.T) {
	svc := newTelemedService(&fakeSessionRepo{}, &fakeApptReader{}, nil, nil)

	_, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "missing"})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestCreateSessionRetriesRoomNameCollisions(t *testing.T) {
	repo := &fakeSessionRepo{roomCollisions: 2}
	svc := newTelemedService(repo, &fakeApptReader{appt: &models.Appointment{ID: "a1", Status: models.AppointmentScheduled}}, nil, nil)

	session, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.RoomName)
	assert.Equal(t, 3, repo.roomChecks)
}

func TestCreateSessionRoomNameExhaustion(t *testing.T) {
	repo := &fakeSessionRepo{roomCollisions: 10}
	svc := newTelemedService(repo, &fakeApptReader{appt: &models.Appointment{ID: "a1", Status: models.AppointmentScheduled}}, nil, nil)

	_, err := svc.CreateSession(context.Background(), "t1", CreateSessionRequest{AppointmentID: "a1"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal))
}

func TestMeterSessionWithinThreshold(t *testing.T) {
	repo := &fakeSessionRepo{}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return started.Add(20 * time.Minute) }

	session := &models.TelemedicineSession{ID: "s1", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, CreditsConsumed: 1}
	debited, terminated, err := svc.MeterSession(context.Background(), session)
	require.NoError(t, err)
	assert.Zero(t, debited)
	assert.False(t, terminated)
	assert.Equal(t, 1, session.CreditsConsumed)
	assert.Equal(t, 1, repo.touched)
	assert.Empty(t, repo.meterDebits)
}

func TestMeterSessionDebitsNewBlocks(t *testing.T) {
	repo := &fakeSessionRepo{}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return started.Add(66 * time.Minute) }

	session := &models.TelemedicineSession{ID: "s1", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, CreditsConsumed: 1}
	debited, terminated, err := svc.MeterSession(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, 2, debited)
	assert.False(t, terminated)
	assert.Equal(t, 3, session.CreditsConsumed)
	assert.Equal(t, []int{2}, repo.meterDebits)
}

func TestMeterSessionNeverReducesConsumption(t *testing.T) {
	repo := &fakeSessionRepo{}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return started.Add(40 * time.Minute) }

	// Already charged ahead of the elapsed time.
	session := &models.TelemedicineSession{ID: "s1", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, CreditsConsumed: 3}
	debited, terminated, err := svc.MeterSession(context.Background(), session)
	require.NoError(t, err)
	assert.Zero(t, debited)
	assert.False(t, terminated)
	assert.Equal(t, 3, session.CreditsConsumed)
	assert.Empty(t, repo.meterDebits)
}

func TestMeterSessionTerminatesOnInsufficientBalance(t *testing.T) {
	repo := &fakeSessionRepo{meterDebitErr: repository.ErrInsufficientBalance}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return started.Add(40 * time.Minute) }

	session := &models.TelemedicineSession{ID: "s1", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, CreditsConsumed: 1}
	debited, terminated, err := svc.MeterSession(context.Background(), session)
	require.NoError(t, err)
	assert.Zero(t, debited)
	assert.True(t, terminated)

	saved := repo.sessions["s1"]
	require.NotNil(t, saved)
	assert.Equal(t, models.SessionCompleted, saved.Status)
	require.NotNil(t, saved.Notes)
	assert.Contains(t, *saved.Notes, "terminated: insufficient credits")
	require.NotNil(t, saved.EndedAt)
	assert.Equal(t, 40, saved.DurationMinutes)
}

func TestMeterSessionIgnoresNonActive(t *testing.T) {
	repo := &fakeSessionRepo{}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	session := &models.TelemedicineSession{ID: "s1", Status: models.SessionCompleted}
	debited, terminated, err := svc.MeterSession(context.Background(), session)
	require.NoError(t, err)
	assert.Zero(t, debited)
	assert.False(t, terminated)
	assert.Zero(t, repo.touched)
}

func TestUpdateSessionStatusTerminalRejected(t *testing.T) {
	repo := &fakeSessionRepo{sessions: map[string]*models.TelemedicineSession{
		"s1": {ID: "s1", TenantID: "t1", Status: models.SessionCompleted},
	}}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	_, err := svc.UpdateSessionStatus(context.Background(), "t1", "s1", UpdateSessionStatusRequest{Status: "ACTIVE"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidStatus))
}

func TestUpdateSessionStatusUnknownValue(t *testing.T) {
	svc := newTelemedService(&fakeSessionRepo{}, &fakeApptReader{}, nil, nil)

	_, err := svc.UpdateSessionStatus(context.Background(), "t1", "s1", UpdateSessionStatusRequest{Status: "PAUSED"})
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidStatus))
}

func TestUpdateSessionStatusActivatesWaitingSession(t *testing.T) {
	repo := &fakeSessionRepo{sessions: map[string]*models.TelemedicineSession{
		"s1": {ID: "s1", TenantID: "t1", Status: models.SessionWaiting, CreditsConsumed: 1},
	}}
	notifier := &fakeNotifier{}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, notifier)

	session, err := svc.UpdateSessionStatus(context.Background(), "t1", "s1", UpdateSessionStatusRequest{Status: "ACTIVE"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, session.Status)
	require.NotNil(t, session.StartedAt)
	require.NotNil(t, session.LastCreditCheckAt)
	assert.Equal(t, []string{"s1"}, notifier.sessionIDs)
}

func TestEndSessionAppendsReason(t *testing.T) {
	notes := "patient follow-up"
	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	repo := &fakeSessionRepo{sessions: map[string]*models.TelemedicineSession{
		"s1": {ID: "s1", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, Notes: &notes},
	}}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)
	svc.now = func() time.Time { return started.Add(25 * time.Minute) }

	reason := "doctor ended the call"
	session, err := svc.EndSession(context.Background(), "t1", "s1", EndSessionRequest{Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.Equal(t, 25, session.DurationMinutes)
	require.NotNil(t, session.Notes)
	assert.Equal(t, "patient follow-up\ndoctor ended the call", *session.Notes)
}

func TestEndSessionAlreadyFinalizedIsNoop(t *testing.T) {
	repo := &fakeSessionRepo{sessions: map[string]*models.TelemedicineSession{
		"s1": {ID: "s1", TenantID: "t1", Status: models.SessionCompleted, DurationMinutes: 12},
	}}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)

	session, err := svc.EndSession(context.Background(), "t1", "s1", EndSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 12, session.DurationMinutes)
}

func TestForceEndByAppointmentCancelled(t *testing.T) {
	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	open := &models.TelemedicineSession{ID: "s1", TenantID: "t1", AppointmentID: "a1", Status: models.SessionActive, StartedAt: &started}
	repo := &fakeSessionRepo{openSession: open}
	svc := newTelemedService(repo, &fakeApptReader{}, nil, nil)
	svc.now = func() time.Time { return started.Add(10 * time.Minute) }

	require.NoError(t, svc.ForceEndByAppointment(context.Background(), "t1", "a1", true))
	saved := repo.sessions["s1"]
	require.NotNil(t, saved)
	assert.Equal(t, models.SessionCompleted, saved.Status)
	require.NotNil(t, saved.Notes)
	assert.Contains(t, *saved.Notes, "appointment cancelled")
}

func TestForceEndByAppointmentNoOpenSession(t *testing.T) {
	svc := newTelemedService(&fakeSessionRepo{}, &fakeApptReader{}, nil, nil)
	assert.NoError(t, svc.ForceEndByAppointment(context.Background(), "t1", "a1", false))
}

func TestRunMeteringSweepReport(t *testing.T) {
	started := time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)
	repo := &fakeSessionRepo{meterable: []models.TelemedicineSession{
		{ID: "s1", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, CreditsConsumed: 1},
		{ID: "s2", TenantID: "t1", Status: models.SessionActive, StartedAt: &started, CreditsConsumed: 2},
	}}
	locker := &fakeLocker{}
	svc := newTelemedService(repo, &fakeApptReader{}, locker, nil)
	svc.now = func() time.Time { return started.Add(40 * time.Minute) }

	report, err := svc.RunMeteringSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Debited) // s1 owes one more block, s2 is paid up
	assert.Zero(t, report.Terminated)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestRunMeteringSweepSkipsWhenLocked(t *testing.T) {
	repo := &fakeSessionRepo{meterable: []models.TelemedicineSession{{ID: "s1", Status: models.SessionActive}}}
	locker := &fakeLocker{held: true}
	svc := newTelemedService(repo, &fakeApptReader{}, locker, nil)

	report, err := svc.RunMeteringSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Zero(t, locker.released)
}

func TestBalanceMissingRowDefaultsToZero(t *testing.T) {
	svc := newTelemedService(&fakeSessionRepo{}, &fakeApptReader{}, nil, nil)

	balance, err := svc.Balance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", balance.TenantID)
	assert.Zero(t, balance.Balance)
}
