package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinikhub/clinic-core-api/internal/models"
)

func testSession() *models.TelemedicineSession {
	now := time.Now().UTC()
	return &models.TelemedicineSession{
		TenantID:          "t1",
		AppointmentID:     "a1",
		RoomName:          "kh-room",
		ServerURL:         "https://meet.example.com",
		Status:            models.SessionActive,
		StartedAt:         &now,
		LastCreditCheckAt: &now,
		CreditsConsumed:   1,
	}
}

func TestTelemedicineRepositoryCreateWithDebit(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTelemedicineRepository(db, NewCreditRepository(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET balance = balance - $1")).
		WithArgs(1, sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO telemedicine_sessions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	session := testSession()
	require.NoError(t, repo.CreateWithDebit(context.Background(), session))
	assert.NotEmpty(t, session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemedicineRepositoryCreateWithDebitInsufficient(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTelemedicineRepository(db, NewCreditRepository(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET balance = balance - $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CreateWithDebit(context.Background(), testSession())
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemedicineRepositoryApplyMeterDebit(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTelemedicineRepository(db, NewCreditRepository(db))

	checkedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET balance = balance - $1")).
		WithArgs(2, sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE telemedicine_sessions").
		WithArgs(3, checkedAt, sqlmock.AnyArg(), "t1", "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ApplyMeterDebit(context.Background(), "t1", "s1", 2, 3, checkedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemedicineRepositoryApplyMeterDebitInsufficient(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTelemedicineRepository(db, NewCreditRepository(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET balance = balance - $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.ApplyMeterDebit(context.Background(), "t1", "s1", 2, 3, time.Now().UTC())
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemedicineRepositoryRoomNameExists(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTelemedicineRepository(db, NewCreditRepository(db))

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("kh-room").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.RoomNameExists(context.Background(), "kh-room")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTelemedicineRepositoryListMeterable(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTelemedicineRepository(db, NewCreditRepository(db))

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "tenant_id", "appointment_id", "room_name", "server_url", "status", "started_at", "ended_at", "duration_minutes", "credits_consumed", "last_credit_check_at", "notes", "created_at", "updated_at"}).
		AddRow("s1", "t1", "a1", "kh-room", "https://meet.example.com", "ACTIVE", now, nil, 0, 1, now, nil, now, now)
	mock.ExpectQuery("FROM telemedicine_sessions").
		WillReturnRows(rows)

	sessions, err := repo.ListMeterable(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionActive, sessions[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
