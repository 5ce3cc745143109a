package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinikhub/clinic-core-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func testAppointment() *models.Appointment {
	return &models.Appointment{
		TenantID:       "t1",
		ProfessionalID: "p1",
		CustomerID:     "c1",
		ServiceID:      "svc-1",
		Date:           time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC),
		StartTime:      "10:00",
		EndTime:        "10:30",
		Price:          150,
		Status:         models.AppointmentScheduled,
	}
}

func TestAppointmentRepositoryCreateGuarded(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAppointmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("t1:p1:2026-09-07").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM appointments")).
		WithArgs("t1", "p1", "2026-09-07", "10:30", "10:00").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO appointments").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	appt := testAppointment()
	require.NoError(t, repo.CreateGuarded(context.Background(), appt))
	assert.NotEmpty(t, appt.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentRepositoryCreateGuardedOverlap(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAppointmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM appointments")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.CreateGuarded(context.Background(), testAppointment())
	assert.ErrorIs(t, err, ErrOverlap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentRepositoryUpdateGuardedExcludesSelf(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAppointmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM appointments")).
		WithArgs("t1", "p1", "2026-09-07", "10:30", "10:00", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE appointments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	appt := testAppointment()
	appt.ID = "a1"
	require.NoError(t, repo.UpdateGuarded(context.Background(), appt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentRepositoryCountOverlapping(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAppointmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM appointments")).
		WithArgs("t1", "p1", "2026-09-07", "11:00", "10:00").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountOverlapping(context.Background(), nil, "t1", "p1",
		time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC), "10:00", "11:00", "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentRepositoryUpdateStatusMissingRow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAppointmentRepository(db)

	mock.ExpectExec("UPDATE appointments SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "t1", "missing", models.AppointmentCancelled)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppointmentRepositoryListBooked(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewAppointmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "professional_id", "customer_id", "room_id", "service_id", "date", "start_time", "end_time", "price", "status", "notes", "created_at", "updated_at"}).
		AddRow("a1", "t1", "p1", "c1", nil, "svc-1", time.Now(), "10:00", "10:30", 150.0, "SCHEDULED", nil, time.Now(), time.Now())
	mock.ExpectQuery("FROM appointments").
		WithArgs("t1", "p1", "2026-09-07").
		WillReturnRows(rows)

	booked, err := repo.ListBooked(context.Background(), "t1", "p1", time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, booked, 1)
	assert.Equal(t, "10:00", booked[0].StartTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}
