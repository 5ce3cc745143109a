package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/klinikhub/clinic-core-api/internal/models"
)

// ErrInsufficientBalance is returned when a guarded debit finds fewer
// credits than required. The session write rolls back with it.
var ErrInsufficientBalance = errors.New("tenant credit balance is insufficient")

const sessionColumns = `id, tenant_id, appointment_id, room_name, server_url, status, started_at, ended_at, duration_minutes, credits_consumed, last_credit_check_at, notes, created_at, updated_at`

// TelemedicineRepository persists telemedicine sessions. Writes that consume
// credits run inside one transaction with the balance debit so neither side
// commits without the other.
type TelemedicineRepository struct {
	db      *sqlx.DB
	credits *CreditRepository
}

// NewTelemedicineRepository builds the repository.
func NewTelemedicineRepository(db *sqlx.DB, credits *CreditRepository) *TelemedicineRepository {
	return &TelemedicineRepository{db: db, credits: credits}
}

// FindByID loads a session scoped to its tenant.
func (r *TelemedicineRepository) FindByID(ctx context.Context, tenantID, id string) (*models.TelemedicineSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM telemedicine_sessions WHERE tenant_id = $1 AND id = $2`
	var session models.TelemedicineSession
	if err := r.db.GetContext(ctx, &session, query, tenantID, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindOpenByAppointment returns the WAITING or ACTIVE session for an
// appointment, or sql.ErrNoRows when none is open.
func (r *TelemedicineRepository) FindOpenByAppointment(ctx context.Context, tenantID, appointmentID string) (*models.TelemedicineSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM telemedicine_sessions
WHERE tenant_id = $1 AND appointment_id = $2 AND status IN ('WAITING', 'ACTIVE')
ORDER BY created_at DESC LIMIT 1`
	var session models.TelemedicineSession
	if err := r.db.GetContext(ctx, &session, query, tenantID, appointmentID); err != nil {
		return nil, err
	}
	return &session, nil
}

// RoomNameExists reports whether any session already claimed the room name.
// Room names are globally unique across tenants.
func (r *TelemedicineRepository) RoomNameExists(ctx context.Context, roomName string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM telemedicine_sessions WHERE room_name = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, roomName); err != nil {
		return false, fmt.Errorf("check room name: %w", err)
	}
	return exists, nil
}

// CreateWithDebit atomically debits one credit from the tenant balance and
// inserts the session. Returns ErrInsufficientBalance, rolling everything
// back, when the tenant has no credit left.
func (r *TelemedicineRepository) CreateWithDebit(ctx context.Context, session *models.TelemedicineSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	debited, err := r.credits.Debit(ctx, tx, session.TenantID, 1)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if !debited {
		tx.Rollback() //nolint:errcheck
		return ErrInsufficientBalance
	}

	const query = `
INSERT INTO telemedicine_sessions (id, tenant_id, appointment_id, room_name, server_url, status, started_at, ended_at, duration_minutes, credits_consumed, last_credit_check_at, notes, created_at, updated_at)
VALUES (:id, :tenant_id, :appointment_id, :room_name, :server_url, :status, :started_at, :ended_at, :duration_minutes, :credits_consumed, :last_credit_check_at, :notes, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, session); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert telemedicine session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemedicine session: %w", err)
	}
	return nil
}

// Update persists the mutable session fields.
func (r *TelemedicineRepository) Update(ctx context.Context, session *models.TelemedicineSession) error {
	session.UpdatedAt = time.Now().UTC()

	const query = `
UPDATE telemedicine_sessions
SET status = :status,
    started_at = :started_at,
    ended_at = :ended_at,
    duration_minutes = :duration_minutes,
    credits_consumed = :credits_consumed,
    last_credit_check_at = :last_credit_check_at,
    notes = :notes,
    updated_at = :updated_at
WHERE tenant_id = :tenant_id AND id = :id`
	res, err := sqlx.NamedExecContext(ctx, r.db, query, session)
	if err != nil {
		return fmt.Errorf("update telemedicine session: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ApplyMeterDebit debits delta credits and records the new consumption total
// in one transaction. Returns ErrInsufficientBalance without touching the
// session when the balance cannot cover delta.
func (r *TelemedicineRepository) ApplyMeterDebit(ctx context.Context, tenantID, sessionID string, delta, expectedCredits int, checkedAt time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	debited, err := r.credits.Debit(ctx, tx, tenantID, delta)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if !debited {
		tx.Rollback() //nolint:errcheck
		return ErrInsufficientBalance
	}

	const query = `
UPDATE telemedicine_sessions
SET credits_consumed = $1, last_credit_check_at = $2, updated_at = $3
WHERE tenant_id = $4 AND id = $5`
	if _, err := tx.ExecContext(ctx, query, expectedCredits, checkedAt, time.Now().UTC(), tenantID, sessionID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("record metered consumption: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meter debit: %w", err)
	}
	return nil
}

// TouchCreditCheck stamps last_credit_check_at when a tick owed nothing.
func (r *TelemedicineRepository) TouchCreditCheck(ctx context.Context, tenantID, sessionID string, checkedAt time.Time) error {
	const query = `UPDATE telemedicine_sessions SET last_credit_check_at = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`
	if _, err := r.db.ExecContext(ctx, query, checkedAt, time.Now().UTC(), tenantID, sessionID); err != nil {
		return fmt.Errorf("touch credit check: %w", err)
	}
	return nil
}

// ListMeterable returns every ACTIVE session with a start timestamp, across
// all tenants, for the metering sweep.
func (r *TelemedicineRepository) ListMeterable(ctx context.Context) ([]models.TelemedicineSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM telemedicine_sessions
WHERE status = 'ACTIVE' AND started_at IS NOT NULL
ORDER BY started_at ASC`
	var sessions []models.TelemedicineSession
	if err := r.db.SelectContext(ctx, &sessions, query); err != nil {
		return nil, fmt.Errorf("list meterable sessions: %w", err)
	}
	return sessions, nil
}
