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

// ErrOverlap is returned by guarded writes when the requested interval
// collides with a non-cancelled appointment.
var ErrOverlap = errors.New("appointment overlaps an existing booking")

const appointmentColumns = `id, tenant_id, professional_id, customer_id, room_id, service_id, date, start_time, end_time, price, status, notes, created_at, updated_at`

// AppointmentRepository persists appointments and enforces the non-overlap
// invariant for writes.
type AppointmentRepository struct {
	db *sqlx.DB
}

// NewAppointmentRepository builds the repository.
func NewAppointmentRepository(db *sqlx.DB) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

// FindByID loads a single appointment scoped to its tenant.
func (r *AppointmentRepository) FindByID(ctx context.Context, tenantID, id string) (*models.Appointment, error) {
	const query = `SELECT ` + appointmentColumns + ` FROM appointments WHERE tenant_id = $1 AND id = $2`
	var appt models.Appointment
	if err := r.db.GetContext(ctx, &appt, query, tenantID, id); err != nil {
		return nil, err
	}
	return &appt, nil
}

// List returns appointments matching the filter plus the total count.
func (r *AppointmentRepository) List(ctx context.Context, tenantID string, filter models.AppointmentFilter) ([]models.Appointment, int, error) {
	where := "WHERE tenant_id = $1"
	args := []interface{}{tenantID}

	if filter.ProfessionalID != "" {
		args = append(args, filter.ProfessionalID)
		where += fmt.Sprintf(" AND professional_id = $%d", len(args))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	if filter.Date != nil {
		args = append(args, filter.Date.Format("2006-01-02"))
		where += fmt.Sprintf(" AND date = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	countQuery := "SELECT COUNT(*) FROM appointments " + where
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf("SELECT %s FROM appointments %s ORDER BY date ASC, start_time ASC LIMIT $%d OFFSET $%d",
		appointmentColumns, where, len(args)-1, len(args))

	var appts []models.Appointment
	if err := r.db.SelectContext(ctx, &appts, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	return appts, total, nil
}

// ListBooked returns the non-cancelled appointments of a professional on one
// date ordered by start time. Used as the busy set for slot generation.
func (r *AppointmentRepository) ListBooked(ctx context.Context, tenantID, professionalID string, date time.Time) ([]models.Appointment, error) {
	const query = `SELECT ` + appointmentColumns + ` FROM appointments
WHERE tenant_id = $1 AND professional_id = $2 AND date = $3 AND status <> 'CANCELLED'
ORDER BY start_time ASC`
	var appts []models.Appointment
	if err := r.db.SelectContext(ctx, &appts, query, tenantID, professionalID, date.Format("2006-01-02")); err != nil {
		return nil, fmt.Errorf("list booked appointments: %w", err)
	}
	return appts, nil
}

// CountOverlapping counts non-cancelled appointments whose half-open
// [start_time, end_time) interval intersects [start, end). excludeID lets an
// update ignore its own reservation.
func (r *AppointmentRepository) CountOverlapping(ctx context.Context, exec sqlx.ExtContext, tenantID, professionalID string, date time.Time, start, end, excludeID string) (int, error) {
	if exec == nil {
		exec = r.db
	}
	query := `SELECT COUNT(*) FROM appointments
WHERE tenant_id = $1 AND professional_id = $2 AND date = $3
  AND status <> 'CANCELLED'
  AND start_time < $4 AND $5 < end_time`
	args := []interface{}{tenantID, professionalID, date.Format("2006-01-02"), end, start}
	if excludeID != "" {
		query += " AND id <> $6"
		args = append(args, excludeID)
	}

	var count int
	if err := sqlx.GetContext(ctx, exec, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count overlapping appointments: %w", err)
	}
	return count, nil
}

// CreateGuarded inserts the appointment only if its interval is free. The
// overlap re-check and the insert run inside one transaction holding an
// advisory lock on the (tenant, professional, date) scope, so two concurrent
// bookings for the same calendar day serialize.
func (r *AppointmentRepository) CreateGuarded(ctx context.Context, appt *models.Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := r.lockSchedule(ctx, tx, appt.TenantID, appt.ProfessionalID, appt.Date); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	overlapping, err := r.CountOverlapping(ctx, tx, appt.TenantID, appt.ProfessionalID, appt.Date, appt.StartTime, appt.EndTime, "")
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if overlapping > 0 {
		tx.Rollback() //nolint:errcheck
		return ErrOverlap
	}

	const query = `
INSERT INTO appointments (id, tenant_id, professional_id, customer_id, room_id, service_id, date, start_time, end_time, price, status, notes, created_at, updated_at)
VALUES (:id, :tenant_id, :professional_id, :customer_id, :room_id, :service_id, :date, :start_time, :end_time, :price, :status, :notes, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, appt); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit appointment: %w", err)
	}
	return nil
}

// UpdateGuarded rewrites a booking under the same advisory-lock discipline as
// CreateGuarded, excluding the appointment's own interval from the overlap
// check.
func (r *AppointmentRepository) UpdateGuarded(ctx context.Context, appt *models.Appointment) error {
	appt.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := r.lockSchedule(ctx, tx, appt.TenantID, appt.ProfessionalID, appt.Date); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	overlapping, err := r.CountOverlapping(ctx, tx, appt.TenantID, appt.ProfessionalID, appt.Date, appt.StartTime, appt.EndTime, appt.ID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if overlapping > 0 {
		tx.Rollback() //nolint:errcheck
		return ErrOverlap
	}

	const query = `
UPDATE appointments
SET professional_id = :professional_id,
    customer_id = :customer_id,
    room_id = :room_id,
    service_id = :service_id,
    date = :date,
    start_time = :start_time,
    end_time = :end_time,
    price = :price,
    notes = :notes,
    updated_at = :updated_at
WHERE tenant_id = :tenant_id AND id = :id`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, appt); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("update appointment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit appointment update: %w", err)
	}
	return nil
}

// UpdateStatus sets the lifecycle status.
func (r *AppointmentRepository) UpdateStatus(ctx context.Context, tenantID, id string, status models.AppointmentStatus) error {
	const query = `UPDATE appointments SET status = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`
	res, err := r.db.ExecContext(ctx, query, string(status), time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes an appointment row.
func (r *AppointmentRepository) Delete(ctx context.Context, tenantID, id string) error {
	const query = `DELETE FROM appointments WHERE tenant_id = $1 AND id = $2`
	res, err := r.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// lockSchedule takes a transaction-scoped advisory lock keyed by the booking
// scope. Released automatically at commit/rollback.
func (r *AppointmentRepository) lockSchedule(ctx context.Context, tx *sqlx.Tx, tenantID, professionalID string, date time.Time) error {
	key := fmt.Sprintf("%s:%s:%s", tenantID, professionalID, date.Format("2006-01-02"))
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("acquire schedule lock: %w", err)
	}
	return nil
}
