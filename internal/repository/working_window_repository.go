package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/klinikhub/clinic-core-api/internal/models"
)

// WorkingWindowRepository manages recurring working hours per professional.
type WorkingWindowRepository struct {
	db *sqlx.DB
}

// NewWorkingWindowRepository builds the repository.
func NewWorkingWindowRepository(db *sqlx.DB) *WorkingWindowRepository {
	return &WorkingWindowRepository{db: db}
}

// FindByWeekday returns the configured window for a professional on one
// weekday, or sql.ErrNoRows via sqlx when none exists.
func (r *WorkingWindowRepository) FindByWeekday(ctx context.Context, tenantID, professionalID string, weekday int) (*models.WorkingWindow, error) {
	const query = `SELECT id, tenant_id, professional_id, weekday, start_time, end_time, is_workday, updated_at
FROM working_windows WHERE tenant_id = $1 AND professional_id = $2 AND weekday = $3`
	var window models.WorkingWindow
	if err := r.db.GetContext(ctx, &window, query, tenantID, professionalID, weekday); err != nil {
		return nil, err
	}
	return &window, nil
}

// ListByProfessional returns all seven windows ordered by weekday.
func (r *WorkingWindowRepository) ListByProfessional(ctx context.Context, tenantID, professionalID string) ([]models.WorkingWindow, error) {
	const query = `SELECT id, tenant_id, professional_id, weekday, start_time, end_time, is_workday, updated_at
FROM working_windows WHERE tenant_id = $1 AND professional_id = $2 ORDER BY weekday ASC`
	var windows []models.WorkingWindow
	if err := r.db.SelectContext(ctx, &windows, query, tenantID, professionalID); err != nil {
		return nil, fmt.Errorf("list working windows: %w", err)
	}
	return windows, nil
}

// Upsert overwrites the window for (tenant, professional, weekday). Windows
// are never versioned; the latest write wins.
func (r *WorkingWindowRepository) Upsert(ctx context.Context, window *models.WorkingWindow) error {
	if window.ID == "" {
		window.ID = uuid.NewString()
	}
	window.UpdatedAt = time.Now().UTC()

	const query = `
INSERT INTO working_windows (id, tenant_id, professional_id, weekday, start_time, end_time, is_workday, updated_at)
VALUES (:id, :tenant_id, :professional_id, :weekday, :start_time, :end_time, :is_workday, :updated_at)
ON CONFLICT (tenant_id, professional_id, weekday) DO UPDATE
SET start_time = EXCLUDED.start_time,
    end_time = EXCLUDED.end_time,
    is_workday = EXCLUDED.is_workday,
    updated_at = EXCLUDED.updated_at`

	if _, err := sqlx.NamedExecContext(ctx, r.db, query, window); err != nil {
		return fmt.Errorf("upsert working window: %w", err)
	}
	return nil
}

// SeedDefaults writes the onboarding schedule for a professional in one
// transaction, leaving already-configured weekdays untouched.
func (r *WorkingWindowRepository) SeedDefaults(ctx context.Context, tenantID, professionalID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	const query = `
INSERT INTO working_windows (id, tenant_id, professional_id, weekday, start_time, end_time, is_workday, updated_at)
VALUES (:id, :tenant_id, :professional_id, :weekday, :start_time, :end_time, :is_workday, :updated_at)
ON CONFLICT (tenant_id, professional_id, weekday) DO NOTHING`

	for _, window := range models.DefaultWorkingWindows(tenantID, professionalID) {
		window.ID = uuid.NewString()
		window.UpdatedAt = now
		if _, err := sqlx.NamedExecContext(ctx, tx, query, window); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("seed working window: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit working windows: %w", err)
	}
	return nil
}
