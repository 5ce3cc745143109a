package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/klinikhub/clinic-core-api/internal/models"
)

// CreditRepository manages tenant telemedicine credit balances. Every debit
// is a single compare-and-decrement statement so the balance can never go
// negative, regardless of how many sessions tick concurrently.
type CreditRepository struct {
	db *sqlx.DB
}

// NewCreditRepository builds the repository.
func NewCreditRepository(db *sqlx.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// GetBalance loads the tenant's balance.
func (r *CreditRepository) GetBalance(ctx context.Context, tenantID string) (*models.CreditBalance, error) {
	const query = `SELECT tenant_id, balance, updated_at FROM credit_balances WHERE tenant_id = $1`
	var balance models.CreditBalance
	if err := r.db.GetContext(ctx, &balance, query, tenantID); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Debit decrements the balance by amount only when enough credits remain.
// Returns false without modifying anything when the balance is short. Pass a
// transaction as exec to tie the debit to other writes.
func (r *CreditRepository) Debit(ctx context.Context, exec sqlx.ExtContext, tenantID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	const query = `UPDATE credit_balances SET balance = balance - $1, updated_at = $2 WHERE tenant_id = $3 AND balance >= $1`
	res, err := r.exec(exec).ExecContext(ctx, query, amount, time.Now().UTC(), tenantID)
	if err != nil {
		return false, fmt.Errorf("debit credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit credits rows: %w", err)
	}
	return affected == 1, nil
}

// Grant adds purchased or promotional credits to the balance.
func (r *CreditRepository) Grant(ctx context.Context, tenantID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	const query = `
INSERT INTO credit_balances (tenant_id, balance, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, tenantID, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

// Reset re-seeds the balance to the plan allotment. Invoked by the external
// monthly billing job.
func (r *CreditRepository) Reset(ctx context.Context, tenantID string, allotment int) error {
	if allotment < 0 {
		return fmt.Errorf("allotment must be non-negative, got %d", allotment)
	}
	const query = `
INSERT INTO credit_balances (tenant_id, balance, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, tenantID, allotment, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset credits: %w", err)
	}
	return nil
}
