package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/klinikhub/clinic-core-api/internal/models"
)

// CatalogRepository resolves service catalog entries, mainly for pricing.
type CatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository builds the repository.
func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// FindByID loads one catalog service.
func (r *CatalogRepository) FindByID(ctx context.Context, tenantID, id string) (*models.CatalogService, error) {
	const query = `SELECT id, tenant_id, name, price, duration_minutes, active, created_at
FROM catalog_services WHERE tenant_id = $1 AND id = $2`
	var svc models.CatalogService
	if err := r.db.GetContext(ctx, &svc, query, tenantID, id); err != nil {
		return nil, err
	}
	return &svc, nil
}

// GetPrice returns the configured price for a service.
func (r *CatalogRepository) GetPrice(ctx context.Context, tenantID, serviceID string) (float64, error) {
	const query = `SELECT price FROM catalog_services WHERE tenant_id = $1 AND id = $2`
	var price float64
	if err := r.db.GetContext(ctx, &price, query, tenantID, serviceID); err != nil {
		return 0, err
	}
	return price, nil
}
