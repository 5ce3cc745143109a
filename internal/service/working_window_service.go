package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/klinikhub/clinic-core-api/internal/models"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
)

// UpsertWorkingWindowRequest overwrites one weekday's window.
type UpsertWorkingWindowRequest struct {
	Weekday   *int   `json:"weekday" validate:"required,min=0,max=6"`
	StartTime string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime   string `json:"end_time" validate:"required,datetime=15:04"`
	IsWorkday bool   `json:"is_workday"`
}

// WorkingWindowService manages the recurring working-hours directory.
type WorkingWindowService struct {
	repo      workingWindowRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewWorkingWindowService constructs a WorkingWindowService.
func NewWorkingWindowService(repo workingWindowRepository, validate *validator.Validate, logger *zap.Logger) *WorkingWindowService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkingWindowService{repo: repo, validator: validate, logger: logger}
}

// List returns all configured windows for a professional ordered by weekday.
func (s *WorkingWindowService) List(ctx context.Context, tenantID, professionalID string) ([]models.WorkingWindow, error) {
	windows, err := s.repo.ListByProfessional(ctx, tenantID, professionalID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list working windows")
	}
	return windows, nil
}

// Upsert overwrites the window for one weekday. A workday window must have
// start before end.
func (s *WorkingWindowService) Upsert(ctx context.Context, tenantID, professionalID string, req UpsertWorkingWindowRequest) (*models.WorkingWindow, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid working window payload")
	}
	if req.IsWorkday {
		if err := validateInterval(req.StartTime, req.EndTime); err != nil {
			return nil, err
		}
	}

	window := &models.WorkingWindow{
		TenantID:       tenantID,
		ProfessionalID: professionalID,
		Weekday:        *req.Weekday,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		IsWorkday:      req.IsWorkday,
	}
	if err := s.repo.Upsert(ctx, window); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save working window")
	}
	return window, nil
}

// SeedDefaults writes the onboarding Monday-Friday 09:00-17:00 schedule,
// keeping any weekday the professional already configured.
func (s *WorkingWindowService) SeedDefaults(ctx context.Context, tenantID, professionalID string) ([]models.WorkingWindow, error) {
	if err := s.repo.SeedDefaults(ctx, tenantID, professionalID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to seed working windows")
	}
	return s.List(ctx, tenantID, professionalID)
}
