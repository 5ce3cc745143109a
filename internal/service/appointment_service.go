package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/klinikhub/clinic-core-api/internal/models"
	"github.com/klinikhub/clinic-core-api/internal/repository"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
	"github.com/klinikhub/clinic-core-api/pkg/export"
)

type appointmentRepository interface {
	FindByID(ctx context.Context, tenantID, id string) (*models.Appointment, error)
	List(ctx context.Context, tenantID string, filter models.AppointmentFilter) ([]models.Appointment, int, error)
	ListBooked(ctx context.Context, tenantID, professionalID string, date time.Time) ([]models.Appointment, error)
	CreateGuarded(ctx context.Context, appt *models.Appointment) error
	UpdateGuarded(ctx context.Context, appt *models.Appointment) error
	UpdateStatus(ctx context.Context, tenantID, id string, status models.AppointmentStatus) error
	Delete(ctx context.Context, tenantID, id string) error
}

type servicePriceReader interface {
	GetPrice(ctx context.Context, tenantID, serviceID string) (float64, error)
}

type sessionFinalizer interface {
	ForceEndByAppointment(ctx context.Context, tenantID, appointmentID string, cancelled bool) error
}

// CreateAppointmentRequest books a new appointment.
type CreateAppointmentRequest struct {
	ProfessionalID string   `json:"professional_id" validate:"required"`
	CustomerID     string   `json:"customer_id" validate:"required"`
	ServiceID      string   `json:"service_id" validate:"required"`
	RoomID         *string  `json:"room_id"`
	Date           string   `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime      string   `json:"start_time" validate:"required,datetime=15:04"`
	EndTime        string   `json:"end_time" validate:"required,datetime=15:04"`
	Price          *float64 `json:"price" validate:"omitempty,gte=0"`
	Notes          *string  `json:"notes"`
}

// UpdateAppointmentRequest reschedules or amends an appointment. Absent
// fields keep their current values.
type UpdateAppointmentRequest struct {
	ProfessionalID *string  `json:"professional_id"`
	CustomerID     *string  `json:"customer_id"`
	ServiceID      *string  `json:"service_id"`
	RoomID         *string  `json:"room_id"`
	Date           *string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
	StartTime      *string  `json:"start_time" validate:"omitempty,datetime=15:04"`
	EndTime        *string  `json:"end_time" validate:"omitempty,datetime=15:04"`
	Price          *float64 `json:"price" validate:"omitempty,gte=0"`
	Notes          *string  `json:"notes"`
}

// UpdateAppointmentStatusRequest transitions an appointment's lifecycle.
type UpdateAppointmentStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// AppointmentService owns the booking lifecycle: conflict-checked writes,
// status transitions and the day-agenda export.
type AppointmentService struct {
	repo         appointmentRepository
	catalog      servicePriceReader
	availability *AvailabilityService
	sessions     sessionFinalizer
	validator    *validator.Validate
	metrics      *MetricsService
	logger       *zap.Logger

	csv *export.CSVExporter
	pdf *export.PDFExporter
}

// NewAppointmentService constructs an AppointmentService. sessions and
// metrics may be nil.
func NewAppointmentService(repo appointmentRepository, catalog servicePriceReader, availability *AvailabilityService, sessions sessionFinalizer, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *AppointmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentService{
		repo:         repo,
		catalog:      catalog,
		availability: availability,
		sessions:     sessions,
		validator:    validate,
		metrics:      metrics,
		logger:       logger,
		csv:          export.NewCSVExporter(),
		pdf:          export.NewPDFExporter(),
	}
}

// Get loads one appointment.
func (s *AppointmentService) Get(ctx context.Context, tenantID, id string) (*models.Appointment, error) {
	appt, err := s.repo.FindByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "appointment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load appointment")
	}
	return appt, nil
}

// List returns appointments matching the filter plus the total count.
func (s *AppointmentService) List(ctx context.Context, tenantID string, filter models.AppointmentFilter) ([]models.Appointment, int, error) {
	appts, total, err := s.repo.List(ctx, tenantID, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list appointments")
	}
	return appts, total, nil
}

// Create books an appointment. The requested interval must fit inside the
// professional's working window and must not overlap any non-cancelled
// booking; the final overlap check runs inside the guarded insert so two
// concurrent requests for the same slot cannot both win.
func (s *AppointmentService) Create(ctx context.Context, tenantID string, req CreateAppointmentRequest) (*models.Appointment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid appointment payload")
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid date")
	}
	if err := validateInterval(req.StartTime, req.EndTime); err != nil {
		return nil, err
	}

	inside, err := s.availability.IsWithinWorkingHours(ctx, tenantID, req.ProfessionalID, date, req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	if !inside {
		return nil, appErrors.ErrOutOfWorkingHours
	}

	// Fast pre-check so most conflicts fail before opening a transaction.
	conflict, err := s.availability.HasConflict(ctx, tenantID, req.ProfessionalID, date, req.StartTime, req.EndTime, "")
	if err != nil {
		return nil, err
	}
	if conflict {
		if s.metrics != nil {
			s.metrics.IncBookingConflict()
		}
		return nil, appErrors.ErrScheduleConflict
	}

	price, err := s.resolvePrice(ctx, tenantID, req.ServiceID, req.Price)
	if err != nil {
		return nil, err
	}

	appt := &models.Appointment{
		TenantID:       tenantID,
		ProfessionalID: req.ProfessionalID,
		CustomerID:     req.CustomerID,
		ServiceID:      req.ServiceID,
		RoomID:         req.RoomID,
		Date:           date,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Price:          price,
		Status:         models.AppointmentScheduled,
		Notes:          req.Notes,
	}

	if err := s.repo.CreateGuarded(ctx, appt); err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			if s.metrics != nil {
				s.metrics.IncBookingConflict()
			}
			return nil, appErrors.ErrScheduleConflict
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create appointment")
	}

	s.availability.InvalidateSlots(ctx, tenantID, appt.ProfessionalID, appt.Date)
	if s.metrics != nil {
		s.metrics.IncAppointmentCreated()
	}
	s.logger.Info("appointment booked",
		zap.String("appointment_id", appt.ID),
		zap.String("professional_id", appt.ProfessionalID),
		zap.String("tenant_id", tenantID),
		zap.String("date", appt.Date.Format("2006-01-02")))

	return appt, nil
}

// Update reschedules or amends an appointment. The merged interval is
// re-validated against working hours and conflicts, ignoring the
// appointment's own reservation. The price is re-resolved only when the
// service changes and no explicit price is given.
func (s *AppointmentService) Update(ctx context.Context, tenantID, id string, req UpdateAppointmentRequest) (*models.Appointment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid appointment payload")
	}

	appt, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if appt.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "appointment is already finalized")
	}

	oldProfessional := appt.ProfessionalID
	oldDate := appt.Date
	serviceChanged := false

	if req.ProfessionalID != nil {
		appt.ProfessionalID = *req.ProfessionalID
	}
	if req.CustomerID != nil {
		appt.CustomerID = *req.CustomerID
	}
	if req.ServiceID != nil && *req.ServiceID != appt.ServiceID {
		appt.ServiceID = *req.ServiceID
		serviceChanged = true
	}
	if req.RoomID != nil {
		appt.RoomID = req.RoomID
	}
	if req.Date != nil {
		date, err := time.Parse("2006-01-02", *req.Date)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid date")
		}
		appt.Date = date
	}
	if req.StartTime != nil {
		appt.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		appt.EndTime = *req.EndTime
	}
	if req.Notes != nil {
		appt.Notes = req.Notes
	}
	if err := validateInterval(appt.StartTime, appt.EndTime); err != nil {
		return nil, err
	}

	switch {
	case req.Price != nil:
		appt.Price = *req.Price
	case serviceChanged:
		price, err := s.resolvePrice(ctx, tenantID, appt.ServiceID, nil)
		if err != nil {
			return nil, err
		}
		appt.Price = price
	}

	inside, err := s.availability.IsWithinWorkingHours(ctx, tenantID, appt.ProfessionalID, appt.Date, appt.StartTime, appt.EndTime)
	if err != nil {
		return nil, err
	}
	if !inside {
		return nil, appErrors.ErrOutOfWorkingHours
	}

	conflict, err := s.availability.HasConflict(ctx, tenantID, appt.ProfessionalID, appt.Date, appt.StartTime, appt.EndTime, appt.ID)
	if err != nil {
		return nil, err
	}
	if conflict {
		if s.metrics != nil {
			s.metrics.IncBookingConflict()
		}
		return nil, appErrors.ErrScheduleConflict
	}

	if err := s.repo.UpdateGuarded(ctx, appt); err != nil {
		if errors.Is(err, repository.ErrOverlap) {
			if s.metrics != nil {
				s.metrics.IncBookingConflict()
			}
			return nil, appErrors.ErrScheduleConflict
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update appointment")
	}

	s.availability.InvalidateSlots(ctx, tenantID, oldProfessional, oldDate)
	if appt.ProfessionalID != oldProfessional || !appt.Date.Equal(oldDate) {
		s.availability.InvalidateSlots(ctx, tenantID, appt.ProfessionalID, appt.Date)
	}
	return appt, nil
}

// UpdateStatus transitions an appointment. Completing or cancelling it also
// finalizes any open telemedicine session tied to it.
func (s *AppointmentService) UpdateStatus(ctx context.Context, tenantID, id string, req UpdateAppointmentStatusRequest) (*models.Appointment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}
	status := models.AppointmentStatus(req.Status)
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, fmt.Sprintf("unknown appointment status %q", req.Status))
	}

	appt, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if appt.Status.Terminal() && status != appt.Status {
		return nil, appErrors.Clone(appErrors.ErrInvalidStatus, "appointment is already finalized")
	}

	if err := s.repo.UpdateStatus(ctx, tenantID, id, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "appointment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update appointment status")
	}
	appt.Status = status

	if status.Terminal() && s.sessions != nil {
		cancelled := status == models.AppointmentCancelled
		if err := s.sessions.ForceEndByAppointment(ctx, tenantID, id, cancelled); err != nil {
			s.logger.Error("failed to finalize telemedicine session",
				zap.String("appointment_id", id),
				zap.Error(err))
		}
	}
	if status == models.AppointmentCancelled {
		s.availability.InvalidateSlots(ctx, tenantID, appt.ProfessionalID, appt.Date)
	}
	return appt, nil
}

// Delete removes an appointment. Only SCHEDULED bookings can be deleted;
// anything further along must be cancelled instead so its history survives.
func (s *AppointmentService) Delete(ctx context.Context, tenantID, id string) error {
	appt, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if appt.Status != models.AppointmentScheduled {
		return appErrors.Clone(appErrors.ErrInvalidStatus, "only scheduled appointments can be deleted")
	}

	if err := s.repo.Delete(ctx, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "appointment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete appointment")
	}
	s.availability.InvalidateSlots(ctx, tenantID, appt.ProfessionalID, appt.Date)
	return nil
}

// ExportDayAgenda renders the professional's bookings for one date as CSV or
// PDF.
func (s *AppointmentService) ExportDayAgenda(ctx context.Context, tenantID, professionalID string, date time.Time, format string) ([]byte, string, error) {
	appts, err := s.repo.ListBooked(ctx, tenantID, professionalID, date)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load day agenda")
	}

	dataset := export.Dataset{
		Headers: []string{"Start", "End", "Customer", "Service", "Status", "Price"},
	}
	for _, appt := range appts {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Start":    appt.StartTime,
			"End":      appt.EndTime,
			"Customer": appt.CustomerID,
			"Service":  appt.ServiceID,
			"Status":   string(appt.Status),
			"Price":    fmt.Sprintf("%.2f", appt.Price),
		})
	}

	switch format {
	case "csv":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return payload, "text/csv", nil
	case "pdf":
		title := fmt.Sprintf("Agenda %s", date.Format("2006-01-02"))
		payload, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
}

func (s *AppointmentService) resolvePrice(ctx context.Context, tenantID, serviceID string, override *float64) (float64, error) {
	if override != nil {
		return *override, nil
	}
	price, err := s.catalog.GetPrice(ctx, tenantID, serviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "catalog service not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve service price")
	}
	return price, nil
}
