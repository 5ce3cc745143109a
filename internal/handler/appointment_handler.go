package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/klinikhub/clinic-core-api/internal/models"
	"github.com/klinikhub/clinic-core-api/internal/service"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
	"github.com/klinikhub/clinic-core-api/pkg/response"
)

// AppointmentHandler manages booking endpoints.
type AppointmentHandler struct {
	service      *service.AppointmentService
	availability *service.AvailabilityService
}

// NewAppointmentHandler constructs handler.
func NewAppointmentHandler(svc *service.AppointmentService, availability *service.AvailabilityService) *AppointmentHandler {
	return &AppointmentHandler{service: svc, availability: availability}
}

// List godoc
// @Summary List appointments
// @Tags Appointments
// @Produce json
// @Security BearerAuth
// @Param professionalId query string false "Filter by professional"
// @Param customerId query string false "Filter by customer"
// @Param date query string false "Filter by date (YYYY-MM-DD)"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /appointments [get]
func (h *AppointmentHandler) List(c *gin.Context) {
	var filter models.AppointmentFilter
	filter.ProfessionalID = c.Query("professionalId")
	filter.CustomerID = c.Query("customerId")
	if raw := c.Query("date"); raw != "" {
		date, err := time.Parse("2006-01-02", raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid date"))
			return
		}
		filter.Date = &date
	}
	if raw := c.Query("status"); raw != "" {
		status := models.AppointmentStatus(raw)
		if !status.Valid() {
			response.Error(c, appErrors.Clone(appErrors.ErrInvalidStatus, "unknown status"))
			return
		}
		filter.Status = &status
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = limit
	}

	appts, total, err := h.service.List(c.Request.Context(), tenantFromContext(c), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	response.JSON(c, http.StatusOK, appts, pagination)
}

// Get godoc
// @Summary Get an appointment
// @Tags Appointments
// @Produce json
// @Security BearerAuth
// @Param id path string true "Appointment ID"
// @Success 200 {object} response.Envelope
// @Router /appointments/{id} [get]
func (h *AppointmentHandler) Get(c *gin.Context) {
	appt, err := h.service.Get(c.Request.Context(), tenantFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, appt, nil)
}

// Create godoc
// @Summary Book an appointment
// @Tags Appointments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CreateAppointmentRequest true "Appointment payload"
// @Success 201 {object} response.Envelope
// @Router /appointments [post]
func (h *AppointmentHandler) Create(c *gin.Context) {
	var req service.CreateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	appt, err := h.service.Create(c.Request.Context(), tenantFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, appt)
}

// Update godoc
// @Summary Reschedule or amend an appointment
// @Tags Appointments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Appointment ID"
// @Param payload body service.UpdateAppointmentRequest true "Appointment payload"
// @Success 200 {object} response.Envelope
// @Router /appointments/{id} [put]
func (h *AppointmentHandler) Update(c *gin.Context) {
	var req service.UpdateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	appt, err := h.service.Update(c.Request.Context(), tenantFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, appt, nil)
}

// UpdateStatus godoc
// @Summary Transition an appointment's lifecycle status
// @Tags Appointments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Appointment ID"
// @Param payload body service.UpdateAppointmentStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Router /appointments/{id}/status [patch]
func (h *AppointmentHandler) UpdateStatus(c *gin.Context) {
	var req service.UpdateAppointmentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	appt, err := h.service.UpdateStatus(c.Request.Context(), tenantFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, appt, nil)
}

// Delete godoc
// @Summary Delete a scheduled appointment
// @Tags Appointments
// @Security BearerAuth
// @Param id path string true "Appointment ID"
// @Success 204
// @Router /appointments/{id} [delete]
func (h *AppointmentHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), tenantFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Slots godoc
// @Summary List available slots for a professional's day
// @Tags Availability
// @Produce json
// @Security BearerAuth
// @Param professionalId query string true "Professional ID"
// @Param date query string true "Date (YYYY-MM-DD)"
// @Param duration query int false "Slot duration in minutes" default(30)
// @Success 200 {object} response.Envelope
// @Router /availability/slots [get]
func (h *AppointmentHandler) Slots(c *gin.Context) {
	professionalID := c.Query("professionalId")
	if professionalID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "professionalId is required"))
		return
	}
	date, err := time.Parse("2006-01-02", c.Query("date"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid date"))
		return
	}
	duration, err := strconv.Atoi(c.DefaultQuery("duration", "30"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid duration"))
		return
	}

	slots, err := h.availability.GenerateAvailableSlots(c.Request.Context(), tenantFromContext(c), professionalID, date, duration)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slots, nil)
}

// ExportAgenda godoc
// @Summary Export a professional's day agenda
// @Tags Appointments
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param professionalId query string true "Professional ID"
// @Param date query string true "Date (YYYY-MM-DD)"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /appointments/export [get]
func (h *AppointmentHandler) ExportAgenda(c *gin.Context) {
	professionalID := c.Query("professionalId")
	if professionalID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "professionalId is required"))
		return
	}
	date, err := time.Parse("2006-01-02", c.Query("date"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid date"))
		return
	}
	format := c.DefaultQuery("format", "csv")

	payload, contentType, err := h.service.ExportDayAgenda(c.Request.Context(), tenantFromContext(c), professionalID, date, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("agenda-%s.%s", date.Format("2006-01-02"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, payload)
}
