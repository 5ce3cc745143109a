package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/klinikhub/clinic-core-api/internal/service"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
	"github.com/klinikhub/clinic-core-api/pkg/response"
)

// WorkingWindowHandler manages working-hours endpoints.
type WorkingWindowHandler struct {
	service *service.WorkingWindowService
}

// NewWorkingWindowHandler constructs handler.
func NewWorkingWindowHandler(svc *service.WorkingWindowService) *WorkingWindowHandler {
	return &WorkingWindowHandler{service: svc}
}

// List godoc
// @Summary List a professional's working windows
// @Tags WorkingHours
// @Produce json
// @Security BearerAuth
// @Param id path string true "Professional ID"
// @Success 200 {object} response.Envelope
// @Router /professionals/{id}/working-hours [get]
func (h *WorkingWindowHandler) List(c *gin.Context) {
	windows, err := h.service.List(c.Request.Context(), tenantFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, windows, nil)
}

// Upsert godoc
// @Summary Set one weekday's working window
// @Tags WorkingHours
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Professional ID"
// @Param payload body service.UpsertWorkingWindowRequest true "Window payload"
// @Success 200 {object} response.Envelope
// @Router /professionals/{id}/working-hours [put]
func (h *WorkingWindowHandler) Upsert(c *gin.Context) {
	var req service.UpsertWorkingWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	window, err := h.service.Upsert(c.Request.Context(), tenantFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, window, nil)
}

// SeedDefaults godoc
// @Summary Seed the default Monday-Friday schedule
// @Tags WorkingHours
// @Produce json
// @Security BearerAuth
// @Param id path string true "Professional ID"
// @Success 200 {object} response.Envelope
// @Router /professionals/{id}/working-hours/defaults [post]
func (h *WorkingWindowHandler) SeedDefaults(c *gin.Context) {
	windows, err := h.service.SeedDefaults(c.Request.Context(), tenantFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, windows, nil)
}
