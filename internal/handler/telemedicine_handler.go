package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/klinikhub/clinic-core-api/internal/service"
	appErrors "github.com/klinikhub/clinic-core-api/pkg/errors"
	"github.com/klinikhub/clinic-core-api/pkg/response"
)

// TelemedicineHandler manages session and credit endpoints.
type TelemedicineHandler struct {
	service *service.TelemedicineService
}

// NewTelemedicineHandler constructs handler.
func NewTelemedicineHandler(svc *service.TelemedicineService) *TelemedicineHandler {
	return &TelemedicineHandler{service: svc}
}

// Create godoc
// @Summary Start a telemedicine session for an appointment
// @Tags Telemedicine
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CreateSessionRequest true "Session payload"
// @Success 201 {object} response.Envelope
// @Router /telemedicine/sessions [post]
func (h *TelemedicineHandler) Create(c *gin.Context) {
	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.service.CreateSession(c.Request.Context(), tenantFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, session)
}

// Get godoc
// @Summary Get a telemedicine session
// @Tags Telemedicine
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /telemedicine/sessions/{id} [get]
func (h *TelemedicineHandler) Get(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), tenantFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// UpdateStatus godoc
// @Summary Transition a session's lifecycle status
// @Tags Telemedicine
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Param payload body service.UpdateSessionStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Router /telemedicine/sessions/{id}/status [patch]
func (h *TelemedicineHandler) UpdateStatus(c *gin.Context) {
	var req service.UpdateSessionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.service.UpdateSessionStatus(c.Request.Context(), tenantFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// End godoc
// @Summary Complete a session
// @Tags Telemedicine
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Param payload body service.EndSessionRequest true "End payload"
// @Success 200 {object} response.Envelope
// @Router /telemedicine/sessions/{id}/end [post]
func (h *TelemedicineHandler) End(c *gin.Context) {
	var req service.EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.service.EndSession(c.Request.Context(), tenantFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Balance godoc
// @Summary Get the tenant's telemedicine credit balance
// @Tags Telemedicine
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /telemedicine/credits [get]
func (h *TelemedicineHandler) Balance(c *gin.Context) {
	balance, err := h.service.Balance(c.Request.Context(), tenantFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, balance, nil)
}

// RunMetering godoc
// @Summary Trigger a metering sweep over all active sessions
// @Tags Telemedicine
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /internal/metering/run [post]
func (h *TelemedicineHandler) RunMetering(c *gin.Context) {
	report, err := h.service.RunMeteringSweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
