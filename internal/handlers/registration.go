package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sovsapp/enroll/internal/middleware"
	"github.com/sovsapp/enroll/internal/register"
	"github.com/sovsapp/enroll/internal/workflow"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/response"
)

// RegistrationHandler covers availability checks, password feedback and the
// final two-step registration.
type RegistrationHandler struct {
	manager *workflow.Manager
	client  *register.Client
}

func NewRegistrationHandler(manager *workflow.Manager, client *register.Client) *RegistrationHandler {
	return &RegistrationHandler{manager: manager, client: client}
}

type availabilityRequest struct {
	Kind  string `json:"kind" validate:"required,oneof=email phone"`
	Value string `json:"value" validate:"required"`
}

// POST /api/registration/checks
func (h *RegistrationHandler) CheckAvailability(c *gin.Context) {
	var req availabilityRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.client.CheckAvailability(requestContext(c), register.Kind(req.Kind), req.Value)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

type strengthRequest struct {
	Password string `json:"password"`
}

// POST /api/registration/password-strength
func (h *RegistrationHandler) PasswordStrength(c *gin.Context) {
	var req strengthRequest
	if !bindAndValidate(c, &req) {
		return
	}
	response.Success(c, http.StatusOK, register.CheckPasswordStrength(req.Password))
}

type detailsRequest struct {
	Email                string `json:"email" validate:"required,email"`
	PhoneNumber          string `json:"phone_number" validate:"required,phone"`
	Password             string `json:"password" validate:"required,min=8"`
	PasswordConfirmation string `json:"password_confirmation" validate:"required"`
	DataApproved         bool   `json:"data_approved"`
}

// POST /api/registration/details
func (h *RegistrationHandler) SubmitDetails(c *gin.Context) {
	var req detailsRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if req.Password != req.PasswordConfirmation {
		response.Error(c, appErrors.NewValidation("password_confirmation", "Passwords do not match"))
		return
	}
	if strength := register.CheckPasswordStrength(req.Password); !strength.Valid {
		response.Error(c, appErrors.NewValidation("password", strength.Errors[0]))
		return
	}

	record := &register.Record{
		Email:                req.Email,
		PhoneNumber:          req.PhoneNumber,
		Password:             req.Password,
		PasswordConfirmation: req.PasswordConfirmation,
		DataApproved:         req.DataApproved,
	}

	flow, err := h.manager.SubmitDetails(requestContext(c), middleware.FlowID(c), record)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, viewOf(flow))
}

// POST /api/registration/complete
func (h *RegistrationHandler) Complete(c *gin.Context) {
	ctx := requestContext(c)
	flowID := middleware.FlowID(c)

	flow, err := h.manager.Get(ctx, flowID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if flow.State.Record == nil {
		response.Error(c, workflow.ErrDataNotApproved)
		return
	}

	result, err := h.client.CompleteRegistration(ctx, *flow.State.Record)
	if err != nil {
		response.Error(c, err)
		return
	}

	updated, err := h.manager.Finish(ctx, flowID, result)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"registration": result,
		"flow":         viewOf(updated),
	})
}
