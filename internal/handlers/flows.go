package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/sovsapp/enroll/internal/auth"
	"github.com/sovsapp/enroll/internal/middleware"
	"github.com/sovsapp/enroll/internal/verify"
	"github.com/sovsapp/enroll/internal/workflow"
	"github.com/sovsapp/enroll/pkg/response"
)

// FlowHandler manages the lifecycle of enrollment flows.
type FlowHandler struct {
	manager  *workflow.Manager
	tokens   *iauth.TokenService
	sessions *verify.Client
}

func NewFlowHandler(manager *workflow.Manager, tokens *iauth.TokenService, sessions *verify.Client) *FlowHandler {
	return &FlowHandler{manager: manager, tokens: tokens, sessions: sessions}
}

type flowView struct {
	FlowID  string          `json:"flow_id"`
	Step    workflow.Step   `json:"step"`
	Version uint64          `json:"version"`
	State   *workflow.State `json:"state"`
}

func viewOf(flow *workflow.Flow) flowView {
	return flowView{
		FlowID:  flow.ID,
		Step:    flow.State.Step,
		Version: flow.Version,
		State:   flow.State,
	}
}

// POST /api/flows
func (h *FlowHandler) Create(c *gin.Context) {
	flow := h.manager.Create(requestContext(c))

	token, err := h.tokens.IssueFlowToken(flow.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"flow":  viewOf(flow),
		"token": token,
	})
}

// GET /api/flows/current
func (h *FlowHandler) Current(c *gin.Context) {
	flow, err := h.manager.Get(requestContext(c), middleware.FlowID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, viewOf(flow))
}

// POST /api/flows/terms
func (h *FlowHandler) AcceptTerms(c *gin.Context) {
	flow, err := h.manager.AcceptTerms(requestContext(c), middleware.FlowID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, viewOf(flow))
}

// POST /api/flows/reset
func (h *FlowHandler) Reset(c *gin.Context) {
	ctx := requestContext(c)
	flowID := middleware.FlowID(c)

	// Drop cached session details before the reset forgets which session they
	// belong to.
	if h.sessions != nil {
		if flow, err := h.manager.Get(ctx, flowID); err == nil && flow.State.Session != nil {
			h.sessions.ClearCache(ctx, flow.State.Session.ID)
		}
	}

	flow, err := h.manager.Reset(ctx, flowID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, viewOf(flow))
}
