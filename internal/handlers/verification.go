package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/middleware"
	"github.com/sovsapp/enroll/internal/verify"
	"github.com/sovsapp/enroll/internal/workflow"
	appErrors "github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/logger"
	"github.com/sovsapp/enroll/pkg/response"
)

// VerificationHandler drives the identity-verification hand-off.
type VerificationHandler struct {
	manager *workflow.Manager
	client  *verify.Client
}

func NewVerificationHandler(manager *workflow.Manager, client *verify.Client) *VerificationHandler {
	return &VerificationHandler{manager: manager, client: client}
}

// POST /api/verification/sessions
func (h *VerificationHandler) CreateSession(c *gin.Context) {
	ctx := requestContext(c)

	session, err := h.client.CreateSession(ctx)
	if err != nil {
		response.Error(c, err)
		return
	}

	flow, err := h.manager.StartVerification(ctx, middleware.FlowID(c), session)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"flow":    viewOf(flow),
		"session": session,
	})
}

// GET /api/verification/sessions/current
func (h *VerificationHandler) CurrentSession(c *gin.Context) {
	ctx := requestContext(c)

	flow, err := h.manager.Get(ctx, middleware.FlowID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if flow.State.Session == nil {
		response.Error(c, workflow.ErrSessionMissing)
		return
	}

	session, err := h.client.SessionDetails(ctx, flow.State.Session.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, session)
}

// GET /api/verification/sessions/current/qr
func (h *VerificationHandler) SessionQR(c *gin.Context) {
	ctx := requestContext(c)

	flow, err := h.manager.Get(ctx, middleware.FlowID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if flow.State.Session == nil {
		response.Error(c, workflow.ErrSessionMissing)
		return
	}

	size, _ := strconv.Atoi(c.Query("size"))
	png, err := verify.VerificationQR(flow.State.Session, size)
	if err != nil {
		response.Error(c, appErrors.NewBadRequest("the session has no verification url to encode"))
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// POST /api/verification/confirm
func (h *VerificationHandler) Confirm(c *gin.Context) {
	ctx := requestContext(c)
	flowID := middleware.FlowID(c)

	flow, err := h.manager.Get(ctx, flowID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if flow.State.Session == nil {
		response.Error(c, workflow.ErrSessionMissing)
		return
	}

	outcome, err := h.client.VerifySession(ctx, flow.State.Session.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	// A provider rejection is a normal result the wizard renders, not a 5xx.
	if !outcome.Verified {
		response.Success(c, http.StatusOK, gin.H{"outcome": outcome, "flow": viewOf(flow)})
		return
	}

	updated, err := h.manager.ApplyOutcome(ctx, flowID, outcome)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"outcome": outcome, "flow": viewOf(updated)})
}

// GET /api/verification/callback
//
// The provider redirects here after the external hand-off. The session id
// travels as a query parameter; the result is forwarded to the backend and,
// when it belongs to the flow's current session, applied to the flow.
func (h *VerificationHandler) Callback(c *gin.Context) {
	ctx := requestContext(c)
	flowID := middleware.FlowID(c)

	sessionID, err := verify.SessionIDFromURL(c.Request.URL.String())
	if err != nil {
		response.Error(c, appErrors.NewBadRequest("the callback carries no session_id"))
		return
	}

	payload := map[string]interface{}{"session_id": sessionID}
	for key, values := range c.Request.URL.Query() {
		if key != "token" && len(values) > 0 {
			payload[key] = values[0]
		}
	}

	session, err := h.client.HandleCallback(ctx, payload)
	if err != nil {
		response.Error(c, err)
		return
	}

	if session.Status == verify.StatusVerified {
		outcome := &verify.Outcome{SessionID: session.ID, Verified: true, Identity: session.UserInfo}
		if _, err := h.manager.ApplyOutcome(ctx, flowID, outcome); err != nil {
			// A result for a discarded session is dropped, not surfaced.
			if !errors.Is(err, workflow.ErrStaleSession) {
				response.Error(c, err)
				return
			}
			logger.WithFlow("handlers", flowID).Debug("ignoring callback for discarded session",
				zap.String("session_id", session.ID))
		}
	}

	flow, err := h.manager.Get(ctx, flowID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": session, "flow": viewOf(flow)})
}
