package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/sovsapp/enroll/internal/auth"
	"github.com/sovsapp/enroll/pkg/errors"
	"github.com/sovsapp/enroll/pkg/response"
)

// CtxFlowIDKey is the gin context key carrying the authenticated flow id.
const CtxFlowIDKey = "flowID"

// FlowAuth requires a valid flow token and propagates the flow id into the
// request context. Websocket clients cannot set headers, so a token query
// parameter is accepted as a fallback.
func FlowAuth(tokens *iauth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		flowID, err := tokens.ValidateFlowToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxFlowIDKey, flowID)
		c.Next()
	}
}

// FlowID returns the authenticated flow id set by FlowAuth.
func FlowID(c *gin.Context) string {
	return c.GetString(CtxFlowIDKey)
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
