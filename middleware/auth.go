package middleware

import (
	"net/http"
	"strings"

	"saas-chatbot-widget/internal/identity"

	"github.com/gin-gonic/gin"
)

const WidgetTokenHeader = "X-Widget-Token"

// SessionAuthenticator validates widget session tokens.
type SessionAuthenticator interface {
	Authenticate(token, agentID string) (identity.Session, error)
}

// RequireWidgetSession validates the session token issued at bootstrap,
// read from the X-Widget-Token header or the token query parameter
// (browsers cannot set headers on websocket upgrades).
func RequireWidgetSession(auth SessionAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader(WidgetTokenHeader)
		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "unauthorized",
				"message":    "Widget session token is required",
			})
			return
		}

		// Tokens carry the canonical id of the agent loaded for this route.
		agentID := strings.ToLower(c.Param("agentId"))
		if agent := GetAgent(c); agent != nil {
			agentID = agent.ID.Hex()
		}

		session, err := auth.Authenticate(tokenString, agentID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code": "session_expired",
				"message":    "Widget session is invalid or expired. Reload the widget.",
			})
			return
		}

		c.Set("widget_session", session)
		c.Next()
	}
}

// GetWidgetSession returns the session stored by RequireWidgetSession.
func GetWidgetSession(c *gin.Context) (identity.Session, bool) {
	v, ok := c.Get("widget_session")
	if !ok {
		return identity.Session{}, false
	}
	session, ok := v.(identity.Session)
	return session, ok
}
