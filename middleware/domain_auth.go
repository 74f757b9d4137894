package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"saas-chatbot-widget/internal/logger"
	"saas-chatbot-widget/models"
	"saas-chatbot-widget/services"
	"saas-chatbot-widget/utils"

	"github.com/gin-gonic/gin"
)

// AgentLookup resolves agent configuration by id.
type AgentLookup interface {
	Get(ctx context.Context, agentID string) (*models.Agent, error)
}

// WidgetAgentMiddleware loads the agent named by the :agentId parameter
// and checks that the requesting page may embed it: the agent must be
// active, allow embedding and, when it lists allowed domains, the page's
// Origin/Referer host must match one of them.
func WidgetAgentMiddleware(agents AgentLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := strings.ToLower(c.Param("agentId"))

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		agent, err := agents.Get(ctx, agentID)
		if errors.Is(err, services.ErrAgentNotFound) {
			utils.AbortWithError(c, http.StatusNotFound, "agent_not_found", "Agent not found", nil)
			return
		}
		if err != nil {
			logger.Error("Failed to load agent", "agent_id", agentID, "error", err)
			utils.AbortWithError(c, http.StatusInternalServerError, "internal_error", "Failed to load agent", nil)
			return
		}

		if !agent.IsActive() {
			utils.AbortWithError(c, http.StatusForbidden, "agent_inactive", "Agent is not active", nil)
			return
		}
		if !agent.Branding.AllowEmbedding {
			utils.AbortWithError(c, http.StatusForbidden, "embedding_disabled", "Embedding disabled", nil)
			return
		}

		if len(agent.AllowedDomains) > 0 {
			domain := utils.PageHost(c.Request)
			if !utils.DomainAllowed(domain, agent.AllowedDomains) {
				logger.Warn("Widget request from unauthorized domain",
					"agent_id", agentID,
					"domain", domain,
					"ip", utils.GetClientIP(c.Request),
				)
				utils.AbortWithError(c, http.StatusForbidden,
					"domain_not_authorized",
					"Domain not authorized for this agent",
					gin.H{"domain": domain})
				return
			}
		}

		c.Set("agent", agent)
		c.Next()
	}
}

// GetAgent returns the agent stored by WidgetAgentMiddleware.
func GetAgent(c *gin.Context) *models.Agent {
	if v, ok := c.Get("agent"); ok {
		if agent, ok := v.(*models.Agent); ok {
			return agent
		}
	}
	return nil
}
