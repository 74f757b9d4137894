package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// SetupHealthRoutes registers GET /health. A failing check marks the
// service degraded; the widget keeps working on in-memory fallbacks, so
// the endpoint still answers 200 unless every check fails.
func SetupHealthRoutes(router *gin.Engine, checks map[string]HealthCheck) {
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		results := make(gin.H, len(checks))
		failed := 0
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				failed++
				continue
			}
			results[name] = "ok"
		}

		status, code := "ok", http.StatusOK
		if failed > 0 {
			status = "degraded"
		}
		if len(checks) > 0 && failed == len(checks) {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"status": status,
			"checks": results,
			"time":   time.Now().UTC(),
		})
	})
}
