package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"leadflow/platform/config"
	"leadflow/platform/logger"
)

// NewRouter builds the loopback command surface: one /api/v1 group plus
// /healthz, no auth (the desktop shell is the only client and the
// listener never leaves 127.0.0.1).
func NewRouter(h *Handlers, cfg *config.Config, log *logger.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.Use(cors.New(buildCorsConfig(cfg)))
	engine.Use(securityHeaders())
	engine.Use(requestLogger(log))

	limiter := newIPRateLimiter(rate.Limit(20), 40, log)
	engine.Use(limiter.middleware())

	engine.GET("/healthz", h.healthz)

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/leads", h.listLeads)
		v1.POST("/leads", h.createLead)
		v1.GET("/leads/:id", h.getLeadDetail)
		v1.POST("/leads/:id/simulate-inbound", h.simulateInbound)

		v1.GET("/report/today", h.getTodayReport)

		v1.GET("/settings/kill-switch", h.getKillSwitch)
		v1.PUT("/settings/kill-switch", h.setKillSwitch)

		v1.POST("/jobs/run-due", h.runDueJobs)

		v1.GET("/agent/queue", h.listAgentQueue)
		v1.POST("/agent/dry-run", h.agentDryRun)
		v1.POST("/agent/execute", h.agentExecute)

		v1.GET("/location", h.getLocation)
		v1.PUT("/location", h.updateLocation)

		v1.GET("/export-db-path", h.exportDBPath)
		v1.POST("/wipe-all-data", h.wipeAllData)
		v1.POST("/log-client-error", h.logClientError)
		v1.POST("/open-devtools", h.openDevtools)
	}

	return engine
}

func buildCorsConfig(cfg config.HTTPConfig) cors.Config {
	return cors.Config{
		AllowOrigins:     cfg.GetCORSOrigins(),
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
}
