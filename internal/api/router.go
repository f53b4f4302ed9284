package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Handler         *Handler
	LiveUpdates     http.HandlerFunc
	AllowedOrigins  []string
	EnableDevRoutes bool
	Logger          *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	router.GET("/healthz", cfg.Handler.HealthCheck)
	if cfg.LiveUpdates != nil {
		router.GET("/ws", gin.WrapF(cfg.LiveUpdates))
	}

	api := router.Group("/api")
	{
		api.GET("/alerts", cfg.Handler.ActiveAlerts)
		api.GET("/alerts/history", cfg.Handler.AlertHistory)
		api.PUT("/alerts/:id/acknowledge", cfg.Handler.AcknowledgeAlert)

		api.GET("/vitals", cfg.Handler.RecentVitals)
		api.GET("/vitals/history", cfg.Handler.VitalsHistory)
		api.GET("/vitals/:patientId", cfg.Handler.PatientVitals)

		api.GET("/dashboard/stats", cfg.Handler.DashboardStats)

		if cfg.EnableDevRoutes {
			api.POST("/dev/mqtt-publish", cfg.Handler.DevPublish)
		}
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" {
			return
		}
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
