package main

import (
	"context"
	"net/http"

	"callcenter-platform/internal/httpapi"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// Keep this file free of business logic. Handlers delegate to internal modules.

func registerPublicRoutes(r *gin.Engine, ready func(context.Context) error, m *metrics.Metrics, webhooks telephony.TwilioWebhookHandler, guard gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// Provider webhooks authenticate by signature, not bearer token.
	webhooks.Register(r.Group("/webhooks/twilio", guard))
}

func registerProtectedRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers) {
	h.Register(r.Group("/v1", authMW))

	// Desktops pass the access token as a query parameter on the upgrade.
	h.RegisterSocket(r.Group("/ws", authMW))
}
