package api

import (
	"net/http"

	"mailbridge-backend/internal/auth/delivery"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	authHandler := delivery.NewAuthHandler(h.authUsecase)
	authRequired := delivery.AuthMiddleware(h.authUsecase)

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// SSE endpoint
		api.GET("/events", authRequired, func(c *gin.Context) {
			h.sseManager.ServeHTTP(c, c.GetString("userID"))
		})

		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.POST("/logout", authHandler.Logout)
			auth.GET("/me", authRequired, authHandler.Me)
		}

		// FCM routes (protected)
		fcm := api.Group("/fcm")
		fcm.Use(authRequired)
		{
			fcm.POST("/register", authHandler.RegisterFCMToken)
			fcm.DELETE("/:token", authHandler.UnregisterFCMToken)
		}

		// Account routes. The OAuth callback is public; the signed state
		// parameter carries the user identity.
		accounts := api.Group("/accounts")
		{
			accounts.GET("/callback", h.accountHandler.Callback)

			protected := accounts.Group("")
			protected.Use(authRequired)
			{
				protected.GET("", h.accountHandler.List)
				protected.GET("/connect/:provider", h.accountHandler.Connect)
				protected.POST("/:accountId/pause", h.accountHandler.Pause)
				protected.POST("/:accountId/resume", h.accountHandler.Resume)
				protected.POST("/:accountId/resync", h.accountHandler.Resync)
				protected.DELETE("/:accountId", h.accountHandler.Archive)
				protected.GET("/:accountId/vacation", h.vacationHandler.GetConfig)
				protected.PUT("/:accountId/vacation", h.vacationHandler.SetConfig)
			}
		}

		// Message routes (protected)
		messages := api.Group("/messages")
		messages.Use(authRequired)
		{
			messages.POST("/:messageId/snooze", h.messageHandler.Snooze)
			messages.POST("/:messageId/unsnooze", h.messageHandler.Unsnooze)
		}

		// Outbox routes (protected)
		outbox := api.Group("/outbox")
		outbox.Use(authRequired)
		{
			outbox.POST("/send", h.outboxHandler.Send)
			outbox.POST("/send/:id/cancel", h.outboxHandler.CancelSend)
			outbox.POST("/schedule", h.outboxHandler.Schedule)
		}

		// Provider push endpoints (verified per-request, not JWT auth)
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/google", h.webhookHandler.HandleGoogle)
			webhooks.GET("/microsoft", h.webhookHandler.HandleMicrosoftValidation)
			webhooks.POST("/microsoft", h.webhookHandler.HandleMicrosoft)
		}

		// Cron ticks, guarded by the shared secret
		cron := api.Group("/cron")
		cron.Use(h.cronHandler.RequireCronSecret())
		{
			cron.POST("/refresh-tokens", h.cronHandler.RefreshTokens)
			cron.POST("/sync", h.cronHandler.SweepSync)
			cron.POST("/queued-sends", h.cronHandler.ProcessQueuedSends)
			cron.POST("/scheduled-sends", h.cronHandler.ProcessScheduledSends)
			cron.POST("/snoozes", h.cronHandler.WakeSnoozedMessages)
		}
	}
}
