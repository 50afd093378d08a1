package api

import (
	accountDelivery "mailbridge-backend/internal/account/delivery"
	authUsecase "mailbridge-backend/internal/auth/usecase"
	cronDelivery "mailbridge-backend/internal/cron/delivery"
	messageDelivery "mailbridge-backend/internal/message/delivery"
	outboxDelivery "mailbridge-backend/internal/outbox/delivery"
	vacationDelivery "mailbridge-backend/internal/vacation/delivery"
	webhookDelivery "mailbridge-backend/internal/webhook/delivery"
	"mailbridge-backend/pkg/config"
	"mailbridge-backend/pkg/sse"

	"github.com/gin-gonic/gin"
)

// Handler bundles everything the HTTP layer needs.
type Handler struct {
	authUsecase     authUsecase.AuthUsecase
	sseManager      *sse.Manager
	config          *config.Config
	accountHandler  *accountDelivery.AccountHandler
	messageHandler  *messageDelivery.MessageHandler
	outboxHandler   *outboxDelivery.OutboxHandler
	vacationHandler *vacationDelivery.ResponderHandler
	webhookHandler  *webhookDelivery.WebhookHandler
	cronHandler     *cronDelivery.CronHandler
}

func NewHandler(
	authUc authUsecase.AuthUsecase,
	sseManager *sse.Manager,
	cfg *config.Config,
	accountHandler *accountDelivery.AccountHandler,
	messageHandler *messageDelivery.MessageHandler,
	outboxHandler *outboxDelivery.OutboxHandler,
	vacationHandler *vacationDelivery.ResponderHandler,
	webhookHandler *webhookDelivery.WebhookHandler,
	cronHandler *cronDelivery.CronHandler,
) *Handler {
	return &Handler{
		authUsecase:     authUc,
		sseManager:      sseManager,
		config:          cfg,
		accountHandler:  accountHandler,
		messageHandler:  messageHandler,
		outboxHandler:   outboxHandler,
		vacationHandler: vacationHandler,
		webhookHandler:  webhookHandler,
		cronHandler:     cronHandler,
	}
}

func (h *Handler) Start(addr string) error {
	r := gin.Default()
	gin.SetMode(gin.ReleaseMode)

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h)

	return r.Run(addr)
}
