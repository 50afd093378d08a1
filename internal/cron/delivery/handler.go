package delivery

import (
	"net/http"
	"strings"

	syncusecase "mailbridge-backend/internal/mailsync/usecase"
	messageusecase "mailbridge-backend/internal/message/usecase"
	outboxusecase "mailbridge-backend/internal/outbox/usecase"
	"mailbridge-backend/internal/token"
	"mailbridge-backend/pkg/config"

	"github.com/gin-gonic/gin"
)

// CronHandler exposes the periodic maintenance ticks as HTTP endpoints so an
// external scheduler can drive them. Every endpoint is guarded by the shared
// cron secret.
type CronHandler struct {
	cfg         *config.Config
	tokens      *token.Manager
	coordinator *syncusecase.Coordinator
	outbox      *outboxusecase.OutboxUsecase
	snoozes     *messageusecase.SnoozeUsecase
}

func NewCronHandler(
	cfg *config.Config,
	tokens *token.Manager,
	coordinator *syncusecase.Coordinator,
	outbox *outboxusecase.OutboxUsecase,
	snoozes *messageusecase.SnoozeUsecase,
) *CronHandler {
	return &CronHandler{
		cfg:         cfg,
		tokens:      tokens,
		coordinator: coordinator,
		outbox:      outbox,
		snoozes:     snoozes,
	}
}

// RequireCronSecret rejects callers that do not present the shared secret as
// a bearer token. Deployments without CRON_SECRET get no cron surface at all
// rather than an open one.
func (h *CronHandler) RequireCronSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.CronSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "cron secret not configured"})
			return
		}
		auth := c.GetHeader("Authorization")
		secret, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || secret != h.cfg.CronSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid cron secret"})
			return
		}
		c.Next()
	}
}

// RefreshTokens proactively refreshes credentials expiring within the
// configured margin.
func (h *CronHandler) RefreshTokens(c *gin.Context) {
	refreshed, err := h.tokens.RefreshExpiringSoon(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

// SweepSync triggers a sync for every syncable account.
func (h *CronHandler) SweepSync(c *gin.Context) {
	started := h.coordinator.SweepAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"synced": started})
}

// ProcessQueuedSends flushes undo-send items whose delay has lapsed.
func (h *CronHandler) ProcessQueuedSends(c *gin.Context) {
	sent, failed := h.outbox.ProcessDueQueuedSends(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sent": sent, "failed": failed})
}

// ProcessScheduledSends delivers scheduled emails that are due, retrying
// failures up to the attempt cap.
func (h *CronHandler) ProcessScheduledSends(c *gin.Context) {
	sent, failed := h.outbox.ProcessDueScheduledSends(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sent": sent, "failed": failed})
}

// WakeSnoozedMessages surfaces messages whose snooze window has lapsed.
func (h *CronHandler) WakeSnoozedMessages(c *gin.Context) {
	woke, err := h.snoozes.WakeDue(c.Request.Context(), h.cfg.SweepBatchLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"woke": woke})
}
