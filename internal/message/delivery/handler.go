package delivery

import (
	"net/http"
	"time"

	authdomain "mailbridge-backend/internal/auth/domain"
	"mailbridge-backend/internal/message/usecase"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	snoozes *usecase.SnoozeUsecase
}

func NewMessageHandler(snoozes *usecase.SnoozeUsecase) *MessageHandler {
	return &MessageHandler{snoozes: snoozes}
}

func currentUserID(c *gin.Context) (string, bool) {
	user, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return "", false
	}
	userData, ok := user.(*authdomain.User)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user data"})
		return "", false
	}
	return userData.ID, true
}

type snoozeRequestBody struct {
	AccountID string    `json:"account_id" binding:"required"`
	Until     time.Time `json:"until" binding:"required"`
}

// POST /api/messages/:messageId/snooze
func (h *MessageHandler) Snooze(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var body snoozeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.snoozes.Snooze(userID, body.AccountID, c.Param("messageId"), body.Until); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message_id": c.Param("messageId"),
		"until":      body.Until,
	})
}

type unsnoozeRequestBody struct {
	AccountID string `json:"account_id" binding:"required"`
}

// POST /api/messages/:messageId/unsnooze
func (h *MessageHandler) Unsnooze(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var body unsnoozeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.snoozes.Unsnooze(userID, body.AccountID, c.Param("messageId")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": c.Param("messageId")})
}
