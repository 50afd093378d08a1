package delivery

import (
	"errors"
	"net/http"
	"time"

	authdomain "mailbridge-backend/internal/auth/domain"
	"mailbridge-backend/internal/outbox/usecase"

	"github.com/gin-gonic/gin"
)

type OutboxHandler struct {
	outbox *usecase.OutboxUsecase
}

func NewOutboxHandler(outbox *usecase.OutboxUsecase) *OutboxHandler {
	return &OutboxHandler{outbox: outbox}
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

type sendRequestBody struct {
	AccountID string   `json:"account_id" binding:"required"`
	To        []string `json:"to" binding:"required,min=1"`
	Cc        []string `json:"cc"`
	Bcc       []string `json:"bcc"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	IsHTML    bool     `json:"is_html"`
}

func (b *sendRequestBody) toUsecase(userID string) *usecase.SendRequest {
	return &usecase.SendRequest{
		UserID:    userID,
		AccountID: b.AccountID,
		To:        b.To,
		Cc:        b.Cc,
		Bcc:       b.Bcc,
		Subject:   b.Subject,
		Body:      b.Body,
		IsHTML:    b.IsHTML,
	}
}

// POST /api/outbox/send
// Send enqueues the message behind the undo window instead of delivering it
// immediately; the returned send_at tells the client how long undo stays
// available.
func (h *OutboxHandler) Send(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.outbox.EnqueueUndoSend(body.toUsecase(userID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":      item.ID,
		"send_at": item.SendAt,
	})
}

// POST /api/outbox/send/:id/cancel
// CancelSend aborts a queued send while its undo window is open.
func (h *OutboxHandler) CancelSend(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	err := h.outbox.CancelUndoSend(userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrUndoWindowExpired) {
			c.JSON(http.StatusConflict, gin.H{"error": "undo window has expired"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

type scheduleRequestBody struct {
	sendRequestBody
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

// POST /api/outbox/schedule
// Schedule records the message for delivery at a future time.
func (h *OutboxHandler) Schedule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var body scheduleRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !body.ScheduledFor.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_for must be in the future"})
		return
	}

	item, err := h.outbox.ScheduleSend(body.toUsecase(userID), body.ScheduledFor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":            item.ID,
		"scheduled_for": item.ScheduledFor,
		"status":        item.Status,
	})
}
