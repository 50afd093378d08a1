package delivery

import (
	"net/http"

	"mailbridge-backend/internal/account/usecase"
	authdomain "mailbridge-backend/internal/auth/domain"
	"mailbridge-backend/internal/provider"

	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	accounts *usecase.AccountUsecase
}

func NewAccountHandler(accounts *usecase.AccountUsecase) *AccountHandler {
	return &AccountHandler{accounts: accounts}
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

// GET /api/accounts
func (h *AccountHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	accounts, err := h.accounts.List(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// GET /api/accounts/connect/:provider
// Connect returns the consent URL the client should redirect the user to.
func (h *AccountHandler) Connect(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	url, err := h.accounts.ConnectURL(userID, provider.Name(c.Param("provider")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// GET /api/accounts/callback
// Callback is the OAuth redirect target. It is unauthenticated; the signed
// state parameter identifies the initiating user.
func (h *AccountHandler) Callback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state and code are required"})
		return
	}

	account, err := h.accounts.HandleCallback(c.Request.Context(), state, code)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// POST /api/accounts/:accountId/pause
func (h *AccountHandler) Pause(c *gin.Context) {
	h.setPaused(c, true)
}

// POST /api/accounts/:accountId/resume
func (h *AccountHandler) Resume(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *AccountHandler) setPaused(c *gin.Context, paused bool) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.accounts.SetPaused(userID, c.Param("accountId"), paused); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

// POST /api/accounts/:accountId/resync
// Resync replays the mailbox from scratch in the background.
func (h *AccountHandler) Resync(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.accounts.Resync(c.Request.Context(), userID, c.Param("accountId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resync started"})
}

// DELETE /api/accounts/:accountId
func (h *AccountHandler) Archive(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.accounts.Archive(c.Request.Context(), userID, c.Param("accountId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}
