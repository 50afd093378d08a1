package delivery

import (
	"net/http"
	"time"

	accountrepo "mailbridge-backend/internal/account/repository"
	authdomain "mailbridge-backend/internal/auth/domain"
	"mailbridge-backend/internal/vacation/usecase"

	"github.com/gin-gonic/gin"
)

type ResponderHandler struct {
	responders *usecase.ResponderUsecase
	accounts   accountrepo.AccountRepository
}

func NewResponderHandler(responders *usecase.ResponderUsecase, accounts accountrepo.AccountRepository) *ResponderHandler {
	return &ResponderHandler{responders: responders, accounts: accounts}
}

// ownedAccountID resolves the :accountId path param and checks it belongs to
// the authenticated user.
func (h *ResponderHandler) ownedAccountID(c *gin.Context) (string, bool) {
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

	accountID := c.Param("accountId")
	account, err := h.accounts.FindByID(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", false
	}
	if account == nil || account.UserID != userData.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return "", false
	}
	return accountID, true
}

// GET /api/accounts/:accountId/vacation
func (h *ResponderHandler) GetConfig(c *gin.Context) {
	accountID, ok := h.ownedAccountID(c)
	if !ok {
		return
	}

	responder, err := h.responders.GetConfig(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if responder == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, responder)
}

type responderConfigBody struct {
	Enabled   bool       `json:"enabled"`
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Message   string     `json:"message"`
}

// PUT /api/accounts/:accountId/vacation
func (h *ResponderHandler) SetConfig(c *gin.Context) {
	accountID, ok := h.ownedAccountID(c)
	if !ok {
		return
	}

	var body responderConfigBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	responder, err := h.responders.SetConfig(accountID, body.Enabled, body.StartDate, body.EndDate, body.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, responder)
}
