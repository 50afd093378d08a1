package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	accountrepo "mailbridge-backend/internal/account/repository"
	syncusecase "mailbridge-backend/internal/mailsync/usecase"
	"mailbridge-backend/internal/provider"

	"github.com/gin-gonic/gin"
)

// WebhookHandler ingests provider push notifications. Handlers verify
// authenticity, resolve the implicated account and fire a delta sync in the
// background; they never wait for the sync, because providers treat slow or
// failing webhook responses as a reason to retry or disable the
// subscription. The coordinator's per-account claim absorbs bursts.
type WebhookHandler struct {
	accounts    accountrepo.AccountRepository
	coordinator *syncusecase.Coordinator
	clientState string
}

func NewWebhookHandler(accounts accountrepo.AccountRepository, coordinator *syncusecase.Coordinator, microsoftClientState string) *WebhookHandler {
	return &WebhookHandler{
		accounts:    accounts,
		coordinator: coordinator,
		clientState: microsoftClientState,
	}
}

type googlePushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// HandleGoogle receives a Pub/Sub push envelope wrapping a Gmail
// notification. Malformed envelopes are an authentication failure (401); an
// unknown account is a normal 200 so Pub/Sub stops redelivering.
func (h *WebhookHandler) HandleGoogle(c *gin.Context) {
	var envelope googlePushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "malformed push envelope"})
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid envelope encoding"})
		return
	}

	var notification gmailNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid notification payload"})
		return
	}
	if notification.EmailAddress == "" || notification.HistoryID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing notification fields"})
		return
	}
	if _, err := strconv.ParseUint(notification.HistoryID, 10, 64); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "historyId must be numeric"})
		return
	}

	account, err := h.accounts.FindByAddress(provider.Google, notification.EmailAddress)
	if err != nil {
		log.Printf("[Webhook] Account lookup failed for %s: %v", notification.EmailAddress, err)
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}
	if account == nil {
		// Not an error: the mailbox may have been disconnected after the
		// watch was registered.
		c.JSON(http.StatusOK, gin.H{"status": "account not found"})
		return
	}

	h.dispatchSync(account.ID, account.Address)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// HandleMicrosoftValidation answers Graph's one-time endpoint-ownership
// probe: the validationToken is echoed back verbatim as plain text.
func (h *WebhookHandler) HandleMicrosoftValidation(c *gin.Context) {
	token := c.Query("validationToken")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validationToken required"})
		return
	}
	c.Data(http.StatusOK, "text/plain", []byte(token))
}

type graphNotification struct {
	SubscriptionID                 string    `json:"subscriptionId"`
	ClientState                    string    `json:"clientState"`
	ChangeType                     string    `json:"changeType"`
	Resource                       string    `json:"resource"`
	SubscriptionExpirationDateTime time.Time `json:"subscriptionExpirationDateTime"`
}

// HandleMicrosoft receives Graph change notifications. Graph requires
// async-accept semantics: the response is 202 regardless of per-item
// verification outcome, 500 only for bodies that do not parse.
func (h *WebhookHandler) HandleMicrosoft(c *gin.Context) {
	var body struct {
		Value []graphNotification `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed notification body"})
		return
	}

	now := time.Now()
	for _, n := range body.Value {
		if n.ClientState != h.clientState {
			log.Printf("[Webhook] Dropping Graph notification with bad clientState (subscription %s)", n.SubscriptionID)
			continue
		}
		if !n.SubscriptionExpirationDateTime.IsZero() && n.SubscriptionExpirationDateTime.Before(now) {
			log.Printf("[Webhook] Dropping Graph notification for expired subscription %s", n.SubscriptionID)
			continue
		}

		account, err := h.accounts.FindBySubscription(n.SubscriptionID)
		if err != nil {
			log.Printf("[Webhook] Account lookup failed for subscription %s: %v", n.SubscriptionID, err)
			continue
		}
		if account == nil {
			log.Printf("[Webhook] No account for Graph subscription %s", n.SubscriptionID)
			continue
		}

		h.dispatchSync(account.ID, account.Address)
	}

	c.Status(http.StatusAccepted)
}

// dispatchSync fires a delta sync without awaiting it. Overlap with other
// triggers is resolved by the coordinator's idle→syncing claim.
func (h *WebhookHandler) dispatchSync(accountID, address string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := h.coordinator.SyncAccount(ctx, accountID); err != nil {
			log.Printf("[Webhook] Background sync for %s failed: %v", address, err)
		}
	}()
}
