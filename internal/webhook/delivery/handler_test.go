package delivery

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	syncusecase "mailbridge-backend/internal/mailsync/usecase"
	"mailbridge-backend/internal/provider"

	"github.com/gin-gonic/gin"
)

// fakeAccountRepo serves only the lookup paths the webhook handlers touch.
type fakeAccountRepo struct {
	byAddress      map[string]*accountdomain.EmailAccount
	bySubscription map[string]*accountdomain.EmailAccount
	claims         atomic.Int32
}

func (f *fakeAccountRepo) Create(*accountdomain.EmailAccount) error { return nil }
func (f *fakeAccountRepo) FindByID(id string) (*accountdomain.EmailAccount, error) {
	for _, acc := range f.byAddress {
		if acc.ID == id {
			return acc, nil
		}
	}
	for _, acc := range f.bySubscription {
		if acc.ID == id {
			return acc, nil
		}
	}
	return nil, nil
}
func (f *fakeAccountRepo) FindByAddress(_ provider.Name, address string) (*accountdomain.EmailAccount, error) {
	return f.byAddress[address], nil
}
func (f *fakeAccountRepo) FindByUser(string) ([]*accountdomain.EmailAccount, error) {
	return nil, nil
}
func (f *fakeAccountRepo) FindBySubscription(id string) (*accountdomain.EmailAccount, error) {
	return f.bySubscription[id], nil
}
func (f *fakeAccountRepo) SetWatchSubscription(string, string) error { return nil }
func (f *fakeAccountRepo) FindSyncable() ([]*accountdomain.EmailAccount, error) {
	return nil, nil
}
func (f *fakeAccountRepo) ClaimSyncing(string) (bool, error) {
	f.claims.Add(1)
	return false, nil
}
func (f *fakeAccountRepo) FinishSync(string, string) error  { return nil }
func (f *fakeAccountRepo) ReleaseSyncing(string) error      { return nil }
func (f *fakeAccountRepo) SetPaused(string, bool) error     { return nil }
func (f *fakeAccountRepo) Archive(string) error             { return nil }

func newTestHandler(repo *fakeAccountRepo) *WebhookHandler {
	// ClaimSyncing always loses in the fake, so the coordinator stops
	// before touching its other dependencies.
	coordinator := syncusecase.NewCoordinator(repo, nil, nil, nil, nil, nil, nil)
	return NewWebhookHandler(repo, coordinator, "expected-state")
}

func newTestRouter(h *WebhookHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/google", h.HandleGoogle)
	r.GET("/webhooks/microsoft", h.HandleMicrosoftValidation)
	r.POST("/webhooks/microsoft", h.HandleMicrosoft)
	return r
}

func googleEnvelope(t *testing.T, address, historyID string) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]string{
		"emailAddress": address,
		"historyId":    historyID,
	})
	if err != nil {
		t.Fatal(err)
	}
	outer, err := json.Marshal(map[string]any{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "m-1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	if err != nil {
		t.Fatal(err)
	}
	return outer
}

func TestHandleGoogleTriggersSync(t *testing.T) {
	repo := &fakeAccountRepo{
		byAddress: map[string]*accountdomain.EmailAccount{
			"user@gmail.com": {ID: "acc-1", Address: "user@gmail.com", Provider: provider.Google},
		},
	}
	router := newTestRouter(newTestHandler(repo))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(googleEnvelope(t, "user@gmail.com", "12345")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	waitForClaim(t, repo)
}

func TestHandleGoogleRejectsBadPayloads(t *testing.T) {
	repo := &fakeAccountRepo{}
	router := newTestRouter(newTestHandler(repo))

	badData, _ := json.Marshal(map[string]any{
		"message": map[string]string{"data": "not-base64!!!"},
	})
	nonJSONInner, _ := json.Marshal(map[string]any{
		"message": map[string]string{"data": base64.StdEncoding.EncodeToString([]byte("plain text"))},
	})

	cases := []struct {
		name string
		body []byte
	}{
		{"malformed envelope", []byte("{not json")},
		{"invalid base64", badData},
		{"non-json notification", nonJSONInner},
		{"missing fields", googleEnvelope(t, "", "12345")},
		{"non-numeric historyId", googleEnvelope(t, "user@gmail.com", "latest")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
		})
	}
	if got := repo.claims.Load(); got != 0 {
		t.Fatalf("claims = %d, want 0", got)
	}
}

func TestHandleGoogleUnknownAccountStillAccepted(t *testing.T) {
	repo := &fakeAccountRepo{}
	router := newTestRouter(newTestHandler(repo))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", bytes.NewReader(googleEnvelope(t, "gone@gmail.com", "99")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := repo.claims.Load(); got != 0 {
		t.Fatalf("claims = %d, want 0", got)
	}
}

func TestHandleMicrosoftValidationEcho(t *testing.T) {
	router := newTestRouter(newTestHandler(&fakeAccountRepo{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/microsoft?validationToken=abc+123", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/plain" {
		t.Fatalf("content type = %q, want text/plain", got)
	}
	if w.Body.String() != "abc 123" {
		t.Fatalf("body = %q, want token echoed verbatim", w.Body.String())
	}
}

func TestHandleMicrosoftValidationMissingToken(t *testing.T) {
	router := newTestRouter(newTestHandler(&fakeAccountRepo{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/microsoft", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func graphBody(t *testing.T, notifications ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"value": notifications})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandleMicrosoftTriggersSync(t *testing.T) {
	repo := &fakeAccountRepo{
		bySubscription: map[string]*accountdomain.EmailAccount{
			"sub-1": {ID: "acc-2", Address: "user@outlook.com", Provider: provider.Microsoft},
		},
	}
	router := newTestRouter(newTestHandler(repo))

	body := graphBody(t, map[string]any{
		"subscriptionId":                 "sub-1",
		"clientState":                    "expected-state",
		"changeType":                     "created",
		"subscriptionExpirationDateTime": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	waitForClaim(t, repo)
}

func TestHandleMicrosoftDropsUnverifiedNotifications(t *testing.T) {
	repo := &fakeAccountRepo{
		bySubscription: map[string]*accountdomain.EmailAccount{
			"sub-1": {ID: "acc-2", Address: "user@outlook.com", Provider: provider.Microsoft},
		},
	}
	router := newTestRouter(newTestHandler(repo))

	cases := []struct {
		name string
		body []byte
	}{
		{"wrong clientState", graphBody(t, map[string]any{
			"subscriptionId": "sub-1",
			"clientState":    "attacker-state",
		})},
		{"expired subscription", graphBody(t, map[string]any{
			"subscriptionId":                 "sub-1",
			"clientState":                    "expected-state",
			"subscriptionExpirationDateTime": time.Now().Add(-time.Hour).Format(time.RFC3339),
		})},
		{"unknown subscription", graphBody(t, map[string]any{
			"subscriptionId": "sub-404",
			"clientState":    "expected-state",
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			if w.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", w.Code)
			}
		})
	}

	time.Sleep(50 * time.Millisecond)
	if got := repo.claims.Load(); got != 0 {
		t.Fatalf("claims = %d, want 0", got)
	}
}

func TestHandleMicrosoftMalformedBody(t *testing.T) {
	router := newTestRouter(newTestHandler(&fakeAccountRepo{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", bytes.NewReader([]byte("{broken")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func waitForClaim(t *testing.T, repo *fakeAccountRepo) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if repo.claims.Load() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background sync never claimed the account")
}
