package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// MicrosoftAdapter implements Adapter over the Microsoft Graph REST API.
// Delta cursors are full @odata.deltaLink URLs as returned by Graph.
type MicrosoftAdapter struct {
	oauth       *oauth2.Config
	clientState string
	notifyURL   string
	httpClient  *http.Client
}

func NewMicrosoftAdapter(clientID, clientSecret, redirectURI, clientState, notifyURL string) *MicrosoftAdapter {
	return &MicrosoftAdapter{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes: []string{
				"offline_access",
				"https://graph.microsoft.com/Mail.ReadWrite",
				"https://graph.microsoft.com/Mail.Send",
				"https://graph.microsoft.com/User.Read",
			},
		},
		clientState: clientState,
		notifyURL:   notifyURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *MicrosoftAdapter) Name() Name { return Microsoft }

func (a *MicrosoftAdapter) GetAuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (a *MicrosoftAdapter) ExchangeCode(ctx context.Context, code string) (*Token, string, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", classifyGraphOAuthError("unable to exchange authorization code", err)
	}
	token := fromOAuth2Token(tok, a.oauth.Scopes)

	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := a.get(ctx, token, "/me", &me); err != nil {
		return nil, "", err
	}
	address := me.Mail
	if address == "" {
		address = me.UserPrincipalName
	}
	return token, address, nil
}

func (a *MicrosoftAdapter) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	src := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyGraphOAuthError("unable to refresh access token", err)
	}
	return fromOAuth2Token(tok, a.oauth.Scopes), nil
}

type graphFolder struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	UnreadItemCount int    `json:"unreadItemCount"`
}

func (a *MicrosoftAdapter) ListFolders(ctx context.Context, token *Token) ([]*Folder, error) {
	var resp struct {
		Value []graphFolder `json:"value"`
	}
	if err := a.get(ctx, token, "/me/mailFolders?$top=100", &resp); err != nil {
		return nil, err
	}

	folders := make([]*Folder, 0, len(resp.Value))
	for _, f := range resp.Value {
		folders = append(folders, &Folder{
			ID:     f.ID,
			Name:   f.DisplayName,
			Role:   graphFolderRole(f.DisplayName),
			Unread: f.UnreadItemCount,
		})
	}
	return folders, nil
}

type graphMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	ParentFolderID string `json:"parentFolderId"`
	Subject        string `json:"subject"`
	BodyPreview    string `json:"bodyPreview"`
	IsRead         bool   `json:"isRead"`
	Removed        *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ToRecipients []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"toRecipients"`
}

func (a *MicrosoftAdapter) ListMessages(ctx context.Context, token *Token, folderID string, limit int) ([]*Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	var resp struct {
		Value    []graphMessage `json:"value"`
		NextLink string         `json:"@odata.nextLink"`
	}
	path := fmt.Sprintf("/me/mailFolders/%s/messages?$top=%d", folderID, limit)
	if err := a.get(ctx, token, path, &resp); err != nil {
		return nil, "", err
	}

	messages := make([]*Message, 0, len(resp.Value))
	for i := range resp.Value {
		messages = append(messages, convertGraphMessage(&resp.Value[i]))
	}
	return messages, resp.NextLink, nil
}

func (a *MicrosoftAdapter) ListChanges(ctx context.Context, token *Token, cursor string) (*ChangeSet, error) {
	if !strings.HasPrefix(cursor, "https://") {
		return nil, &Error{Kind: KindVerification, Message: "invalid delta cursor"}
	}

	set := &ChangeSet{NewCursor: cursor}
	url := cursor

	for url != "" {
		var resp struct {
			Value     []graphMessage `json:"value"`
			NextLink  string         `json:"@odata.nextLink"`
			DeltaLink string         `json:"@odata.deltaLink"`
		}
		if err := a.getURL(ctx, token, url, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Value {
			m := &resp.Value[i]
			if m.Removed != nil {
				set.Messages = append(set.Messages, &Message{ID: m.ID, Deleted: true})
				continue
			}
			set.Messages = append(set.Messages, convertGraphMessage(m))
		}

		if resp.DeltaLink != "" {
			set.NewCursor = resp.DeltaLink
			break
		}
		url = resp.NextLink
	}

	return set, nil
}

func (a *MicrosoftAdapter) InitialCursor(ctx context.Context, token *Token) (string, error) {
	// $deltatoken=latest yields an empty change page whose deltaLink
	// represents the current mailbox state.
	url := graphBaseURL + "/me/mailFolders/inbox/messages/delta?$deltatoken=latest"
	for url != "" {
		var resp struct {
			NextLink  string `json:"@odata.nextLink"`
			DeltaLink string `json:"@odata.deltaLink"`
		}
		if err := a.getURL(ctx, token, url, &resp); err != nil {
			return "", err
		}
		if resp.DeltaLink != "" {
			return resp.DeltaLink, nil
		}
		url = resp.NextLink
	}
	return "", NewTransientError("delta seed returned no delta link", ErrProviderUnavailable)
}

func (a *MicrosoftAdapter) SendMessage(ctx context.Context, token *Token, msg *OutgoingMessage) (string, error) {
	contentType := "Text"
	if msg.IsHTML {
		contentType = "HTML"
	}

	recipients := func(addrs []string) []map[string]any {
		out := make([]map[string]any, 0, len(addrs))
		for _, addr := range addrs {
			out = append(out, map[string]any{"emailAddress": map[string]string{"address": addr}})
		}
		return out
	}

	message := map[string]any{
		"subject":      msg.Subject,
		"body":         map[string]string{"contentType": contentType, "content": msg.Body},
		"toRecipients": recipients(msg.To),
	}
	if len(msg.Cc) > 0 {
		message["ccRecipients"] = recipients(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		message["bccRecipients"] = recipients(msg.Bcc)
	}
	if msg.AutoReply {
		message["internetMessageHeaders"] = []map[string]string{
			{"name": "X-Auto-Response-Suppress", "value": "All"},
		}
	}

	body, err := json.Marshal(map[string]any{"message": message, "saveToSentItems": true})
	if err != nil {
		return "", fmt.Errorf("unable to encode sendMail request: %w", err)
	}

	if err := a.post(ctx, token, "/me/sendMail", body); err != nil {
		return "", err
	}
	// Graph sendMail returns 202 with no message id.
	return "", nil
}

func (a *MicrosoftAdapter) WatchMailbox(ctx context.Context, token *Token) (string, error) {
	if a.notifyURL == "" {
		return "", nil
	}

	body, err := json.Marshal(map[string]any{
		"changeType":         "created,updated",
		"notificationUrl":    a.notifyURL,
		"resource":           "/me/mailFolders('inbox')/messages",
		"clientState":        a.clientState,
		"expirationDateTime": time.Now().Add(71 * time.Hour).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("unable to encode subscription request: %w", err)
	}

	var sub struct {
		ID string `json:"id"`
	}
	if err := a.postJSON(ctx, token, "/subscriptions", body, &sub); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (a *MicrosoftAdapter) StopWatch(ctx context.Context, token *Token) error {
	// Subscriptions expire on their own within ~3 days; nothing to tear down
	// eagerly without persisting the subscription id.
	return nil
}

func (a *MicrosoftAdapter) get(ctx context.Context, token *Token, path string, out any) error {
	return a.getURL(ctx, token, graphBaseURL+path, out)
}

func (a *MicrosoftAdapter) getURL(ctx context.Context, token *Token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("unable to build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return NewTransientError("graph request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyGraphStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewTransientError("unable to decode graph response", err)
	}
	return nil
}

func (a *MicrosoftAdapter) post(ctx context.Context, token *Token, path string, body []byte) error {
	return a.postJSON(ctx, token, path, body, nil)
}

func (a *MicrosoftAdapter) postJSON(ctx context.Context, token *Token, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graphBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("unable to build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return NewTransientError("graph request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyGraphStatus(resp); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewTransientError("unable to decode graph response", err)
	}
	return nil
}

func classifyGraphStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return NewCredentialError("graph rejected access token", ErrTokenExpired)
	case resp.StatusCode == http.StatusForbidden:
		return NewCredentialError("graph access forbidden", ErrTokenRevoked)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return NewTransientError(fmt.Sprintf("graph returned status %d", resp.StatusCode), ErrProviderUnavailable)
	default:
		return NewTransientError(fmt.Sprintf("graph returned status %d", resp.StatusCode), nil)
	}
}

func classifyGraphOAuthError(msg string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if strings.Contains(string(retrieve.Body), "invalid_grant") {
			return NewCredentialError(msg, ErrTokenRevoked)
		}
		if retrieve.Response != nil && retrieve.Response.StatusCode == http.StatusUnauthorized {
			return NewCredentialError(msg, ErrTokenExpired)
		}
	}
	return NewTransientError(msg, err)
}

func graphFolderRole(displayName string) string {
	switch strings.ToLower(displayName) {
	case "inbox":
		return "inbox"
	case "sent items":
		return "sent"
	case "drafts":
		return "drafts"
	case "deleted items":
		return "trash"
	case "junk email":
		return "spam"
	}
	return ""
}

func convertGraphMessage(m *graphMessage) *Message {
	to := make([]string, 0, len(m.ToRecipients))
	for _, r := range m.ToRecipients {
		to = append(to, r.EmailAddress.Address)
	}

	return &Message{
		ID:         m.ID,
		ThreadID:   m.ConversationID,
		FolderID:   m.ParentFolderID,
		From:       m.From.EmailAddress.Address,
		FromName:   m.From.EmailAddress.Name,
		To:         to,
		Subject:    m.Subject,
		Snippet:    m.BodyPreview,
		Body:       m.Body.Content,
		IsHTML:     strings.EqualFold(m.Body.ContentType, "html"),
		IsRead:     m.IsRead,
		ReceivedAt: m.ReceivedDateTime,
	}
}
