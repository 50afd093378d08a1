package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleAdapter implements Adapter over the Gmail REST API. Delta cursors
// are Gmail history ids rendered as decimal strings.
type GoogleAdapter struct {
	oauth     *oauth2.Config
	topicName string
}

func NewGoogleAdapter(clientID, clientSecret, redirectURI, pubsubTopic string) *GoogleAdapter {
	return &GoogleAdapter{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				gmail.GmailModifyScope,
				gmail.GmailSendScope,
				"https://www.googleapis.com/auth/userinfo.email",
			},
		},
		topicName: pubsubTopic,
	}
}

func (a *GoogleAdapter) Name() Name { return Google }

func (a *GoogleAdapter) GetAuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

func (a *GoogleAdapter) ExchangeCode(ctx context.Context, code string) (*Token, string, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", classifyGoogleError("unable to exchange authorization code", err)
	}

	token := fromOAuth2Token(tok, a.oauth.Scopes)
	srv, err := a.service(ctx, token)
	if err != nil {
		return nil, "", err
	}

	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, "", classifyGoogleError("unable to load gmail profile", err)
	}

	return token, profile.EmailAddress, nil
}

func (a *GoogleAdapter) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	src := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyGoogleError("unable to refresh access token", err)
	}
	return fromOAuth2Token(tok, a.oauth.Scopes), nil
}

func (a *GoogleAdapter) ListFolders(ctx context.Context, token *Token) ([]*Folder, error) {
	srv, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := srv.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError("unable to list labels", err)
	}

	folders := make([]*Folder, 0, len(resp.Labels))
	for _, label := range resp.Labels {
		if label.Type != "system" && label.Type != "user" {
			continue
		}
		folders = append(folders, &Folder{
			ID:     label.Id,
			Name:   label.Name,
			Role:   gmailLabelRole(label),
			Unread: int(label.MessagesUnread),
		})
	}
	return folders, nil
}

func (a *GoogleAdapter) ListMessages(ctx context.Context, token *Token, folderID string, limit int) ([]*Message, string, error) {
	srv, err := a.service(ctx, token)
	if err != nil {
		return nil, "", err
	}

	if limit <= 0 || limit > 500 {
		limit = 500 // Gmail API maximum
	}

	call := srv.Users.Messages.List("me").MaxResults(int64(limit)).Context(ctx)
	if folderID != "" {
		call = call.LabelIds(folderID)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", classifyGoogleError("unable to list messages", err)
	}

	messages := make([]*Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		full, err := srv.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			// A single unreadable message must not fail the window.
			continue
		}
		messages = append(messages, convertGmailMessage(full, folderID))
	}
	return messages, resp.NextPageToken, nil
}

func (a *GoogleAdapter) ListChanges(ctx context.Context, token *Token, cursor string) (*ChangeSet, error) {
	srv, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, &Error{Kind: KindVerification, Message: "invalid history cursor: " + cursor}
	}

	set := &ChangeSet{NewCursor: cursor}
	seen := make(map[string]bool)

	pageToken := ""
	for {
		call := srv.Users.History.List("me").StartHistoryId(startHistoryID).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classifyGoogleError("unable to list history", err)
		}

		if resp.HistoryId > 0 {
			set.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				full, err := srv.Users.Messages.Get("me", added.Message.Id).Format("full").Context(ctx).Do()
				if err != nil {
					if isGoogleStatus(err, http.StatusNotFound) {
						continue // deleted between history fetch and get
					}
					return nil, classifyGoogleError("unable to fetch changed message", err)
				}
				set.Messages = append(set.Messages, convertGmailMessage(full, ""))
			}
			for _, deleted := range h.MessagesDeleted {
				if deleted.Message == nil || seen["del:"+deleted.Message.Id] {
					continue
				}
				seen["del:"+deleted.Message.Id] = true
				set.Messages = append(set.Messages, &Message{ID: deleted.Message.Id, Deleted: true})
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return set, nil
}

func (a *GoogleAdapter) InitialCursor(ctx context.Context, token *Token) (string, error) {
	srv, err := a.service(ctx, token)
	if err != nil {
		return "", err
	}
	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError("unable to load gmail profile", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

func (a *GoogleAdapter) SendMessage(ctx context.Context, token *Token, msg *OutgoingMessage) (string, error) {
	srv, err := a.service(ctx, token)
	if err != nil {
		return "", err
	}

	raw, err := BuildMIME(msg)
	if err != nil {
		return "", err
	}

	sent, err := srv.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError("unable to send message", err)
	}
	return sent.Id, nil
}

func (a *GoogleAdapter) WatchMailbox(ctx context.Context, token *Token) (string, error) {
	if a.topicName == "" {
		return "", nil
	}
	srv, err := a.service(ctx, token)
	if err != nil {
		return "", err
	}

	// Only one push client is allowed per user; clear any stale watch first.
	_ = srv.Users.Stop("me").Context(ctx).Do()

	_, err = srv.Users.Watch("me", &gmail.WatchRequest{
		TopicName: a.topicName,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError("unable to watch mailbox", err)
	}
	// Gmail routes push envelopes by email address, not subscription id.
	return "", nil
}

func (a *GoogleAdapter) StopWatch(ctx context.Context, token *Token) error {
	srv, err := a.service(ctx, token)
	if err != nil {
		return err
	}
	if err := srv.Users.Stop("me").Context(ctx).Do(); err != nil {
		return classifyGoogleError("unable to stop mailbox watch", err)
	}
	return nil
}

func (a *GoogleAdapter) service(ctx context.Context, token *Token) (*gmail.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
	})
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, src)))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}
	return srv, nil
}

func fromOAuth2Token(tok *oauth2.Token, scopes []string) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}

func gmailLabelRole(label *gmail.Label) string {
	if label.Type != "system" {
		return ""
	}
	switch label.Id {
	case "INBOX":
		return "inbox"
	case "SENT":
		return "sent"
	case "DRAFT":
		return "drafts"
	case "TRASH":
		return "trash"
	case "SPAM":
		return "spam"
	}
	return strings.ToLower(label.Name)
}

func convertGmailMessage(msg *gmail.Message, folderID string) *Message {
	from := gmailHeader(msg, "From")
	fromName := from
	fromAddr := from
	if idx := strings.Index(from, "<"); idx >= 0 {
		fromName = strings.TrimSpace(from[:idx])
		fromAddr = strings.Trim(strings.TrimSpace(from[idx:]), "<>")
	}

	var to []string
	if header := gmailHeader(msg, "To"); header != "" {
		for _, addr := range strings.Split(header, ",") {
			to = append(to, strings.TrimSpace(addr))
		}
	}

	body, isHTML := gmailBody(msg.Payload)

	if folderID == "" {
		folderID = gmailPrimaryLabel(msg.LabelIds)
	}

	return &Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		FolderID:   folderID,
		From:       fromAddr,
		FromName:   fromName,
		To:         to,
		Subject:    gmailHeader(msg, "Subject"),
		Snippet:    msg.Snippet,
		Body:       body,
		IsHTML:     isHTML,
		IsRead:     !gmailHasLabel(msg.LabelIds, "UNREAD"),
		ReceivedAt: time.Unix(msg.InternalDate/1000, 0),
	}
}

func gmailHeader(msg *gmail.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	for _, header := range msg.Payload.Headers {
		if header.Name == name {
			return header.Value
		}
	}
	return ""
}

func gmailBody(payload *gmail.MessagePart) (string, bool) {
	if payload == nil {
		return "", false
	}
	if payload.Body != nil && payload.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			return string(data), payload.MimeType == "text/html"
		}
	}

	var htmlBody, plainBody string
	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
					switch part.MimeType {
					case "text/html":
						htmlBody = string(data)
					case "text/plain":
						plainBody = string(data)
					}
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)

	if htmlBody != "" {
		return htmlBody, true
	}
	return plainBody, false
}

func gmailHasLabel(labels []string, id string) bool {
	for _, label := range labels {
		if label == id {
			return true
		}
	}
	return false
}

func gmailPrimaryLabel(labels []string) string {
	for _, p := range []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"} {
		if gmailHasLabel(labels, p) {
			return p
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return "INBOX"
}

func classifyGoogleError(msg string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		// invalid_grant means the refresh token itself is dead.
		if strings.Contains(string(retrieve.Body), "invalid_grant") {
			return NewCredentialError(msg, ErrTokenRevoked)
		}
		if retrieve.Response != nil && retrieve.Response.StatusCode == http.StatusUnauthorized {
			return NewCredentialError(msg, ErrTokenExpired)
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return NewCredentialError(msg, ErrTokenExpired)
		case apiErr.Code == http.StatusForbidden && strings.Contains(apiErr.Message, "insufficient"):
			return NewCredentialError(msg, ErrTokenRevoked)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return NewTransientError(msg, ErrProviderUnavailable)
		}
	}

	return NewTransientError(msg, err)
}

func isGoogleStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
