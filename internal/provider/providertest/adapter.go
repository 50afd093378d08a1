// Package providertest provides a configurable in-memory Adapter for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"mailbridge-backend/internal/provider"
)

// Adapter is a fake provider.Adapter. Behavior is overridden per test via
// the *Func fields; unset functions fall back to benign defaults. Call
// counters are safe for concurrent use.
type Adapter struct {
	ProviderName provider.Name

	RefreshFunc       func(ctx context.Context, refreshToken string) (*provider.Token, error)
	FoldersFunc       func(ctx context.Context, token *provider.Token) ([]*provider.Folder, error)
	MessagesFunc      func(ctx context.Context, token *provider.Token, folderID string, limit int) ([]*provider.Message, string, error)
	ChangesFunc       func(ctx context.Context, token *provider.Token, cursor string) (*provider.ChangeSet, error)
	InitialCursorFunc func(ctx context.Context, token *provider.Token) (string, error)
	SendFunc          func(ctx context.Context, token *provider.Token, msg *provider.OutgoingMessage) (string, error)

	mu           sync.Mutex
	refreshCalls int
	changesCalls int
	sent         []*provider.OutgoingMessage
}

var _ provider.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() provider.Name {
	if a.ProviderName == "" {
		return provider.Google
	}
	return a.ProviderName
}

func (a *Adapter) GetAuthURL(state string) string {
	return "https://auth.example.com/consent?state=" + state
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (*provider.Token, string, error) {
	return &provider.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, code + "@example.com", nil
}

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	a.mu.Lock()
	a.refreshCalls++
	a.mu.Unlock()

	if a.RefreshFunc != nil {
		return a.RefreshFunc(ctx, refreshToken)
	}
	return &provider.Token{
		AccessToken:  "refreshed-access",
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (a *Adapter) ListFolders(ctx context.Context, token *provider.Token) ([]*provider.Folder, error) {
	if a.FoldersFunc != nil {
		return a.FoldersFunc(ctx, token)
	}
	return []*provider.Folder{{ID: "INBOX", Name: "Inbox", Role: "inbox"}}, nil
}

func (a *Adapter) ListMessages(ctx context.Context, token *provider.Token, folderID string, limit int) ([]*provider.Message, string, error) {
	if a.MessagesFunc != nil {
		return a.MessagesFunc(ctx, token, folderID, limit)
	}
	return nil, "", nil
}

func (a *Adapter) ListChanges(ctx context.Context, token *provider.Token, cursor string) (*provider.ChangeSet, error) {
	a.mu.Lock()
	a.changesCalls++
	a.mu.Unlock()

	if a.ChangesFunc != nil {
		return a.ChangesFunc(ctx, token, cursor)
	}
	return &provider.ChangeSet{NewCursor: cursor}, nil
}

func (a *Adapter) InitialCursor(ctx context.Context, token *provider.Token) (string, error) {
	if a.InitialCursorFunc != nil {
		return a.InitialCursorFunc(ctx, token)
	}
	return "cursor-0", nil
}

func (a *Adapter) SendMessage(ctx context.Context, token *provider.Token, msg *provider.OutgoingMessage) (string, error) {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()

	if a.SendFunc != nil {
		return a.SendFunc(ctx, token, msg)
	}
	return "sent-1", nil
}

func (a *Adapter) WatchMailbox(ctx context.Context, token *provider.Token) (string, error) {
	return "", nil
}

func (a *Adapter) StopWatch(ctx context.Context, token *provider.Token) error {
	return nil
}

// RefreshCalls reports how many times RefreshToken ran.
func (a *Adapter) RefreshCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshCalls
}

// ChangesCalls reports how many times ListChanges ran.
func (a *Adapter) ChangesCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changesCalls
}

// Sent returns a copy of every message handed to SendMessage.
func (a *Adapter) Sent() []*provider.OutgoingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*provider.OutgoingMessage, len(a.sent))
	copy(out, a.sent)
	return out
}
