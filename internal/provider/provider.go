package provider

import (
	"context"
	"time"
)

type Name string

const (
	Google    Name = "GOOGLE"
	Microsoft Name = "MICROSOFT"
)

// Token is the decrypted OAuth credential handed to an adapter call.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Folder is a normalized mailbox folder (Gmail label, Graph mailFolder).
type Folder struct {
	ID     string
	Name   string
	Role   string // inbox, sent, drafts, trash, spam or "" for user folders
	Unread int
}

// Message is a normalized cross-provider message.
type Message struct {
	ID         string // provider message id
	ThreadID   string
	FolderID   string
	From       string
	FromName   string
	To         []string
	Subject    string
	Snippet    string
	Body       string
	IsHTML     bool
	IsRead     bool
	ReceivedAt time.Time
	Deleted    bool // reported as removed by the change feed
}

// OutgoingMessage is a send request. AutoReply suppresses threading headers
// so automated replies cannot start provider threading loops.
type OutgoingMessage struct {
	FromName  string
	FromEmail string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	IsHTML    bool
	AutoReply bool
}

// ChangeSet is the result of a cursor-based delta fetch.
type ChangeSet struct {
	Messages  []*Message
	NewCursor string
}

// Adapter is the single coupling point between the engine and a mail
// provider. One implementation exists per provider; the engine never sees
// provider wire formats.
type Adapter interface {
	Name() Name

	GetAuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Token, string, error) // token, account address
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	ListFolders(ctx context.Context, token *Token) ([]*Folder, error)
	ListMessages(ctx context.Context, token *Token, folderID string, limit int) ([]*Message, string, error)
	// ListChanges fetches changes recorded after cursor. An empty cursor is
	// invalid for delta fetches; callers fall back to an initial sync.
	ListChanges(ctx context.Context, token *Token, cursor string) (*ChangeSet, error)
	// InitialCursor returns the cursor representing "now", used to seed
	// checkpoints at the end of an initial sync.
	InitialCursor(ctx context.Context, token *Token) (string, error)

	SendMessage(ctx context.Context, token *Token, msg *OutgoingMessage) (string, error)

	// WatchMailbox registers for push notifications where the provider
	// supports it, returning the provider's subscription id ("" when the
	// provider routes notifications by address instead).
	WatchMailbox(ctx context.Context, token *Token) (string, error)
	StopWatch(ctx context.Context, token *Token) error
}

// Registry resolves the adapter for an account's provider.
type Registry struct {
	adapters map[Name]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[Name]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(name Name) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, &Error{Kind: KindVerification, Message: "unknown provider: " + string(name)}
	}
	return a, nil
}
