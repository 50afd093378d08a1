package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	accountdomain "mailbridge-backend/internal/account/domain"
	accountrepo "mailbridge-backend/internal/account/repository"
	authrepo "mailbridge-backend/internal/auth/repository"
	syncusecase "mailbridge-backend/internal/mailsync/usecase"
	messagedomain "mailbridge-backend/internal/message/domain"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/pkg/fcm"
	"mailbridge-backend/pkg/sse"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Service has two jobs: it pulls Gmail watch envelopes off the Pub/Sub
// subscription and turns them into delta syncs, and it fans user-facing
// notifications out over SSE and FCM. The latter makes it both the
// coordinator's inbound listener and the outbox's failure notifier.
type Service struct {
	pubsubClient *pubsub.Client
	sseManager   *sse.Manager
	accounts     accountrepo.AccountRepository
	fcmRepo      authrepo.FCMTokenRepository
	fcmClient    *fcm.Client
	coordinator  *syncusecase.Coordinator
	topicName    string
	subName      string

	// Gmail redelivers aggressively; history ids below the high-water mark
	// per account are duplicates.
	mu            sync.Mutex
	lastHistoryID map[string]uint64
}

func NewService(
	projectID, topicName, credentialsFile string,
	sseManager *sse.Manager,
	accounts accountrepo.AccountRepository,
	fcmRepo authrepo.FCMTokenRepository,
	fcmClient *fcm.Client,
	coordinator *syncusecase.Coordinator,
) (*Service, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %v", err)
	}

	return &Service{
		pubsubClient:  client,
		sseManager:    sseManager,
		accounts:      accounts,
		fcmRepo:       fcmRepo,
		fcmClient:     fcmClient,
		coordinator:   coordinator,
		topicName:     topicName,
		subName:       topicName + "-sub",
		lastHistoryID: make(map[string]uint64),
	}, nil
}

// Start blocks receiving Pub/Sub messages until ctx is canceled. The
// subscription is created on first run if the topic already exists.
func (s *Service) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := s.pubsubClient.Topic(s.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			log.Printf("[PubSub] Error checking topic existence: %v", err)
			return
		}
		if !topicExists {
			log.Printf("[PubSub] Topic %s does not exist, cannot create subscription", s.topicName)
			return
		}

		sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Failed to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription: %s", s.subName)
	}

	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg)
		msg.Ack()
	})
	if err != nil {
		log.Printf("[PubSub] Error receiving messages: %v", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *pubsub.Message) {
	var notification gmailNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.Printf("[PubSub] Failed to unmarshal notification: %v", err)
		return
	}

	account, err := s.accounts.FindByAddress(provider.Google, notification.EmailAddress)
	if err != nil {
		log.Printf("[PubSub] Account lookup failed for %s: %v", notification.EmailAddress, err)
		return
	}
	if account == nil {
		log.Printf("[PubSub] No account for %s, dropping notification", notification.EmailAddress)
		return
	}

	if s.isDuplicate(account.ID, notification.HistoryID) {
		return
	}

	if _, err := s.coordinator.SyncAccount(ctx, account.ID); err != nil {
		log.Printf("[PubSub] Sync for %s failed: %v", account.Address, err)
	}
}

func (s *Service) isDuplicate(accountID string, historyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastHistoryID[accountID]; ok && historyID <= last {
		return true
	}
	s.lastHistoryID[accountID] = historyID
	return false
}

// HandleInboundMessage pushes a new-mail notification for every message the
// coordinator mirrors into an inbox. Implements the coordinator's inbound
// listener.
func (s *Service) HandleInboundMessage(ctx context.Context, account *accountdomain.EmailAccount, msg *messagedomain.Message) {
	s.sseManager.SendToUser(account.UserID, "new_message", map[string]any{
		"account_id": account.ID,
		"message_id": msg.ID,
		"from":       msg.FromAddress,
		"subject":    msg.Subject,
	})

	sender := msg.FromName
	if sender == "" {
		sender = msg.FromAddress
	}
	title := "New email"
	if sender != "" {
		title = "Email from " + sender
	}
	body := msg.Subject
	if body == "" {
		body = "(no subject)"
	}
	s.pushToDevices(ctx, account.UserID, title, body, map[string]string{
		"type":       "new_message",
		"account_id": account.ID,
		"message_id": msg.ID,
	})
}

// NotifyUser implements the outbox notifier: terminal send failures reach
// the user even when no client is connected.
func (s *Service) NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error {
	s.sseManager.SendToUser(userID, "notification", map[string]any{
		"title": title,
		"body":  body,
		"data":  data,
	})
	s.pushToDevices(ctx, userID, title, body, data)
	return nil
}

func (s *Service) pushToDevices(ctx context.Context, userID, title, body string, data map[string]string) {
	if s.fcmClient == nil || s.fcmRepo == nil {
		return
	}

	tokens, err := s.fcmRepo.GetTokensByUserID(userID)
	if err != nil {
		log.Printf("[FCM] Error loading tokens for user %s: %v", userID, err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	tokenStrings := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenStrings = append(tokenStrings, t.Token)
	}

	if len(body) > 100 {
		body = body[:97] + "..."
	}

	failedTokens, err := s.fcmClient.SendToDevices(ctx, tokenStrings, fcm.NotificationData{
		Title: title,
		Body:  body,
		Data:  data,
	})
	if err != nil {
		log.Printf("[FCM] Error sending notifications: %v", err)
		return
	}
	for _, token := range failedTokens {
		if err := s.fcmRepo.DeleteToken(token); err != nil {
			log.Printf("[FCM] Could not delete stale token: %v", err)
		}
	}
}
