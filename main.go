package main

import (
	"context"
	"log"
	"strings"

	api "mailbridge-backend/cmd/api"
	accountDelivery "mailbridge-backend/internal/account/delivery"
	accountdomain "mailbridge-backend/internal/account/domain"
	accountRepo "mailbridge-backend/internal/account/repository"
	accountUsecase "mailbridge-backend/internal/account/usecase"
	authdomain "mailbridge-backend/internal/auth/domain"
	authRepo "mailbridge-backend/internal/auth/repository"
	authUsecase "mailbridge-backend/internal/auth/usecase"
	cronDelivery "mailbridge-backend/internal/cron/delivery"
	syncdomain "mailbridge-backend/internal/mailsync/domain"
	syncRepo "mailbridge-backend/internal/mailsync/repository"
	syncUsecase "mailbridge-backend/internal/mailsync/usecase"
	messageDelivery "mailbridge-backend/internal/message/delivery"
	messagedomain "mailbridge-backend/internal/message/domain"
	messageRepo "mailbridge-backend/internal/message/repository"
	messageUsecase "mailbridge-backend/internal/message/usecase"
	"mailbridge-backend/internal/notification"
	outboxDelivery "mailbridge-backend/internal/outbox/delivery"
	outboxdomain "mailbridge-backend/internal/outbox/domain"
	outboxRepo "mailbridge-backend/internal/outbox/repository"
	outboxUsecase "mailbridge-backend/internal/outbox/usecase"
	"mailbridge-backend/internal/provider"
	"mailbridge-backend/internal/token"
	vacationDelivery "mailbridge-backend/internal/vacation/delivery"
	vacationdomain "mailbridge-backend/internal/vacation/domain"
	vacationRepo "mailbridge-backend/internal/vacation/repository"
	vacationUsecase "mailbridge-backend/internal/vacation/usecase"
	webhookDelivery "mailbridge-backend/internal/webhook/delivery"
	"mailbridge-backend/pkg/config"
	"mailbridge-backend/pkg/crypto"
	"mailbridge-backend/pkg/database"
	"mailbridge-backend/pkg/fcm"
	"mailbridge-backend/pkg/sse"
)

func main() {
	cfg := config.Load()

	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&authdomain.User{},
		&authdomain.RefreshToken{},
		&authdomain.FCMToken{},
		&accountdomain.EmailAccount{},
		&accountdomain.OAuthCredential{},
		&syncdomain.SyncCheckpoint{},
		&messagedomain.Message{},
		&messagedomain.Folder{},
		&outboxdomain.QueuedSend{},
		&outboxdomain.ScheduledEmail{},
		&vacationdomain.Responder{},
		&vacationdomain.Reply{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	box, err := crypto.NewBox(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatal("Failed to initialize token encryption:", err)
	}

	// Repositories
	userRepository := authRepo.NewUserRepository(db)
	fcmTokenRepository := authRepo.NewFCMTokenRepository(db)
	accountRepository := accountRepo.NewAccountRepository(db)
	credentialRepository := accountRepo.NewCredentialRepository(db, box)
	checkpointRepository := syncRepo.NewCheckpointRepository(db)
	messageRepository := messageRepo.NewMessageRepository(db)
	folderRepository := messageRepo.NewFolderRepository(db)
	queuedSendRepository := outboxRepo.NewQueuedSendRepository(db)
	scheduledEmailRepository := outboxRepo.NewScheduledEmailRepository(db)
	responderRepository := vacationRepo.NewResponderRepository(db)

	// SSE manager
	sseManager := sse.NewManager()

	// Provider adapters
	registry := provider.NewRegistry(
		provider.NewGoogleAdapter(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI, cfg.GooglePubSubTopic),
		provider.NewMicrosoftAdapter(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftRedirectURI, cfg.MicrosoftClientState, cfg.MicrosoftNotifyURL),
	)

	// Use cases
	tokenManager := token.NewManager(accountRepository, credentialRepository, registry, cfg.TokenRefreshMargin)
	coordinator := syncUsecase.NewCoordinator(accountRepository, checkpointRepository, messageRepository, folderRepository, tokenManager, registry, sseManager)
	outboxUc := outboxUsecase.NewOutboxUsecase(queuedSendRepository, scheduledEmailRepository, accountRepository, tokenManager, registry, cfg.UndoSendDelay, cfg.SweepBatchLimit)
	vacationUc := vacationUsecase.NewResponderUsecase(responderRepository, tokenManager, registry)
	snoozeUc := messageUsecase.NewSnoozeUsecase(messageRepository, accountRepository, sseManager)
	accountUc := accountUsecase.NewAccountUsecase(accountRepository, credentialRepository, registry, coordinator, cfg)
	authUc := authUsecase.NewAuthUsecase(userRepository, fcmTokenRepository, cfg)

	// Auto-replies fire off newly mirrored inbox messages.
	coordinator.AddInboundListener(vacationUc)

	// Notification service (Pub/Sub ingest + SSE/FCM fan-out). Needs a
	// Google Cloud project; everything else degrades gracefully without it.
	if cfg.GoogleProjectID != "" {
		topicName := cfg.GooglePubSubTopic
		if parts := strings.Split(topicName, "/"); len(parts) > 1 {
			topicName = parts[len(parts)-1]
		}
		if topicName == "" {
			topicName = "gmail-updates"
		}

		var fcmClient *fcm.Client
		if cfg.FirebaseCredentials != "" {
			fcmClient, err = fcm.NewClient(cfg.FirebaseCredentials)
			if err != nil {
				log.Printf("[WARN] Failed to initialize FCM client (push notifications disabled): %v", err)
			}
		}

		notifService, err := notification.NewService(cfg.GoogleProjectID, topicName, cfg.GoogleCredentials, sseManager, accountRepository, fcmTokenRepository, fcmClient, coordinator)
		if err != nil {
			log.Printf("[ERROR] Failed to initialize notification service: %v", err)
		} else {
			coordinator.AddInboundListener(notifService)
			outboxUc.SetNotifier(notifService)
			go notifService.Start(context.Background())
		}
	} else {
		log.Printf("[WARN] GOOGLE_PROJECT_ID not configured, Pub/Sub ingest disabled")
	}

	// HTTP layer
	handler := api.NewHandler(
		authUc,
		sseManager,
		cfg,
		accountDelivery.NewAccountHandler(accountUc),
		messageDelivery.NewMessageHandler(snoozeUc),
		outboxDelivery.NewOutboxHandler(outboxUc),
		vacationDelivery.NewResponderHandler(vacationUc, accountRepository),
		webhookDelivery.NewWebhookHandler(accountRepository, coordinator, cfg.MicrosoftClientState),
		cronDelivery.NewCronHandler(cfg, tokenManager, coordinator, outboxUc, snoozeUc),
	)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
