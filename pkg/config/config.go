package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseURL        string
	JWTSecret          string
	JWTAccessExpiry    time.Duration
	JWTRefreshExpiry   time.Duration
	CronSecret         string
	TokenEncryptionKey string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GoogleProjectID    string
	GooglePubSubTopic  string
	GoogleCredentials  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURI  string
	MicrosoftClientState  string
	// MicrosoftNotifyURL is the public URL Graph delivers change
	// notifications to.
	MicrosoftNotifyURL string

	FirebaseCredentials string

	// UndoSendDelay is the window during which an enqueued send can still
	// be canceled by its owner.
	UndoSendDelay time.Duration
	// TokenRefreshMargin is how close to expiry a token may get before it
	// is refreshed.
	TokenRefreshMargin time.Duration
	// SweepBatchLimit caps how many due queue items a single cron scan
	// will pick up.
	SweepBatchLimit int
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	accessExpiry := 15 * time.Minute
	if exp := os.Getenv("JWT_ACCESS_EXPIRY"); exp != "" {
		if parsed, err := time.ParseDuration(exp); err == nil {
			accessExpiry = parsed
		}
	}

	refreshExpiry := 168 * time.Hour // 7 days
	if exp := os.Getenv("JWT_REFRESH_EXPIRY"); exp != "" {
		if parsed, err := time.ParseDuration(exp); err == nil {
			refreshExpiry = parsed
		}
	}

	undoDelay := 5 * time.Second
	if d := os.Getenv("UNDO_SEND_DELAY"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil && parsed > 0 {
			undoDelay = parsed
		}
	}

	refreshMargin := 10 * time.Minute
	if d := os.Getenv("TOKEN_REFRESH_MARGIN"); d != "" {
		if parsed, err := time.ParseDuration(d); err == nil && parsed > 0 {
			refreshMargin = parsed
		}
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", "host=localhost user=postgres dbname=mailbridge port=5432 sslmode=disable"),
		JWTSecret:          getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTAccessExpiry:    accessExpiry,
		JWTRefreshExpiry:   refreshExpiry,
		CronSecret:         getEnv("CRON_SECRET", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnv("GOOGLE_REDIRECT_URI", "http://localhost:8080/api/accounts/callback"),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic:  getEnv("GOOGLE_PUBSUB_TOPIC", "gmail-updates"),
		GoogleCredentials:  getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		MicrosoftClientID:     getEnv("MS_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MS_CLIENT_SECRET", ""),
		MicrosoftRedirectURI:  getEnv("MS_REDIRECT_URI", "http://localhost:8080/api/accounts/callback"),
		MicrosoftClientState:  getEnv("MS_WEBHOOK_CLIENT_STATE", ""),
		MicrosoftNotifyURL:    getEnv("MS_WEBHOOK_NOTIFY_URL", ""),

		FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS", ""),

		UndoSendDelay:      undoDelay,
		TokenRefreshMargin: refreshMargin,
		SweepBatchLimit:    50,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
