package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable through STORE_BACKEND.
const (
	StoreDynamo   = "dynamo"
	StorePostgres = "postgres"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort string
	AppEnv  string

	StoreBackend string
	DatabaseURL  string

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration

	TelegramBotToken    string
	TelegramAPIURL      string
	TelegramBotUsername string

	LinkPollInterval time.Duration
	LinkSessionTTL   time.Duration

	SNSRegion          string
	LinkEventsTopicARN string // optional; link events are not published when empty

	AllowedOrigins []string // CORS allowed origins
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Users              string
	LinkSessions       string
	ExternalIdentities string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:        getEnv("APP_PORT", "3000"),
		AppEnv:         getEnv("APP_ENV", "development"),
		StoreBackend:   getEnv("STORE_BACKEND", StoreDynamo),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Users:              getEnv("DYNAMO_TABLE_USERS", "users"),
			LinkSessions:       getEnv("DYNAMO_TABLE_LINK_SESSIONS", "link_sessions"),
			ExternalIdentities: getEnv("DYNAMO_TABLE_EXTERNAL_IDENTITIES", "external_identities"),
		},
		JWTPrivateKeyPath:   getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:    getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:           time.Duration(getEnvInt("JWT_EXPIRY_DAYS", 7)) * 24 * time.Hour,
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:      getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramBotUsername: getEnv("TELEGRAM_BOT_USERNAME", ""),
		LinkPollInterval:    getEnvDuration("LINK_POLL_INTERVAL", 2*time.Second),
		LinkSessionTTL:      getEnvDuration("LINK_SESSION_TTL", 10*time.Minute),
		SNSRegion:           getEnv("SNS_REGION", "us-east-1"),
		LinkEventsTopicARN:  getEnv("LINK_EVENTS_TOPIC_ARN", ""),
		AllowedOrigins:      strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration syntax ("2s", "10m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
