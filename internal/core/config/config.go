package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	SolanaRPCURL string

	TicketPrice           float64
	MaxTicketsPerPurchase int

	PurchaseTimeout   time.Duration
	DispatchInterval  time.Duration
	ReconcileInterval time.Duration
	MaxNotifyAttempts int
	NotifyWebhookURL  string
}

// LoadConfig reads .env when present and falls back to process env.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, relying on system env variables")
	}

	return &Config{
		Port:        getEnv("PORT", "3000"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getEnv("MONGO_DB", "solotto"),

		SolanaRPCURL: getEnv("SOLANA_RPC_URL", "https://api.devnet.solana.com"),

		TicketPrice:           getFloat("TICKET_PRICE", 0.1),
		MaxTicketsPerPurchase: getInt("MAX_TICKETS_PER_PURCHASE", 100),

		PurchaseTimeout:   getDuration("PURCHASE_TIMEOUT", 30*time.Second),
		DispatchInterval:  getDuration("DISPATCH_INTERVAL", 5*time.Second),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Minute),
		MaxNotifyAttempts: getInt("MAX_NOTIFY_ATTEMPTS", 5),
		NotifyWebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("invalid integer env value, using fallback", "key", key)
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("invalid float env value, using fallback", "key", key)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration env value, using fallback", "key", key)
	}
	return fallback
}
