package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Venues
	EnableBinance bool
	EnableKraken  bool
	PaperOnly     bool // route every bot through the paper venue (no external calls)

	// Binance
	BinanceTestnet bool

	// Paper venue simulation
	PaperInitialPrice float64
	PaperFeeRate      float64 // decimal (e.g. 0.001 = 10 bps)

	// Credential encryption key (AES-256, 32 bytes)
	CredentialKey string

	// External model service for the model-driven bot flavor
	ModelServiceURL string

	// Bot presets
	BotsConfigPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/tradebot.db"),
		EnableBinance:     getEnv("ENABLE_BINANCE", "false") == "true",
		EnableKraken:      getEnv("ENABLE_KRAKEN", "false") == "true",
		PaperOnly:         getEnv("PAPER_ONLY", "true") == "true",
		BinanceTestnet:    getEnv("BINANCE_TESTNET", "false") == "true",
		PaperInitialPrice: getEnvFloat("PAPER_INITIAL_PRICE", 50000.0),
		PaperFeeRate:      getEnvFloat("PAPER_FEE_RATE", 0.001),
		CredentialKey:     os.Getenv("CREDENTIAL_KEY"),
		ModelServiceURL:   getEnv("MODEL_SERVICE_URL", ""),
		BotsConfigPath:    getEnv("BOTS_CONFIG_PATH", "bots.yaml"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
