package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	AuthSecret  string
	TokenExpiry time.Duration

	// GatewayURL is the payment gateway endpoint. Empty means the built-in
	// stub gateway is started and used instead.
	GatewayURL       string
	GatewaySecretKey string

	// VAPID keys for web push. Both empty disables pushes.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushContact     string
}

func Load() (*Config, error) {
	// Missing .env is fine, the environment may be set directly.
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:           getEnv("TIMECAPSULE_DB", "timecapsule.db"),
		AdminAddr:        getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:          getEnv("API_ADDR", ":8080"),
		BaseURL:          getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:      getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:       os.Getenv("AUTH_SECRET"),
		TokenExpiry:      tokenExpiry,
		GatewayURL:       os.Getenv("GATEWAY_URL"),
		GatewaySecretKey: os.Getenv("GATEWAY_SECRET_KEY"),
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:      getEnv("PUSH_CONTACT", "mailto:support@timecapsule.local"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
