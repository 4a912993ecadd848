package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string

	// ListenAddr is where the local view API listens. Loopback only.
	ListenAddr string

	APIBaseURL    string
	PushURL       string
	PushTransport string
	NATSURL       string
	SessionToken  string

	// Optional backends. Empty disables them.
	RedisURL    string
	DatabaseURL string

	RefetchDebounce      time.Duration
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
	RESTRateLimit        int
	RESTTimeout          time.Duration
}

// LoadDotEnv loads .env.local then .env from the working directory. Values
// already present in the environment win. Missing files are not an error.
func LoadDotEnv() error {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Env:           GetEnv("ENV", "development"),
		LogLevel:      GetEnv("LOG_LEVEL", "info"),
		ListenAddr:    GetEnv("LISTEN_ADDR", "127.0.0.1:8787"),
		APIBaseURL:    GetEnv("API_BASE_URL", "http://localhost:8081"),
		PushURL:       GetEnv("PUSH_URL", "ws://localhost:8081/v1/ws"),
		PushTransport: GetEnv("PUSH_TRANSPORT", "ws"),
		NATSURL:       GetEnv("NATS_URL", "nats://localhost:4222"),
		SessionToken:  GetEnv("SESSION_TOKEN", ""),
		RedisURL:      GetEnv("REDIS_URL", ""),
		DatabaseURL:   GetEnv("DATABASE_URL", ""),
	}

	var err error
	if cfg.RefetchDebounce, err = GetDuration("REFETCH_DEBOUNCE", 250*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ReconnectInitial, err = GetDuration("RECONNECT_INITIAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = GetDuration("RECONNECT_MAX", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMaxAttempts, err = GetInt("RECONNECT_MAX_ATTEMPTS", 0); err != nil {
		return nil, err
	}
	if cfg.RESTRateLimit, err = GetInt("REST_RATE_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.RESTTimeout, err = GetDuration("REST_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	switch cfg.PushTransport {
	case "ws", "nats":
	default:
		return nil, fmt.Errorf("PUSH_TRANSPORT: unknown transport %q (want ws or nats)", cfg.PushTransport)
	}
	return cfg, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return d, nil
}

func GetInt(key string, defaultValue int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return n, nil
}
