package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env        string
	ServerPort string

	// StoreDriver selects the backing store: memory, postgres or mongo.
	// Exactly one is active per deployment.
	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	MongoURI    string
	MongoDB     string

	// PresenceDriver selects the typing channel: memory, redis or nats.
	PresenceDriver string
	RedisURL       string
	NATSURL        string

	JWTSecret      string
	// AllowedOrigins limits CORS and websocket origins. Empty allows any.
	AllowedOrigins []string

	RetryAttempts int
	RetryBase     time.Duration
	TypingTimeout time.Duration
}

// Load reads configuration from the environment. Values missing from the
// environment fall back to CONFIG_FILE (YAML, same keys) and then to
// built-in defaults.
func Load() (*Config, error) {
	LoadDotEnv()

	l := &loader{}
	if path, ok := os.LookupEnv("CONFIG_FILE"); ok && path != "" {
		if err := l.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Env:            l.getEnv("APP_ENV", "development"),
		ServerPort:     l.getEnv("SERVER_PORT", "8080"),
		StoreDriver:    l.getEnv("STORE_DRIVER", "memory"),
		DBHost:         l.getEnv("DB_HOST", "localhost"),
		DBPort:         l.getEnv("DB_PORT", "5432"),
		DBUser:         l.getEnv("DB_USER", "skillswap"),
		DBPassword:     l.getEnv("DB_PASSWORD", "skillswap_dev_password"),
		DBName:         l.getEnv("DB_NAME", "skillswap"),
		MongoURI:       l.getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDB:        l.getEnv("MONGO_DB", "skillswap"),
		PresenceDriver: l.getEnv("PRESENCE_DRIVER", "memory"),
		RedisURL:       l.getEnv("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:        l.getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JWTSecret:      l.getEnv("JWT_SECRET", "dev-secret-change-me"),
		AllowedOrigins: splitList(l.getEnv("ALLOWED_ORIGINS", "")),
		RetryAttempts:  l.getInt("RETRY_ATTEMPTS", 3),
		RetryBase:      l.getMillis("RETRY_BASE_MS", 500*time.Millisecond),
		TypingTimeout:  l.getMillis("TYPING_TIMEOUT_MS", 2000*time.Millisecond),
	}
	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory", "postgres", "mongo":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.PresenceDriver {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("config: unknown PRESENCE_DRIVER %q", c.PresenceDriver)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("config: RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev"
}

type loader struct {
	file map[string]string
	err  error
}

func (l *loader) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &l.file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (l *loader) getEnv(key, fallback string) string {
	val, exists := os.LookupEnv(key)

	if exists {
		return val
	}

	if val, ok := l.file[key]; ok {
		return val
	}

	return fallback
}

func (l *loader) getInt(key string, fallback int) int {
	raw := l.getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return n
}

func (l *loader) getMillis(key string, fallback time.Duration) time.Duration {
	n := l.getInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
