package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreDriver    string
	DBFile         string
	UploadsPath    string
	MaxUploadSize  int64
	APIAddr        string
	AuthSecret     string
	TokenExpiry    time.Duration
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	LogLevel       slog.Level
	LogFormat      string
}

// Load reads the configuration from the environment. Values from a .env
// file in the working directory are used for keys that are not set.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		StoreDriver:    getEnv("PARLEY_STORE", "bbolt"),
		DBFile:         getEnv("PARLEY_DB", "parley.db"),
		UploadsPath:    getEnv("UPLOADS_PATH", "uploads"),
		MaxUploadSize:  getInt("MAX_UPLOAD_SIZE", 10<<20, &errs),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		AuthSecret:     os.Getenv("AUTH_SECRET"),
		TokenExpiry:    getDuration("TOKEN_EXPIRY", 24*time.Hour, &errs),
		SendBuffer:     int(getInt("SEND_BUFFER", 64, &errs)),
		PingInterval:   getDuration("PING_INTERVAL", 54*time.Second, &errs),
		PongWait:       getDuration("PONG_WAIT", 60*time.Second, &errs),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 10*time.Second, &errs),
		MaxMessageSize: getInt("MAX_MESSAGE_SIZE", 64*1024, &errs),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	switch c.StoreDriver {
	case "bbolt", "sqlite":
	default:
		return fmt.Errorf("PARLEY_STORE must be bbolt or sqlite, got %q", c.StoreDriver)
	}

	if c.DBFile == "" {
		return fmt.Errorf("PARLEY_DB is required")
	}

	if c.UploadsPath == "" {
		return fmt.Errorf("UPLOADS_PATH is required")
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be greater than 0")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	if c.PingInterval <= 0 || c.PongWait <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("PING_INTERVAL, PONG_WAIT and WRITE_TIMEOUT must be greater than 0")
	}

	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("PING_INTERVAL (%s) must be shorter than PONG_WAIT (%s)", c.PingInterval, c.PongWait)
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be greater than 0")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}

func getInt(key string, fallback int64, errs *[]error) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}
