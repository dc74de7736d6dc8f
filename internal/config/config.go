package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config aggregates runtime configuration for the timer service and its collaborators.
type Config struct {
	HTTPListenAddr          string
	APIUsername             string
	APIPassword             string
	DocStoreDriver          string
	MySQLDSN                string
	SQLitePath              string
	BackendBaseURL          string
	BackendSessionEndPath   string
	RequestTimeout          time.Duration
	TickInterval            time.Duration
	MaxSessionSeconds       int
	LowBalanceRunwaySeconds int
	RateCardPath            string
	TelegramBotToken        string
	TelegramAlertChatID     int64
	AMQPURL                 string
	AMQPExchange            string
	S3Endpoint              string
	S3Region                string
	S3AccessKey             string
	S3SecretKey             string
	S3Bucket                string
	S3UsePathStyle          bool
	S3Prefix                string
	LogLevel                string
	LogFile                 string
	ShutdownTimeout         time.Duration
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPListenAddr:          getEnv("HTTP_LISTEN_ADDR", ":8080"),
		APIUsername:             getEnv("API_USERNAME", "admin"),
		APIPassword:             getEnv("API_PASSWORD", "change-me"),
		DocStoreDriver:          strings.ToLower(getEnv("DOCSTORE_DRIVER", DriverMySQL)),
		SQLitePath:              getEnv("SQLITE_PATH", filepath.Join("data", "sessions.db")),
		BackendBaseURL:          strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_BASE_URL")), "/"),
		BackendSessionEndPath:   getEnv("BACKEND_SESSION_END_PATH", "/session/end"),
		RequestTimeout:          time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 15)),
		TickInterval:            time.Millisecond * time.Duration(getInt("TICK_INTERVAL_MS", 1000)),
		MaxSessionSeconds:       getInt("MAX_SESSION_SECONDS", 3600),
		LowBalanceRunwaySeconds: getInt("LOW_BALANCE_RUNWAY_SECONDS", 300),
		RateCardPath:            os.Getenv("RATE_CARD_PATH"),
		TelegramAlertChatID:     getInt64("TELEGRAM_ALERT_CHAT_ID", 0),
		AMQPExchange:            getEnv("AMQP_EXCHANGE", "sessions"),
		S3Endpoint:              os.Getenv("S3_ENDPOINT"),
		S3Region:                os.Getenv("S3_REGION"),
		S3AccessKey:             os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:             os.Getenv("S3_SECRET_KEY"),
		S3Bucket:                os.Getenv("S3_BUCKET"),
		S3UsePathStyle:          getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:                getEnv("S3_PREFIX", "sessions"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFile:                 os.Getenv("LOG_FILE"),
		ShutdownTimeout:         time.Second * time.Duration(getInt("SHUTDOWN_TIMEOUT_SECONDS", 10)),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.AMQPURL = os.Getenv("AMQP_URL")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.BackendBaseURL == "" {
		missing = append(missing, "BACKEND_BASE_URL")
	}
	switch c.DocStoreDriver {
	case DriverMySQL:
		if c.MySQLDSN == "" {
			missing = append(missing, "MYSQL_DSN")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported DOCSTORE_DRIVER %q (want mysql, sqlite or memory)", c.DocStoreDriver)
	}
	if c.TelegramBotToken != "" && c.TelegramAlertChatID == 0 {
		missing = append(missing, "TELEGRAM_ALERT_CHAT_ID")
	}
	if c.ArchiveEnabled() {
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	if _, err := url.ParseRequestURI(c.BackendBaseURL); err != nil {
		return fmt.Errorf("BACKEND_BASE_URL is not a valid url: %w", err)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS must be positive")
	}
	if c.MaxSessionSeconds <= 0 {
		return fmt.Errorf("MAX_SESSION_SECONDS must be positive")
	}
	if c.LowBalanceRunwaySeconds < 0 {
		return fmt.Errorf("LOW_BALANCE_RUNWAY_SECONDS cannot be negative")
	}
	return nil
}

func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

func (c Config) AlertsEnabled() bool {
	return c.TelegramBotToken != ""
}

func (c Config) EventsEnabled() bool {
	return c.AMQPURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile overlays the first env file found. Running without one is fine;
// the process environment is used as is.
func loadEnvFile() error {
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		if err := godotenv.Overload(custom); err != nil {
			return fmt.Errorf("load env file %s: %w", custom, err)
		}
		return nil
	}

	for _, path := range []string{filepath.Join("configs", ".env"), ".env"} {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
