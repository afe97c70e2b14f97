package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradetracker/pkg/crypto"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Security SecurityConfig
	Tracker  TrackerConfig
	Currency CurrencyConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host         string
	Port         int
	Name         string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	EnsureSchema bool
}

// RedisConfig - публикация событий
type RedisConfig struct {
	Addr      string // пустой адрес отключает Redis, остается только внутренний хаб
	Password  string
	DB        int
	Namespace string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionSecret string
}

// TrackerConfig - параметры синхронизации и опроса
type TrackerConfig struct {
	FetchingInterval   time.Duration // FETCHING_INTERVAL_HOURS
	RektThreshold      float64
	Testing            bool // sandbox-эндпоинты бирж
	HedgeMode          bool
	RESTTimeout        time.Duration
	SyncMaxRetries     int
	UnrealizedInterval time.Duration
	ListenKeyKeepAlive time.Duration
	WSMaxBackoff       time.Duration
	EventRefresh       time.Duration
}

// CurrencyConfig - точности, алиасы и порог пыли
type CurrencyConfig struct {
	File          string
	Precision     map[string]int
	Aliases       map[string]string
	Quote         string
	DustThreshold float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// currencyFile формат CURRENCY_FILE
type currencyFile struct {
	Precision map[string]int    `yaml:"precision"`
	Aliases   map[string]string `yaml:"aliases"`
}

// Load загружает конфигурацию: .env (если есть), переменные окружения,
// затем CURRENCY_FILE; значения из окружения перекрывают файл
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			Name:         getEnv("DB_NAME", "tradetracker"),
			User:         getEnv("DB_USER", "tracker"),
			Password:     getEnv("DB_PASSWORD", ""),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			EnsureSchema: getEnvAsBool("DB_ENSURE_SCHEMA", false),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			Namespace: getEnv("PUBLISH_NAMESPACE", "tradetracker"),
		},
		Security: SecurityConfig{
			EncryptionSecret: getEnv("ENCRYPTION_SECRET", ""),
		},
		Tracker: TrackerConfig{
			FetchingInterval:   time.Duration(getEnvAsInt("FETCHING_INTERVAL_HOURS", 1)) * time.Hour,
			RektThreshold:      getEnvAsFloat("REKT_THRESHOLD", 0.5),
			Testing:            getEnvAsBool("TESTING", false),
			HedgeMode:          getEnvAsBool("HEDGE_MODE", false),
			RESTTimeout:        getEnvAsDuration("REST_TIMEOUT", 30*time.Second),
			SyncMaxRetries:     getEnvAsInt("SYNC_MAX_RETRIES", 5),
			UnrealizedInterval: getEnvAsDuration("UNREALIZED_INTERVAL", time.Minute),
			ListenKeyKeepAlive: getEnvAsDuration("LISTEN_KEY_KEEPALIVE", 50*time.Minute),
			WSMaxBackoff:       getEnvAsDuration("WS_MAX_BACKOFF", 30*time.Second),
			EventRefresh:       getEnvAsDuration("EVENT_REFRESH", 10*time.Minute),
		},
		Currency: CurrencyConfig{
			File:          getEnv("CURRENCY_FILE", ""),
			Quote:         strings.ToUpper(getEnv("QUOTE_CURRENCY", "USDT")),
			DustThreshold: getEnvAsFloat("DUST_THRESHOLD", 0.05),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.loadCurrencies(); err != nil {
		return nil, err
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadCurrencies собирает таблицы валют из файла и окружения
func (c *Config) loadCurrencies() error {
	c.Currency.Precision = map[string]int{}
	c.Currency.Aliases = map[string]string{}

	if c.Currency.File != "" {
		data, err := os.ReadFile(c.Currency.File)
		if err != nil {
			return fmt.Errorf("read CURRENCY_FILE: %w", err)
		}
		var file currencyFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse CURRENCY_FILE: %w", err)
		}
		for k, v := range file.Precision {
			c.Currency.Precision[strings.ToUpper(k)] = v
		}
		for k, v := range file.Aliases {
			c.Currency.Aliases[strings.ToUpper(k)] = strings.ToUpper(v)
		}
	}

	precision, err := parsePairs(os.Getenv("CURRENCY_PRECISION"))
	if err != nil {
		return fmt.Errorf("CURRENCY_PRECISION: %w", err)
	}
	for k, v := range precision {
		digits, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CURRENCY_PRECISION: %s: %w", k, err)
		}
		c.Currency.Precision[k] = digits
	}

	aliases, err := parsePairs(os.Getenv("CURRENCY_ALIASES"))
	if err != nil {
		return fmt.Errorf("CURRENCY_ALIASES: %w", err)
	}
	for k, v := range aliases {
		c.Currency.Aliases[k] = strings.ToUpper(v)
	}
	return nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_SECRET обязателен для шифрования API секретов
	if c.Security.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET is required for encrypting API secrets")
	}

	if len(c.Security.EncryptionSecret) < crypto.MinSecretLength {
		return fmt.Errorf("ENCRYPTION_SECRET must be at least %d bytes", crypto.MinSecretLength)
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Tracker.FetchingInterval < time.Hour || c.Tracker.FetchingInterval > 24*time.Hour {
		return fmt.Errorf("FETCHING_INTERVAL_HOURS must be between 1 and 24, got %v", c.Tracker.FetchingInterval.Hours())
	}

	if c.Tracker.RektThreshold < 0 {
		return fmt.Errorf("REKT_THRESHOLD cannot be negative, got %v", c.Tracker.RektThreshold)
	}

	// Валидация retry параметров
	if c.Tracker.SyncMaxRetries < 1 || c.Tracker.SyncMaxRetries > 10 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be between 1 and 10, got %d", c.Tracker.SyncMaxRetries)
	}

	// Валидация таймаутов (должны быть положительными)
	for name, d := range map[string]time.Duration{
		"REST_TIMEOUT":         c.Tracker.RESTTimeout,
		"UNREALIZED_INTERVAL":  c.Tracker.UnrealizedInterval,
		"LISTEN_KEY_KEEPALIVE": c.Tracker.ListenKeyKeepAlive,
		"WS_MAX_BACKOFF":       c.Tracker.WSMaxBackoff,
		"EVENT_REFRESH":        c.Tracker.EventRefresh,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if c.Currency.DustThreshold < 0 {
		return fmt.Errorf("DUST_THRESHOLD cannot be negative, got %v", c.Currency.DustThreshold)
	}

	for ccy, digits := range c.Currency.Precision {
		if digits < 0 || digits > 18 {
			return fmt.Errorf("precision of %s must be between 0 and 18, got %d", ccy, digits)
		}
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Addr адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsePairs разбирает "BTC:6,ETH:4" в map с ключами в верхнем регистре
func parsePairs(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, ":")
		k, v = strings.ToUpper(strings.TrimSpace(k)), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid entry %q, want KEY:VALUE", item)
		}
		out[k] = v
	}
	return out, nil
}
