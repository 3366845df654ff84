// Пакет config - загрузка и валидация конфигурации bloodlink
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Идентификаторы canister по умолчанию (используются, если переменные окружения не заданы).
const (
	DefaultDonationCanisterID = "rrkah-fqaaa-aaaah-qcuiq-cai"
	DefaultNFTCanisterID      = "rno2w-sqaaa-aaaah-qcuwa-cai"
	DefaultIdentityCanisterID = "rdmx6-jaaaa-aaaah-qdrqq-cai"
)

// Адреса ledger и identity provider для локальной разработки и production.
const (
	localLedgerURL = "http://localhost:4943"
	prodLedgerURL  = "https://ic0.app"
	prodIdPURL     = "https://identity.ic0.app"
)

// Допустимые backend-хранилища сессии.
const (
	SessionStoreFile     = "file"
	SessionStoreRedis    = "redis"
	SessionStorePostgres = "postgres"
)

// Config содержит все параметры конфигурации bloodlink.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Внешний URL сервиса (определяет local/production окружение)
	PublicURL string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- Ledger ---

	// Базовый URL ledger (boundary node)
	LedgerURL string
	// Таймаут одного вызова canister
	LedgerTimeout time.Duration
	// Путь health endpoint ledger (для readiness и dephealth)
	LedgerHealthPath string
	// Canister с донациями и запросами крови
	DonationCanisterID string
	// Canister сертификатов донора (NFT)
	NFTCanisterID string
	// Canister identity provider (используется в локальном URL IdP)
	IdentityCanisterID string

	// --- Identity provider (OIDC, Authorization Code + PKCE) ---

	// Базовый URL identity provider
	IdPURL string
	// OIDC Client ID (public client)
	OIDCClientID string
	// Таймаут запросов к IdP
	OIDCTimeout time.Duration
	// Redirect URI для callback
	CallbackURL string
	// Куда перенаправлять браузер после успешного входа (пусто - JSON-ответ)
	PostLoginRedirect string

	// --- Сессия ---

	// Время жизни сессии (по умолчанию 7 дней)
	SessionTTL time.Duration
	// Ключ шифрования сессии (пусто - случайный, сессия не переживёт рестарт)
	SessionSecret string
	// Backend хранения сессии: file, redis, postgres
	SessionStore string
	// Путь к файлу сессии (для file)
	SessionFile string
	// URL Redis (для redis)
	RedisURL string

	// --- PostgreSQL (для postgres) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Кэш ---

	// Максимальное число метаданных сертификатов в LRU-кэше
	CertificateCacheSize int
	// TTL метаданных сертификатов
	CertificateCacheTTL time.Duration
	// Максимальное число хранимых уведомлений
	NotificationLimit int
	// Подставлять демо-данные при недоступности ledger на пустом кэше
	DemoFallback bool
	// Интервал фонового обновления кэша (0 - отключено)
	SyncInterval time.Duration

	// --- API ---

	// Валидировать запросы по встроенной OpenAPI-спецификации
	OpenAPIValidation bool

	// --- Мониторинг зависимостей ---

	DephealthEnabled       bool
	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// BL_PORT - порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("BL_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("BL_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("BL_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	// BL_LOG_LEVEL - уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("BL_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("BL_LOG_LEVEL: %w", err)
	}

	// BL_LOG_FORMAT - формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("BL_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("BL_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// BL_PUBLIC_URL - внешний URL сервиса
	cfg.PublicURL = strings.TrimRight(getEnvDefault("BL_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	publicURL, err := url.Parse(cfg.PublicURL)
	if err != nil || publicURL.Host == "" {
		return nil, fmt.Errorf("BL_PUBLIC_URL: некорректный URL %q", cfg.PublicURL)
	}
	local := IsLocalHost(publicURL.Hostname())

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("BL_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("BL_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("BL_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Ledger ---

	// BL_LEDGER_URL - явный адрес ledger; по умолчанию выбирается по BL_PUBLIC_URL
	defaultLedger := prodLedgerURL
	if local {
		defaultLedger = localLedgerURL
	}
	cfg.LedgerURL = strings.TrimRight(getEnvDefault("BL_LEDGER_URL", defaultLedger), "/")

	cfg.LedgerTimeout, err = getEnvPositiveDuration("BL_LEDGER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_LEDGER_TIMEOUT: %w", err)
	}
	cfg.LedgerHealthPath = getEnvDefault("BL_LEDGER_HEALTH_PATH", "/api/v2/status")

	cfg.DonationCanisterID = getEnvDefault("BL_DONATION_CANISTER_ID", DefaultDonationCanisterID)
	cfg.NFTCanisterID = getEnvDefault("BL_NFT_CANISTER_ID", DefaultNFTCanisterID)
	cfg.IdentityCanisterID = getEnvDefault("BL_IDENTITY_CANISTER_ID", DefaultIdentityCanisterID)

	// --- Identity provider ---

	// BL_IDP_URL - production IdP; BL_IDP_LOCAL_URL - IdP локальной реплики
	localIdP := getEnvDefault("BL_IDP_LOCAL_URL", localLedgerURL+"/?canisterId="+cfg.IdentityCanisterID)
	prodIdP := getEnvDefault("BL_IDP_URL", prodIdPURL)
	cfg.IdPURL = SelectIdentityProvider(cfg.PublicURL, localIdP, prodIdP)

	cfg.OIDCClientID = getEnvDefault("BL_OIDC_CLIENT_ID", "bloodlink")
	cfg.OIDCTimeout, err = getEnvPositiveDuration("BL_OIDC_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_OIDC_TIMEOUT: %w", err)
	}
	cfg.CallbackURL = getEnvDefault("BL_OIDC_CALLBACK_URL", cfg.PublicURL+"/api/v1/session/callback")
	cfg.PostLoginRedirect = os.Getenv("BL_POST_LOGIN_REDIRECT")

	// --- Сессия ---

	// BL_SESSION_TTL - время жизни сессии (по умолчанию 7 дней)
	cfg.SessionTTL, err = getEnvPositiveDuration("BL_SESSION_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("BL_SESSION_TTL: %w", err)
	}
	cfg.SessionSecret = os.Getenv("BL_SESSION_SECRET")

	cfg.SessionStore = getEnvDefault("BL_SESSION_STORE", SessionStoreFile)
	switch cfg.SessionStore {
	case SessionStoreFile:
		cfg.SessionFile = getEnvDefault("BL_SESSION_FILE", "./data/session.json")
	case SessionStoreRedis:
		cfg.RedisURL, err = getEnvRequired("BL_REDIS_URL")
		if err != nil {
			return nil, err
		}
	case SessionStorePostgres:
		if err := cfg.loadDatabase(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("BL_SESSION_STORE: недопустимое значение %q, допустимые: file, redis, postgres", cfg.SessionStore)
	}

	// --- Кэш ---

	cfg.CertificateCacheSize, err = getEnvInt("BL_CERTIFICATE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("BL_CERTIFICATE_CACHE_SIZE: %w", err)
	}
	if cfg.CertificateCacheSize <= 0 {
		return nil, fmt.Errorf("BL_CERTIFICATE_CACHE_SIZE: значение должно быть > 0")
	}
	cfg.CertificateCacheTTL, err = getEnvPositiveDuration("BL_CERTIFICATE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("BL_CERTIFICATE_CACHE_TTL: %w", err)
	}
	cfg.NotificationLimit, err = getEnvInt("BL_NOTIFICATION_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("BL_NOTIFICATION_LIMIT: %w", err)
	}
	cfg.DemoFallback, err = getEnvBool("BL_DEMO_FALLBACK", true)
	if err != nil {
		return nil, fmt.Errorf("BL_DEMO_FALLBACK: %w", err)
	}
	cfg.SyncInterval, err = getEnvDuration("BL_SYNC_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("BL_SYNC_INTERVAL: %w", err)
	}
	if cfg.SyncInterval < 0 {
		return nil, fmt.Errorf("BL_SYNC_INTERVAL: значение не может быть отрицательным")
	}

	// --- API ---

	cfg.OpenAPIValidation, err = getEnvBool("BL_OPENAPI_VALIDATION", true)
	if err != nil {
		return nil, fmt.Errorf("BL_OPENAPI_VALIDATION: %w", err)
	}

	// --- Мониторинг зависимостей ---

	cfg.DephealthEnabled, err = getEnvBool("BL_DEPHEALTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("BL_DEPHEALTH_ENABLED: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("BL_DEPHEALTH_GROUP", "bloodlink")
	cfg.DephealthCheckInterval, err = getEnvPositiveDuration("BL_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("BL_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("BL_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadDatabase загружает параметры PostgreSQL для хранилища сессий.
func (c *Config) loadDatabase() error {
	var err error
	if c.DBHost, err = getEnvRequired("BL_DB_HOST"); err != nil {
		return err
	}
	if c.DBPort, err = getEnvInt("BL_DB_PORT", 5432); err != nil {
		return fmt.Errorf("BL_DB_PORT: %w", err)
	}
	if c.DBName, err = getEnvRequired("BL_DB_NAME"); err != nil {
		return err
	}
	if c.DBUser, err = getEnvRequired("BL_DB_USER"); err != nil {
		return err
	}
	if c.DBPassword, err = getEnvRequired("BL_DB_PASSWORD"); err != nil {
		return err
	}
	c.DBSSLMode = getEnvDefault("BL_DB_SSL_MODE", "disable")
	return nil
}

// DatabaseDSN возвращает DSN для подключения к PostgreSQL через pgx.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL (golang-migrate, метки dephealth).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// IsLocalHost сообщает, указывает ли имя хоста на локальную разработку.
func IsLocalHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// SelectIdentityProvider выбирает endpoint IdP по хосту публичного URL:
// для localhost - локальный, иначе production.
func SelectIdentityProvider(publicURL, localURL, prodURL string) string {
	u, err := url.Parse(publicURL)
	if err == nil && IsLocalHost(u.Hostname()) {
		return strings.TrimRight(localURL, "/")
	}
	return strings.TrimRight(prodURL, "/")
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvPositiveDuration - как getEnvDuration, но значение должно быть > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
