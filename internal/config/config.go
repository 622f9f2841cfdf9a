// Пакет config — загрузка и валидация конфигурации EDU-DESK backend
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Лимиты free tier объектного хранилища по умолчанию.
const (
	// DefaultStorageLimitBytes — 10 GiB, кумулятивный лимит хранилища
	DefaultStorageLimitBytes = int64(10) * 1024 * 1024 * 1024
	// DefaultClassALimit — лимит Class A операций в месяц
	DefaultClassALimit = int64(1_000_000)
	// DefaultClassBLimit — лимит Class B операций в месяц
	DefaultClassBLimit = int64(10_000_000)
)

// Config содержит все параметры конфигурации EDU-DESK backend.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 60s)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration
	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// DBMaxConns — верхняя граница пула подключений
	DBMaxConns int
	// DBMinConns — число подключений, которые пул держит открытыми
	DBMinConns int

	// --- Идентификация (внешний IdP) ---

	// JWKSUrl — endpoint публичных ключей IdP для проверки ID-токенов
	JWKSUrl string
	// JWTIssuer — ожидаемый issuer токена (пусто — не проверяется)
	JWTIssuer string
	// JWTLeeway — допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// JWKSRefreshInterval — интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// AdminEmails — email'ы администраторов (доступ к admin endpoints)
	AdminEmails []string

	// --- Загрузка файлов ---

	// BlobDir — директория blob-хранилища
	BlobDir string
	// MaxUploadBytes — максимальный размер загружаемого файла
	MaxUploadBytes int64
	// AllowedExtensions — допустимые расширения файлов (без точки)
	AllowedExtensions []string

	// --- Лимиты использования ---

	// StorageLimitBytes — кумулятивный лимит хранилища в байтах
	StorageLimitBytes int64
	// ClassALimit — месячный лимит Class A операций
	ClassALimit int64
	// ClassBLimit — месячный лимит Class B операций
	ClassBLimit int64

	// --- Кэш ---

	// CacheSize — размер LRU-кэша метаданных конспектов
	CacheSize int
	// CacheTTL — TTL записи LRU-кэша
	CacheTTL time.Duration
	// RedisAddr — адрес Redis для кэша статистики (пусто — in-memory fallback)
	RedisAddr string

	// --- Мониторинг зависимостей ---

	// DephealthCheckInterval — интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// DephealthGroup — имя группы в метриках topologymetrics
	DephealthGroup string
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы,
// значения некорректны или лимиты невалидны (<= 0).
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// ED_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("ED_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("ED_PORT: %w", err)
	}

	// ED_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("ED_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("ED_LOG_LEVEL: %w", err)
	}

	// ED_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("ED_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("ED_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.HTTPReadTimeout, err = getEnvDuration("ED_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ED_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("ED_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ED_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("ED_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ED_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("ED_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ED_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("ED_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("ED_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("ED_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("ED_DB_NAME", "edudesk")
	cfg.DBUser = getEnvDefault("ED_DB_USER", "edudesk")
	cfg.DBPassword = os.Getenv("ED_DB_PASSWORD")
	cfg.DBSSLMode = getEnvDefault("ED_DB_SSL_MODE", "disable")
	cfg.DBMaxConns, err = getEnvInt("ED_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("ED_DB_MAX_CONNS: %w", err)
	}
	cfg.DBMinConns, err = getEnvInt("ED_DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("ED_DB_MIN_CONNS: %w", err)
	}

	// --- Идентификация ---

	cfg.JWKSUrl = getEnvDefault("ED_JWKS_URL",
		"https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com")
	cfg.JWTIssuer = os.Getenv("ED_JWT_ISSUER")
	cfg.JWTLeeway, err = getEnvDuration("ED_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ED_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("ED_JWKS_REFRESH_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("ED_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.AdminEmails = splitNonEmpty(os.Getenv("ED_ADMIN_EMAILS"))

	// --- Загрузка файлов ---

	cfg.BlobDir = getEnvDefault("ED_BLOB_DIR", "/var/lib/edu-desk/blobs")
	maxUploadMB, err := getEnvInt("ED_MAX_UPLOAD_SIZE_MB", 10)
	if err != nil {
		return nil, fmt.Errorf("ED_MAX_UPLOAD_SIZE_MB: %w", err)
	}
	if maxUploadMB <= 0 {
		return nil, fmt.Errorf("ED_MAX_UPLOAD_SIZE_MB: значение должно быть > 0")
	}
	cfg.MaxUploadBytes = int64(maxUploadMB) * 1024 * 1024
	cfg.AllowedExtensions = splitNonEmpty(getEnvDefault("ED_ALLOWED_EXTENSIONS", "pdf,doc,docx,txt"))

	// --- Лимиты использования ---
	// Нулевой или отрицательный лимит — невалидная конфигурация:
	// ловим на старте, а не при делении в статистике использования.

	cfg.StorageLimitBytes, err = getEnvInt64("ED_STORAGE_LIMIT_BYTES", DefaultStorageLimitBytes)
	if err != nil {
		return nil, fmt.Errorf("ED_STORAGE_LIMIT_BYTES: %w", err)
	}
	cfg.ClassALimit, err = getEnvInt64("ED_CLASS_A_LIMIT", DefaultClassALimit)
	if err != nil {
		return nil, fmt.Errorf("ED_CLASS_A_LIMIT: %w", err)
	}
	cfg.ClassBLimit, err = getEnvInt64("ED_CLASS_B_LIMIT", DefaultClassBLimit)
	if err != nil {
		return nil, fmt.Errorf("ED_CLASS_B_LIMIT: %w", err)
	}
	if cfg.StorageLimitBytes <= 0 {
		return nil, fmt.Errorf("ED_STORAGE_LIMIT_BYTES: лимит должен быть > 0")
	}
	if cfg.ClassALimit <= 0 {
		return nil, fmt.Errorf("ED_CLASS_A_LIMIT: лимит должен быть > 0")
	}
	if cfg.ClassBLimit <= 0 {
		return nil, fmt.Errorf("ED_CLASS_B_LIMIT: лимит должен быть > 0")
	}

	// --- Кэш ---

	cfg.CacheSize, err = getEnvInt("ED_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("ED_CACHE_SIZE: %w", err)
	}
	cfg.CacheTTL, err = getEnvDuration("ED_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ED_CACHE_TTL: %w", err)
	}
	cfg.RedisAddr = os.Getenv("ED_REDIS_ADDR")

	// --- Мониторинг зависимостей ---

	cfg.DephealthCheckInterval, err = getEnvDuration("ED_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ED_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("ED_DEPHEALTH_GROUP", "edu-desk")

	return cfg, nil
}

// DatabaseDSN возвращает DSN подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// IsAdmin проверяет, входит ли email в список администраторов.
func (c *Config) IsAdmin(email string) bool {
	for _, a := range c.AdminEmails {
		if strings.EqualFold(a, email) {
			return true
		}
	}
	return false
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

// getEnvInt64 возвращает int64 из переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
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

// splitNonEmpty разбивает строку по запятым, отбрасывая пустые элементы.
func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
