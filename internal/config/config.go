package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	GateMemory = "memory"
	GateRedis  = "redis"
)

// Config - конфигурация сервиса генерации резюме.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding     string        `envconfig:"LOG_ENCODING" default:"json"`
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Хранилище
	StorageDriver     string        `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DBHost            string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort            string        `envconfig:"DB_PORT" default:"5432"`
	DBUser            string        `envconfig:"DB_USER" default:"postgres"`
	DBName            string        `envconfig:"DB_NAME" default:"resume_db"`
	DBSSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns        int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout     time.Duration `envconfig:"DB_IDLE_TIMEOUT" default:"5m"`
	DBConnectAttempts int           `envconfig:"DB_CONNECT_ATTEMPTS" default:"5"`
	DBRetryDelay      time.Duration `envconfig:"DB_RETRY_DELAY" default:"5s"`
	DBPassword        string        `ignored:"true"`

	// Concurrency Gate
	ConcurrencyBackend string        `envconfig:"CONCURRENCY_BACKEND" default:"memory"`
	RedisAddr          string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB            int           `envconfig:"REDIS_DB" default:"0"`
	GateTTL            time.Duration `envconfig:"GATE_TTL" default:"2h"`
	RedisPassword      string        `ignored:"true"`

	// Прогресс. Пустой URL - события только в лог.
	RabbitMQURL      string `envconfig:"RABBITMQ_URL" default:""`
	ProgressExchange string `envconfig:"PROGRESS_EXCHANGE" default:"generation_progress"`

	// AI
	AIBackend        string        `envconfig:"AI_BACKEND" default:"openai"`
	AIBaseURL        string        `envconfig:"AI_BASE_URL" default:"https://openrouter.ai/api/v1"`
	AIModel          string        `envconfig:"AI_MODEL" default:"openai/gpt-4o-mini"`
	AITemperature    float32       `envconfig:"AI_TEMPERATURE" default:"0.2"`
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"1s"`
	AICommand        string        `envconfig:"AI_COMMAND" default:""`
	AICommandArgs    []string      `envconfig:"AI_COMMAND_ARGS" default:""`
	AIAPIKey         string        `ignored:"true"`
	PricingFile      string        `envconfig:"PRICING_FILE" default:""`

	// Кредиты и лимиты
	LedgerUnitCostAdapt   int64 `envconfig:"LEDGER_UNIT_COST_ADAPT" default:"1"`
	LedgerUnitCostRebuild int64 `envconfig:"LEDGER_UNIT_COST_REBUILD" default:"1"`
	MaxPostingsPerTask    int   `envconfig:"MAX_POSTINGS_PER_TASK" default:"10"`

	// Очередь задач
	JobRetention    time.Duration `envconfig:"JOB_RETENTION" default:"1h"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"10m"`

	JWTSecret string `ignored:"true"`
}

// GetDSN возвращает строку подключения к PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MaskedDSN - DSN с замаскированным паролем для логов.
func (c *Config) MaskedDSN() string {
	dsn := c.GetDSN()
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return "[invalid dsn format]"
	}
	userInfo := dsn[:at]
	if colon := strings.LastIndex(userInfo, ":"); colon > len("postgres:") {
		userInfo = userInfo[:colon+1] + "********"
	}
	return userInfo + dsn[at:]
}

// Load читает переменные окружения и секреты.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadSecrets() error {
	var err error
	if c.JWTSecret, err = ReadSecret("jwt_secret"); err != nil {
		return err
	}
	if c.StorageDriver == StoragePostgres {
		if c.DBPassword, err = ReadSecret("db_password"); err != nil {
			return err
		}
	}
	if c.AIBackend == "openai" {
		if c.AIAPIKey, err = ReadSecret("ai_api_key"); err != nil {
			return err
		}
	}
	c.RedisPassword, _ = ReadSecret("redis_password")
	return nil
}

// Validate проверяет взаимоисключающие и обязательные настройки.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.ConcurrencyBackend {
	case GateMemory, GateRedis:
	default:
		return fmt.Errorf("unsupported CONCURRENCY_BACKEND %q", c.ConcurrencyBackend)
	}
	if c.AIBackend == "command" && c.AICommand == "" {
		return fmt.Errorf("AI_COMMAND is required for the command backend")
	}
	if c.MaxPostingsPerTask <= 0 {
		return fmt.Errorf("MAX_POSTINGS_PER_TASK must be positive, got %d", c.MaxPostingsPerTask)
	}
	if c.LedgerUnitCostAdapt < 0 || c.LedgerUnitCostRebuild < 0 {
		return fmt.Errorf("ledger unit costs must not be negative")
	}
	return nil
}

// LogFields - конфигурация без секретов для стартового лога.
func (c *Config) LogFields() []zap.Field {
	fields := []zap.Field{
		zap.String("env", c.Env),
		zap.String("port", c.Port),
		zap.String("storage", c.StorageDriver),
		zap.String("gate", c.ConcurrencyBackend),
		zap.String("ai_backend", c.AIBackend),
		zap.String("ai_model", c.AIModel),
		zap.Duration("ai_timeout", c.AITimeout),
		zap.Int("ai_max_attempts", c.AIMaxAttempts),
		zap.Int("max_postings", c.MaxPostingsPerTask),
		zap.Bool("progress_broker", c.RabbitMQURL != ""),
	}
	if c.StorageDriver == StoragePostgres {
		fields = append(fields, zap.String("db_dsn", c.MaskedDSN()))
	}
	return fields
}
