package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// StorageDriver — бэкенд хранения журнала.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// OTelExporter — куда уходят спаны трассировки.
type OTelExporter string

const (
	OTelExporterNone   OTelExporter = "none"
	OTelExporterStdout OTelExporter = "stdout"
	OTelExporterOTLP   OTelExporter = "otlp"
)

const envPrefix = "LEDGER_"

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string `validate:"required"`
	MetricsAddr string `validate:"required"`
	LogLevel    string

	StorageDriver        StorageDriver `validate:"oneof=memory postgres"`
	PostgresDSN          string        `validate:"required_if=StorageDriver postgres"`
	PostgresAutoMigrate  bool
	PostgresMaxOpenConns int           `validate:"gte=0"`
	TxTimeout            time.Duration `validate:"gte=0"`
	RegistryFixture      string

	KafkaBrokers  []string
	KafkaTopic    string
	KafkaDLQTopic string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int           `validate:"gte=0,lte=15"`
	LeaderLeaseTTL time.Duration `validate:"gte=0"`

	OutboxPollInterval time.Duration `validate:"gt=0"`
	OutboxBatchSize    int           `validate:"gt=0"`
	OutboxMaxAttempts  int           `validate:"gt=0"`
	OutboxRetryDelay   time.Duration `validate:"gte=0"`

	IdempotencyCleanupInterval  time.Duration `validate:"gt=0"`
	IdempotencyCleanupBatchSize int           `validate:"gt=0"`

	OTelExporter    OTelExporter `validate:"oneof=none stdout otlp"`
	OTelEndpoint    string       `validate:"required_if=OTelExporter otlp"`
	OTelInsecure    bool
	OTelSampleRatio float64 `validate:"gte=0,lte=1"`
	OTelServiceName string  `validate:"required"`
}

// DefaultConfig возвращает настройки для локального запуска на in-memory бэкенде.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		LogLevel:                    "info",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		TxTimeout:                   10 * time.Second,
		LeaderLeaseTTL:              15 * time.Second,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		OTelExporter:                OTelExporterNone,
		OTelSampleRatio:             1,
		OTelServiceName:             "pharmaledger",
	}
}

// LoadDotEnv подгружает переменные из .env файлов, если они есть.
// Уже выставленные переменные окружения не перезаписываются.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ConfigFromEnv читает LEDGER_* переменные поверх DefaultConfig.
// Некорректное значение оставляет default и пишет предупреждение.
func ConfigFromEnv(logger *log.Entry) Config {
	if logger == nil {
		logger = log.New().WithField("component", "config")
	}
	r := envReader{logger: logger}
	cfg := DefaultConfig()

	r.str("GRPC_ADDR", &cfg.GRPCAddr)
	r.str("METRICS_ADDR", &cfg.MetricsAddr)
	r.str("LOG_LEVEL", &cfg.LogLevel)

	var driver string
	if r.str("STORAGE_DRIVER", &driver) {
		cfg.StorageDriver = StorageDriver(strings.ToLower(driver))
	}
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.integer("POSTGRES_MAX_OPEN_CONNS", &cfg.PostgresMaxOpenConns)
	r.duration("TX_TIMEOUT", &cfg.TxTimeout)
	r.str("REGISTRY_FIXTURE", &cfg.RegistryFixture)

	var brokers string
	if r.str("KAFKA_BROKERS", &brokers) {
		cfg.KafkaBrokers = splitList(brokers)
	}
	r.str("KAFKA_TOPIC", &cfg.KafkaTopic)
	r.str("KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)

	r.str("REDIS_ADDR", &cfg.RedisAddr)
	r.str("REDIS_PASSWORD", &cfg.RedisPassword)
	r.integer("REDIS_DB", &cfg.RedisDB)
	r.duration("LEADER_LEASE_TTL", &cfg.LeaderLeaseTTL)

	r.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	r.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	r.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	r.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)

	r.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	r.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	var exporter string
	if r.str("OTEL_EXPORTER", &exporter) {
		cfg.OTelExporter = OTelExporter(strings.ToLower(exporter))
	}
	r.str("OTEL_ENDPOINT", &cfg.OTelEndpoint)
	r.boolean("OTEL_INSECURE", &cfg.OTelInsecure)
	r.ratio("OTEL_SAMPLE_RATIO", &cfg.OTelSampleRatio)
	r.str("OTEL_SERVICE_NAME", &cfg.OTelServiceName)

	return cfg
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fe.Value()))
		case "required_if":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

type envReader struct {
	logger *log.Entry
}

func (r envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r envReader) invalid(name, value string, err error) {
	r.logger.WithError(err).WithFields(log.Fields{"env": envPrefix + name, "value": value}).
		Warn("invalid config value, using default")
}

func (r envReader) str(name string, dst *string) bool {
	v, ok := r.lookup(name)
	if ok {
		*dst = v
	}
	return ok
}

func (r envReader) integer(name string, dst *int) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(name, v, err)
		return
	}
	*dst = n
}

func (r envReader) boolean(name string, dst *bool) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(name, v, err)
		return
	}
	*dst = b
}

func (r envReader) duration(name string, dst *time.Duration) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid(name, v, err)
		return
	}
	*dst = d
}

func (r envReader) ratio(name string, dst *float64) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.invalid(name, v, err)
		return
	}
	*dst = f
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
