package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	StoragePostgres = "postgres"
	StorageBolt     = "bolt"
	StorageMemory   = "memory"
)

// Config is centralized process configuration.
// Keep infra values here and pass typed config into builders.
type Config struct {
	ServiceName  string
	HTTPPort     string
	LogLevel     string
	KafkaBrokers []string

	StorageBackend string
	PostgresDSN    string
	AutoMigrate    bool
	BoltPath       string
	PollsFile      string

	SubmitTimeout     time.Duration
	LockWait          time.Duration
	LockAttempts      int
	ReadRetryAttempts int
	ReadRetryBackoff  time.Duration

	StreamKeepalive    time.Duration
	StreamIdleTimeout  time.Duration
	StreamWriteTimeout time.Duration
	StreamMaxTotal     int
	StreamMaxPerVoter  int

	DirectoryCacheSize int
	ShutdownTimeout    time.Duration

	ReconcileInterval     time.Duration
	OutboxPollInterval    time.Duration
	OutboxBatchSize       int
	EnableOutboxRelay     bool
	EnableTallyReconciler bool
}

func Load() (Config, error) {
	service := os.Getenv("SERVICE_NAME")
	if service == "" {
		service = "pollcast"
	}

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}

	cfg := Config{
		ServiceName:  service,
		HTTPPort:     port,
		LogLevel:     envString("LOG_LEVEL", "info"),
		KafkaBrokers: envList("KAFKA_BROKERS", []string{"localhost:9092"}),

		StorageBackend: strings.ToLower(envString("STORAGE_BACKEND", StorageMemory)),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		AutoMigrate:    envBool("AUTO_MIGRATE", true),
		BoltPath:       envString("BOLT_PATH", "data/pollcast.db"),
		PollsFile:      os.Getenv("POLLS_FILE"),

		SubmitTimeout:     envDuration("SUBMIT_TIMEOUT", 5*time.Second),
		LockWait:          envDuration("LOCK_WAIT", 250*time.Millisecond),
		LockAttempts:      envInt("LOCK_ATTEMPTS", 8),
		ReadRetryAttempts: envInt("READ_RETRY_ATTEMPTS", 3),
		ReadRetryBackoff:  envDuration("READ_RETRY_BACKOFF", 25*time.Millisecond),

		StreamKeepalive:    envDuration("STREAM_KEEPALIVE", 15*time.Second),
		StreamIdleTimeout:  envDuration("STREAM_IDLE_TIMEOUT", 0),
		StreamWriteTimeout: envDuration("STREAM_WRITE_TIMEOUT", 10*time.Second),
		StreamMaxTotal:     envInt("STREAM_MAX_TOTAL", 10000),
		StreamMaxPerVoter:  envInt("STREAM_MAX_PER_VOTER", 8),

		DirectoryCacheSize: envInt("DIRECTORY_CACHE_SIZE", 1024),
		ShutdownTimeout:    envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		ReconcileInterval:     envDuration("RECONCILE_INTERVAL", 30*time.Second),
		OutboxPollInterval:    envDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:       envInt("OUTBOX_BATCH_SIZE", 100),
		EnableOutboxRelay:     envBool("ENABLE_OUTBOX_RELAY", true),
		EnableTallyReconciler: envBool("ENABLE_TALLY_RECONCILER", true),
	}
	return cfg, nil
}

// BindFlags registers command-line overrides for the values most often
// changed per run. Defaults are the values already loaded from the
// environment, so an unset flag keeps the environment value.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "storage backend: postgres, bolt or memory")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres connection string")
	fs.BoolVar(&cfg.AutoMigrate, "auto-migrate", cfg.AutoMigrate, "create or update postgres tables on start")
	fs.StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "bolt ledger file")
	fs.StringVar(&cfg.PollsFile, "polls-file", cfg.PollsFile, "YAML file with poll definitions to load")
	fs.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "event bus brokers")
	fs.DurationVar(&cfg.SubmitTimeout, "submit-timeout", cfg.SubmitTimeout, "deadline for one vote submission")
	fs.DurationVar(&cfg.StreamKeepalive, "stream-keepalive", cfg.StreamKeepalive, "interval of keepalive comments on tally streams")
	fs.DurationVar(&cfg.StreamIdleTimeout, "stream-idle-timeout", cfg.StreamIdleTimeout, "close tally streams without updates for this long (0 disables)")
	fs.IntVar(&cfg.StreamMaxPerVoter, "stream-max-per-voter", cfg.StreamMaxPerVoter, "live streams allowed per subscriber (0 is unlimited)")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", cfg.ReconcileInterval, "interval of tally rebuilds from the ledger")
	fs.DurationVar(&cfg.OutboxPollInterval, "outbox-interval", cfg.OutboxPollInterval, "interval of outbox relay cycles")
}

// Validate rejects combinations the builders cannot wire.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case StoragePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("POSTGRES_DSN is required for storage backend %q", c.StorageBackend)
		}
	case StorageBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			return fmt.Errorf("BOLT_PATH is required for storage backend %q", c.StorageBackend)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.LockAttempts <= 0 {
		return fmt.Errorf("LOCK_ATTEMPTS must be positive, got %d", c.LockAttempts)
	}
	if c.StreamMaxTotal < 0 || c.StreamMaxPerVoter < 0 {
		return fmt.Errorf("stream quotas must not be negative")
	}
	return nil
}

func envString(name string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// envDuration accepts Go durations ("250ms") or whole seconds ("30").
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func envList(name string, fallback []string) []string {
	var items []string
	for _, value := range strings.Split(os.Getenv(name), ",") {
		value = strings.TrimSpace(value)
		if value != "" {
			items = append(items, value)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
