package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Coordinator configures the call session daemon.
type Coordinator struct {
	// Transactions and effects
	TransactionTimeout     time.Duration `env:"TRANSACTION_TIMEOUT" envDefault:"10s"`
	AudioActivationTimeout time.Duration `env:"AUDIO_ACTIVATION_TIMEOUT" envDefault:"5s"`
	EffectRetries          int           `env:"EFFECT_RETRIES" envDefault:"3"`
	EffectRetryBackoff     time.Duration `env:"EFFECT_RETRY_BACKOFF" envDefault:"200ms"`
	EventQueueSize         int           `env:"EVENT_QUEUE_SIZE" envDefault:"64"`

	// Vendor SDK (baresip ctrl_tcp)
	BaresipAddr           string        `env:"BARESIP_ADDR" envDefault:"localhost:4444"`
	BaresipCommandTimeout time.Duration `env:"BARESIP_COMMAND_TIMEOUT" envDefault:"2s"`
	SIPDomain             string        `env:"SIP_DOMAIN" envDefault:"localhost"`
	Verbose               bool          `env:"VERBOSE" envDefault:"false"`

	// VideoSources are baresip vidsrc parameters cycled by camera flips.
	VideoSources []string `env:"VIDEO_SOURCES" envSeparator:";"`

	// Platform
	PlatformDelay time.Duration `env:"PLATFORM_DELAY" envDefault:"0s"`
	DoNotDisturb  bool          `env:"DO_NOT_DISTURB" envDefault:"false"`

	// Persistence
	StoreBackend  string        `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"redis:6379"`
	RedisUsername string        `env:"REDIS_USERNAME"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"callsession:v1"`
	RecordTTL     time.Duration `env:"RECORD_TTL" envDefault:"720h"`
	HistoryLimit  int           `env:"HISTORY_LIMIT" envDefault:"100"`
	PostgresDSN   string        `env:"POSTGRES_DSN"`

	// Surfaces
	GRPCAddr      string `env:"GRPC_ADDR" envDefault:":50070"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PushJWTSecret string `env:"PUSH_JWT_SECRET"`
	PushJWTIssuer string `env:"PUSH_JWT_ISSUER"`

	// Logging
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	LogConsoleLevel string `env:"LOG_CONSOLE_LEVEL" envDefault:"trace"`
	LogFile         string `env:"LOG_FILE"`
	LogFileLevel    string `env:"LOG_FILE_LEVEL" envDefault:"debug"`
	LogFileMaxMB    int    `env:"LOG_FILE_MAX_MB" envDefault:"100"`
}

// Validate checks settings that depend on each other.
func (c *Coordinator) Validate() error {
	if c == nil {
		return errors.New("nil coordinator config")
	}
	if c.TransactionTimeout <= 0 {
		return fmt.Errorf("TRANSACTION_TIMEOUT must be positive, got %s", c.TransactionTimeout)
	}
	if c.EffectRetries < 0 {
		return fmt.Errorf("EFFECT_RETRIES must not be negative, got %d", c.EffectRetries)
	}

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("POSTGRES_DSN is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// RetryBackoff expands EffectRetries and EffectRetryBackoff into the wait
// before each attempt: the first attempt runs immediately, later ones double.
func (c *Coordinator) RetryBackoff() []time.Duration {
	out := []time.Duration{0}
	d := c.EffectRetryBackoff
	for i := 0; i < c.EffectRetries; i++ {
		out = append(out, d)
		d *= 2
	}
	return out
}
