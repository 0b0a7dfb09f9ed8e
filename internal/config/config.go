// internal/config/config.go

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Index backends
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendPostGIS = "postgis"
)

// Config holds all application configuration
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ReplicaID   string `env:"REPLICA_ID"`

	Server    ServerConfig    `envPrefix:"SERVER_"`
	Index     IndexConfig     `envPrefix:"INDEX_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	SQLite    SQLiteConfig    `envPrefix:"SQLITE_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	MQTT      MQTTConfig      `envPrefix:"MQTT_"`
	Discovery DiscoveryConfig `envPrefix:"DISCOVERY_"`
	Cache     CacheConfig     `envPrefix:"CACHE_"`
	Lifecycle LifecycleConfig `envPrefix:"LIFECYCLE_"`
	Privacy   PrivacyConfig   `envPrefix:"PRIVACY_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Telemetry TelemetryConfig `envPrefix:"TELEMETRY_"`
	Log       LogConfig       `envPrefix:"LOG_"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	CorsOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// IndexConfig selects and tunes the proximity index
type IndexConfig struct {
	Backend     string  `env:"BACKEND" envDefault:"memory"`
	CellDegrees float64 `env:"CELL_DEGREES" envDefault:"0.01"`
	Stripes     int     `env:"STRIPES" envDefault:"64"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host         string        `env:"HOST" envDefault:"localhost"`
	Port         int           `env:"PORT" envDefault:"5432"`
	User         string        `env:"USER" envDefault:"postgres"`
	Password     string        `env:"PASSWORD" envDefault:"postgres"`
	Database     string        `env:"NAME" envDefault:"spatialtag"`
	MaxOpenConns int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxLifetime  time.Duration `env:"MAX_LIFETIME" envDefault:"5m"`
	SSLMode      string        `env:"SSL_MODE" envDefault:"disable"`
	Migrate      bool          `env:"MIGRATE" envDefault:"true"`
}

// DSN returns the connection string for pgx
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d&pool_max_conn_lifetime=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode, c.MaxOpenConns, c.MaxLifetime,
	)
}

// SQLiteConfig holds embedded database configuration
type SQLiteConfig struct {
	Path string `env:"PATH" envDefault:"./data/spatialtag.db"`
}

// NATSConfig holds NATS configuration. An empty URL starts an embedded server.
type NATSConfig struct {
	URL           string `env:"URL"`
	EmbeddedHost  string `env:"EMBEDDED_HOST" envDefault:"127.0.0.1"`
	EmbeddedPort  int    `env:"EMBEDDED_PORT" envDefault:"4222"`
	SubjectPrefix string `env:"SUBJECT_PREFIX" envDefault:"spatialtag"`
}

// MQTTConfig holds location ingestion configuration. Ingestion is off
// without a broker URL.
type MQTTConfig struct {
	BrokerURL   string `env:"BROKER_URL"`
	ClientID    string `env:"CLIENT_ID" envDefault:"spatialtag-ingest"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	TopicPrefix string `env:"TOPIC_PREFIX" envDefault:"spatialtag/location"`
	QoS         int    `env:"QOS" envDefault:"1"`
}

// DiscoveryConfig holds discovery service configuration
type DiscoveryConfig struct {
	MaxResults       int           `env:"MAX_RESULTS" envDefault:"50"`
	ProfileTTL       time.Duration `env:"PROFILE_TTL" envDefault:"5m"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"8"`
	RestrictedGate   []string      `env:"RESTRICTED_GATE" envDefault:"elite" envSeparator:","`
	PreferLocalFrame bool          `env:"PREFER_LOCAL_FRAME" envDefault:"true"`
}

// CacheConfig holds proximity cache configuration
type CacheConfig struct {
	NearbyTTL   time.Duration `env:"NEARBY_TTL" envDefault:"15s"`
	EntityTTL   time.Duration `env:"ENTITY_TTL" envDefault:"5m"`
	MaxEntries  int           `env:"MAX_ENTRIES" envDefault:"10000"`
	LoadTimeout time.Duration `env:"LOAD_TIMEOUT" envDefault:"5s"`
}

// LifecycleConfig holds lifecycle sweep configuration
type LifecycleConfig struct {
	Interval     time.Duration `env:"INTERVAL" envDefault:"30s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
	MaxBatches   int           `env:"MAX_BATCHES" envDefault:"50"`
	Grace        time.Duration `env:"GRACE" envDefault:"0s"`
	Retention    time.Duration `env:"RETENTION" envDefault:"24h"`
	SweepTimeout time.Duration `env:"SWEEP_TIMEOUT" envDefault:"30s"`
}

// PrivacyConfig holds privacy filter configuration
type PrivacyConfig struct {
	JitterMinMeters    float64 `env:"JITTER_MIN_METERS" envDefault:"5"`
	JitterMaxMeters    float64 `env:"JITTER_MAX_METERS" envDefault:"15"`
	AccuracyFloor      float64 `env:"ACCURACY_FLOOR" envDefault:"10"`
	DistanceTierMeters float64 `env:"DISTANCE_TIER_METERS" envDefault:"10"`
	JitterSecret       string  `env:"JITTER_SECRET"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Limit  int64         `env:"LIMIT" envDefault:"120"`
	Window time.Duration `env:"WINDOW" envDefault:"1m"`
	Store  string        `env:"STORE" envDefault:"memory"` // memory or postgres
}

// TelemetryConfig holds metrics and tracing configuration
type TelemetryConfig struct {
	Namespace     string  `env:"NAMESPACE" envDefault:"spatialtag"`
	OTLPEndpoint  string  `env:"OTLP_ENDPOINT"`
	TraceEnabled  bool    `env:"TRACE_ENABLED" envDefault:"true"`
	TraceSampling float64 `env:"TRACE_SAMPLING" envDefault:"1"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT"` // json or console; defaults by environment
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return config, validate(config)
}

// validate checks if config is valid
func validate(config Config) error {
	var errs []error

	switch config.Index.Backend {
	case BackendMemory, BackendSQLite, BackendPostGIS:
	default:
		errs = append(errs, fmt.Errorf("unknown index backend %q", config.Index.Backend))
	}
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", config.Server.Port))
	}
	if config.Discovery.MaxResults <= 0 || config.Discovery.MaxResults > 50 {
		errs = append(errs, fmt.Errorf("discovery max results must be in [1, 50], got %d", config.Discovery.MaxResults))
	}
	if config.Lifecycle.Interval <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle interval must be positive"))
	}
	if config.Lifecycle.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle batch size must be positive"))
	}
	if config.Privacy.JitterMinMeters <= 0 || config.Privacy.JitterMaxMeters < config.Privacy.JitterMinMeters {
		errs = append(errs, fmt.Errorf("privacy jitter bounds [%v, %v] are invalid",
			config.Privacy.JitterMinMeters, config.Privacy.JitterMaxMeters))
	}
	if config.Privacy.AccuracyFloor < 10 {
		errs = append(errs, fmt.Errorf("privacy accuracy floor must be at least 10 meters"))
	}
	if config.RateLimit.Store != "memory" && config.RateLimit.Store != "postgres" {
		errs = append(errs, fmt.Errorf("unknown rate limit store %q", config.RateLimit.Store))
	}
	if config.RateLimit.Store == "postgres" && config.Index.Backend != BackendPostGIS {
		errs = append(errs, fmt.Errorf("postgres rate limit store requires the postgis index backend"))
	}
	if config.MQTT.QoS < 0 || config.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT QoS %d", config.MQTT.QoS))
	}
	if config.Environment != "development" && config.Privacy.JitterSecret == "" {
		errs = append(errs, fmt.Errorf("privacy jitter secret must be set in non-development environments"))
	}

	return errors.Join(errs...)
}
