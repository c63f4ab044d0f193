package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageMemory = "memory"
	StorageMinIO  = "minio"

	// FormatModeLabel names the download after the selected format without re-encoding.
	FormatModeLabel = "label"
	// FormatModeEncode asks the compressor for the selected encoding.
	FormatModeEncode = "encode"
)

type Config struct {
	Server  ServerConfig
	Reducer ReducerConfig
	Session SessionConfig
	Storage StorageConfig
	MinIO   MinIOConfig
	Worker  WorkerConfig
	Log     LogConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	Mode        string
	MaxUploadMB int
}

// ReducerConfig holds the initial values of a new session
type ReducerConfig struct {
	TargetSizeKB float64
	Quality      float64
	MaxWidth     int
	MaxHeight    int
	Format       string
	FormatMode   string
}

type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type StorageConfig struct {
	Backend string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	SSL       bool
	Location  string
	URLExpiry time.Duration
}

type WorkerConfig struct {
	MaxWorkers int
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
}

// Address returns the listen address of the HTTP server
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxUploadBytes returns the upload limit in bytes
func (c *ServerConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// Load returns the application configuration from environment variables
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := unmarshalConfig(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.max.upload.mb", 20)

	// Reducer defaults
	viper.SetDefault("reducer.target.size.kb", 500)
	viper.SetDefault("reducer.quality", 0.8)
	viper.SetDefault("reducer.max.width", 1024)
	viper.SetDefault("reducer.max.height", 1024)
	viper.SetDefault("reducer.format", "jpg")
	viper.SetDefault("reducer.format.mode", FormatModeLabel)

	// Session defaults
	viper.SetDefault("session.ttl", 30*time.Minute)
	viper.SetDefault("session.sweep.interval", time.Minute)

	// Storage defaults
	viper.SetDefault("storage.backend", StorageMemory)

	// MinIO defaults
	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.access.key", "minioadmin")
	viper.SetDefault("minio.secret.key", "minioadmin")
	viper.SetDefault("minio.bucket", "reduced-images")
	viper.SetDefault("minio.prefix", "artifacts")
	viper.SetDefault("minio.ssl", false)
	viper.SetDefault("minio.location", "us-east-1")
	viper.SetDefault("minio.url.expiry", time.Hour)

	// Worker defaults
	viper.SetDefault("worker.max.workers", 4)

	// Log defaults
	viper.SetDefault("log.level", "info")

	// Observability defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.endpoint", "/metrics")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service.name", "image-reducer")
	viper.SetDefault("tracing.service.version", "1.0.0")
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("tracing.otlp.endpoint", "localhost:4317")
}

func unmarshalConfig(config *Config) error {
	// Server config
	config.Server.Host = viper.GetString("server.host")
	config.Server.Port = viper.GetInt("server.port")
	config.Server.Mode = viper.GetString("server.mode")
	config.Server.MaxUploadMB = viper.GetInt("server.max.upload.mb")

	// Reducer config
	config.Reducer.TargetSizeKB = viper.GetFloat64("reducer.target.size.kb")
	config.Reducer.Quality = viper.GetFloat64("reducer.quality")
	config.Reducer.MaxWidth = viper.GetInt("reducer.max.width")
	config.Reducer.MaxHeight = viper.GetInt("reducer.max.height")
	config.Reducer.Format = strings.ToLower(viper.GetString("reducer.format"))
	config.Reducer.FormatMode = strings.ToLower(viper.GetString("reducer.format.mode"))

	// Session config
	config.Session.TTL = viper.GetDuration("session.ttl")
	config.Session.SweepInterval = viper.GetDuration("session.sweep.interval")

	// Storage config
	config.Storage.Backend = strings.ToLower(viper.GetString("storage.backend"))

	// MinIO config
	config.MinIO.Endpoint = viper.GetString("minio.endpoint")
	config.MinIO.AccessKey = viper.GetString("minio.access.key")
	config.MinIO.SecretKey = viper.GetString("minio.secret.key")
	config.MinIO.Bucket = viper.GetString("minio.bucket")
	config.MinIO.Prefix = viper.GetString("minio.prefix")
	config.MinIO.SSL = viper.GetBool("minio.ssl")
	config.MinIO.Location = viper.GetString("minio.location")
	config.MinIO.URLExpiry = viper.GetDuration("minio.url.expiry")

	// Worker config
	config.Worker.MaxWorkers = viper.GetInt("worker.max.workers")

	// Log config
	config.Log.Level = viper.GetString("log.level")

	// Observability config
	config.Metrics.Enabled = viper.GetBool("metrics.enabled")
	config.Metrics.Endpoint = viper.GetString("metrics.endpoint")
	config.Tracing.Enabled = viper.GetBool("tracing.enabled")
	config.Tracing.ServiceName = viper.GetString("tracing.service.name")
	config.Tracing.ServiceVersion = viper.GetString("tracing.service.version")
	config.Tracing.Environment = viper.GetString("tracing.environment")
	config.Tracing.OTLPEndpoint = viper.GetString("tracing.otlp.endpoint")

	return validate(config)
}

func validate(config *Config) error {
	switch config.Storage.Backend {
	case StorageMemory, StorageMinIO:
	default:
		return fmt.Errorf("unknown storage backend: %s", config.Storage.Backend)
	}

	switch config.Reducer.FormatMode {
	case FormatModeLabel, FormatModeEncode:
	default:
		return fmt.Errorf("unknown format mode: %s", config.Reducer.FormatMode)
	}

	if config.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("worker.max.workers must be positive, got %d", config.Worker.MaxWorkers)
	}

	return nil
}
