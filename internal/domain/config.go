package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Signatures SignaturesConfig `mapstructure:"signatures"`
	Validation ValidationConfig `mapstructure:"validation"`
	Events     EventsConfig     `mapstructure:"events"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the stream listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	TLSEnabled      bool          `mapstructure:"tls_enabled"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`    // wait for the next command line
	CommandTimeout  time.Duration `mapstructure:"command_timeout"` // metadata and payload of one command
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	AcceptRate      float64       `mapstructure:"accept_rate"` // accepted connections per second, 0 disables
	AcceptBurst     int           `mapstructure:"accept_burst"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
}

// StorageConfig represents patient and report persistence
type StorageConfig struct {
	Driver       string `mapstructure:"driver"` // "csv", "sqlite"
	DataDir      string `mapstructure:"data_dir"`
	PatientsFile string `mapstructure:"patients_file"`
	ReportsFile  string `mapstructure:"reports_file"`
	SQLitePath   string `mapstructure:"sqlite_path"`
}

// BlobConfig represents where uploaded FASTA payloads are kept
type BlobConfig struct {
	Driver  string        `mapstructure:"driver"` // "filesystem", "s3"
	Dir     string        `mapstructure:"dir"`
	S3      S3Config      `mapstructure:"s3"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// S3Config represents an S3-compatible bucket (AWS S3 or MinIO)
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// BreakerConfig represents circuit breaker settings for remote blob storage
type BreakerConfig struct {
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SignaturesConfig represents the disease signature library
type SignaturesConfig struct {
	Dir       string `mapstructure:"dir"`
	CacheSize int    `mapstructure:"cache_size"`
}

// ValidationConfig represents FASTA validation policy
type ValidationConfig struct {
	StrictFasta bool `mapstructure:"strict_fasta"`
}

// EventsConfig represents the detection event stream
type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`

	// PublishTimeout bounds how long a command waits to queue one event.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// APIConfig represents the read-only admin HTTP API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"` // "stdout", "stderr", "file"
	Filename string `mapstructure:"filename"`
}
