// Package config loads the server configuration from files, environment
// variables and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/genomic-intake-server/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. GENOMIC_INTAKE_SERVER_PORT
const EnvPrefix = "GENOMIC_INTAKE"

// ConfigFileEnv names an explicit configuration file, bypassing the search paths
const ConfigFileEnv = EnvPrefix + "_CONFIG"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	mu     sync.RWMutex
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if file := os.Getenv(ConfigFileEnv); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/genomic-intake/")
	}

	// Set environment variable prefix and enable automatic env binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.mu.Lock()
	m.v = v
	m.config = config
	m.mu.Unlock()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Stream listener defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.idle_timeout", "5m")
	v.SetDefault("server.command_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_connections", 256)
	v.SetDefault("server.accept_rate", 0)
	v.SetDefault("server.accept_burst", 32)
	v.SetDefault("server.max_payload_bytes", 256<<20)

	// Record store defaults
	v.SetDefault("storage.driver", "csv")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.patients_file", "patients.csv")
	v.SetDefault("storage.reports_file", "disease_reports.csv")
	v.SetDefault("storage.sqlite_path", "intake.db")

	// Payload store defaults
	v.SetDefault("blob.driver", "filesystem")
	v.SetDefault("blob.dir", "./data/fasta")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.breaker.max_requests", 1)
	v.SetDefault("blob.breaker.interval", "60s")
	v.SetDefault("blob.breaker.timeout", "30s")

	// Signature library defaults
	v.SetDefault("signatures.dir", "./signatures")
	v.SetDefault("signatures.cache_size", 256)

	v.SetDefault("validation.strict_fasta", false)

	// Detection event defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "genomic-intake.detections")
	v.SetDefault("events.publish_timeout", "5s")

	// Admin API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.filename", "./logs/server.log")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.GetConfig().Server
}

// GetStorageConfig returns record store configuration
func (m *Manager) GetStorageConfig() *domain.StorageConfig {
	return &m.GetConfig().Storage
}

// ConfigFileUsed returns the configuration file that was read, if any
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.ConfigFileUsed()
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.GetConfig()

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.TLSEnabled && (config.Server.CertFile == "" || config.Server.KeyFile == "") {
		return fmt.Errorf("TLS requires both cert_file and key_file")
	}
	if config.Server.IdleTimeout < 0 || config.Server.CommandTimeout < 0 || config.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	if config.Server.MaxConnections < 0 {
		return fmt.Errorf("invalid max connections: %d", config.Server.MaxConnections)
	}
	if config.Server.AcceptRate < 0 {
		return fmt.Errorf("invalid accept rate: %v", config.Server.AcceptRate)
	}
	if config.Server.MaxPayloadBytes < 0 {
		return fmt.Errorf("invalid max payload bytes: %d", config.Server.MaxPayloadBytes)
	}

	// Validate storage configuration
	switch config.Storage.Driver {
	case "csv":
		if config.Storage.PatientsFile == "" || config.Storage.ReportsFile == "" {
			return fmt.Errorf("csv storage requires patients_file and reports_file")
		}
	case "sqlite":
		if config.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite storage requires sqlite_path")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", config.Storage.Driver)
	}

	// Validate payload store configuration
	switch config.Blob.Driver {
	case "filesystem":
		if config.Blob.Dir == "" {
			return fmt.Errorf("filesystem blob store requires dir")
		}
	case "s3":
		if config.Blob.S3.Bucket == "" {
			return fmt.Errorf("s3 blob store requires a bucket")
		}
	default:
		return fmt.Errorf("invalid blob driver: %s", config.Blob.Driver)
	}

	if config.Signatures.Dir == "" {
		return fmt.Errorf("signature directory is required")
	}

	if config.Events.Enabled {
		if len(config.Events.Brokers) == 0 {
			return fmt.Errorf("events require at least one broker")
		}
		if config.Events.Topic == "" {
			return fmt.Errorf("events require a topic")
		}
		if config.Events.PublishTimeout < 0 {
			return fmt.Errorf("invalid events publish timeout: %v", config.Events.PublishTimeout)
		}
	}

	if config.API.Enabled && (config.API.Port <= 0 || config.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", config.API.Port)
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}
	switch config.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if config.Logging.Filename == "" {
			return fmt.Errorf("file logging requires a filename")
		}
	default:
		return fmt.Errorf("invalid log output: %s", config.Logging.Output)
	}

	return nil
}

// EnsureDirectories creates the local data directories the configuration points at.
func (m *Manager) EnsureDirectories() error {
	config := m.GetConfig()

	dirs := []string{config.Storage.DataDir}
	if config.Blob.Driver == "filesystem" {
		dirs = append(dirs, config.Blob.Dir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
