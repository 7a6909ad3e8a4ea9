// Package config loads service configuration from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable holding the YAML config path.
const ConfigPathEnv = "APPROVALS_CONFIG"

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Directory sources.
const (
	DirectoryPostgres = "postgres"
	DirectoryStatic   = "static"
)

// Config is the root configuration document.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Storage   StorageConfig   `yaml:"storage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Directory DirectoryConfig `yaml:"directory"`
	Log       LogConfig       `yaml:"log"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds pgx pool settings.
type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxConns     int32         `yaml:"max_conns"`
	MinConns     int32         `yaml:"min_conns"`
	MaxConnTime  time.Duration `yaml:"max_conn_time"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
	HealthCheck  time.Duration `yaml:"health_check"`
	EnsureSchema bool          `yaml:"ensure_schema"`
}

// NATSConfig controls event publishing.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SchedulerConfig controls the escalation scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputFile string `yaml:"output_file"`
}

// StorageConfig selects the repository implementation.
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// CatalogConfig points at the workflow definitions seed file.
type CatalogConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// DirectoryConfig selects where role holders come from. Roles and
// InactiveUsers are only read by the static directory.
type DirectoryConfig struct {
	Source        string              `yaml:"source"`
	Roles         map[string][]string `yaml:"roles"`
	InactiveUsers []string            `yaml:"inactive_users"`
}

// LogConfig controls log verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-proc-approvals",
			Version:     "0.1.0",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "notifications.approvals",
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Minute,
		},
		Storage: StorageConfig{
			Driver: StoragePostgres,
		},
		Directory: DirectoryConfig{
			Source: DirectoryPostgres,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file named by APPROVALS_CONFIG (if set) over the
// defaults, then applies environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Service.Environment, "SERVICE_ENV")
	setString(&c.Service.Version, "SERVICE_VERSION")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.Storage.Driver, "STORAGE_DRIVER")
	setString(&c.Catalog.SeedFile, "CATALOG_SEED_FILE")

	for key, dst := range map[string]*int{
		"HTTP_PORT": &c.Server.Port,
		"GRPC_PORT": &c.Server.GRPCPort,
		"DB_PORT":   &c.Database.Port,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	if value := os.Getenv("SCHEDULER_TICK_INTERVAL"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: SCHEDULER_TICK_INTERVAL: %w", err)
		}
		c.Scheduler.TickInterval = d
	}
	if value := os.Getenv("NATS_ENABLED"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: NATS_ENABLED: %w", err)
		}
		c.NATS.Enabled = enabled
	}
	return nil
}

// Validate returns an aggregated error describing invalid settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Server.GRPCPort <= 0 {
		errs = append(errs, errors.New("server.grpc_port must be > 0"))
	}
	if c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}
	// The tick has to be well below one hour, the smallest escalation threshold.
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.TickInterval >= time.Hour {
		errs = append(errs, errors.New("scheduler.tick_interval must be within (0, 1h)"))
	}
	switch c.Storage.Driver {
	case StoragePostgres, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.Directory.Source {
	case DirectoryPostgres:
		if c.Storage.Driver != StoragePostgres {
			errs = append(errs, errors.New("directory.source postgres requires storage.driver postgres"))
		}
	case DirectoryStatic:
	default:
		errs = append(errs, fmt.Errorf("directory.source %q is not supported", c.Directory.Source))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}
