// Package config loads runtime configuration from YAML files with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a runtime process.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Server  ServerConfig  `yaml:"server"`
	Master  MasterConfig  `yaml:"master"`
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies this runtime in the cluster.
type NodeConfig struct {
	// ID is the endpoint id advertised to peers. Defaults to a generated
	// id when empty.
	ID string `yaml:"id" env:"FM_NODE_ID"`

	// Role is the declared role: master or worker.
	Role string `yaml:"role" env:"FM_NODE_ROLE"`
}

// ServerConfig holds the control server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"FM_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"FM_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"FM_SERVER_WRITE_TIMEOUT"`
}

// MasterConfig holds master-side membership configuration.
type MasterConfig struct {
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout" env:"FM_MASTER_HEARTBEAT_TIMEOUT"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"FM_MASTER_HEALTH_CHECK_INTERVAL"`
	MaxWorkers          int           `yaml:"max_workers" env:"FM_MASTER_MAX_WORKERS"`

	// HeartbeatInterval is how often the master's outbound links push a
	// heartbeat to connected workers.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"FM_MASTER_HEARTBEAT_INTERVAL"`

	// AcceptScript is an optional JavaScript expression deciding whether an
	// endpoint with no dedicated policy may connect.
	AcceptScript string `yaml:"accept_script" env:"FM_MASTER_ACCEPT_SCRIPT"`
}

// WorkerConfig holds worker-side membership configuration.
type WorkerConfig struct {
	// MasterAddr is the optional bootstrap master address. Empty means
	// the worker waits to be connected by a master.
	MasterAddr string `yaml:"master_addr" env:"FM_WORKER_MASTER_ADDR"`

	// Tags are attached to this worker at connect time.
	Tags []string `yaml:"tags" env:"FM_WORKER_TAGS"`

	// ShutdownWithMaster terminates the worker when its master is
	// detected as unreachable.
	ShutdownWithMaster bool `yaml:"shutdown_with_master" env:"FM_WORKER_SHUTDOWN_WITH_MASTER"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"FM_WORKER_HEARTBEAT_INTERVAL"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" env:"FM_LOG_LEVEL"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Role: "worker",
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Master: MasterConfig{
			HeartbeatTimeout:    30 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			MaxWorkers:          100,
			HeartbeatInterval:   5 * time.Second,
		},
		Worker: WorkerConfig{
			Tags:              nil,
			HeartbeatInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Loader loads configuration from multiple sources with precedence
// defaults < YAML file < environment variables.
type Loader struct {
	configPath string
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath sets the path of the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load resolves the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// ParseConfig parses a YAML configuration from bytes over defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}
