package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Ingest   IngestConfig   `yaml:"ingest" json:"ingest"`
	Stream   StreamConfig   `yaml:"stream" json:"stream"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"HLSVAULT_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"HLSVAULT_PORT" default:"8080"`
	BaseURL      string        `yaml:"base_url" json:"base_url" env:"HLSVAULT_BASE_URL" default:"http://localhost:8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"HLSVAULT_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"HLSVAULT_WRITE_TIMEOUT" default:"30s"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" env:"HLSVAULT_ENABLE_CORS" default:"true"`
}

// DatabaseConfig holds persistence configuration
type DatabaseConfig struct {
	Type         string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	DataDir      string `yaml:"data_dir" json:"data_dir" env:"HLSVAULT_DATA_DIR" default:"./data"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"HLSVAULT_DATABASE_PATH"`
	Host         string `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port         int    `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username     string `yaml:"username" json:"username" env:"POSTGRES_USER" default:"hlsvault"`
	Password     string `yaml:"password" json:"-" env:"POSTGRES_PASSWORD"`
	Database     string `yaml:"database" json:"database" env:"POSTGRES_DB" default:"hlsvault"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// IngestConfig holds upload and staging configuration
type IngestConfig struct {
	UploadDir         string   `yaml:"upload_dir" json:"upload_dir" env:"HLSVAULT_UPLOAD_DIR" default:"./uploads"`
	MaxUploadSize     int64    `yaml:"max_upload_size" json:"max_upload_size" env:"HLSVAULT_MAX_UPLOAD_SIZE" default:"5368709120"`
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions" env:"HLSVAULT_ALLOWED_EXTENSIONS"`
}

// StreamConfig holds HLS delivery configuration
type StreamConfig struct {
	HLSDir      string        `yaml:"hls_dir" json:"hls_dir" env:"HLSVAULT_HLS_DIR" default:"./hls"`
	SecretKey   string        `yaml:"secret_key" json:"-" env:"HLSVAULT_STREAM_SECRET"`
	TokenExpiry time.Duration `yaml:"token_expiry" json:"token_expiry" env:"HLSVAULT_TOKEN_EXPIRY" default:"4h"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"HLSVAULT_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" json:"format" env:"HLSVAULT_LOG_FORMAT" default:"text"`
}

// Default returns the default application configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			BaseURL:      "http://localhost:8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: "./data",
		},
		Ingest: IngestConfig{
			UploadDir:         "./uploads",
			MaxUploadSize:     5 * 1024 * 1024 * 1024, // 5GB
			AllowedExtensions: []string{"mp4", "mkv", "avi", "mov", "webm", "flv"},
		},
		Stream: StreamConfig{
			HLSDir:      "./hls",
			TokenExpiry: 4 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variable overrides, in that order.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.applyDerived()
	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Ingest.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid max upload size: %d", c.Ingest.MaxUploadSize)
	}
	if len(c.Ingest.AllowedExtensions) == 0 {
		return fmt.Errorf("allowed extensions must not be empty")
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.Database.DatabasePath == "" && c.Database.Type == "sqlite" {
		c.Database.DatabasePath = filepath.Join(c.Database.DataDir, "hlsvault.db")
	}
}

// loadStructFromEnv walks the struct and applies env-tagged overrides.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := loadStructFromEnv(field); err != nil {
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
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(value, ",")
			for i, v := range values {
				values[i] = strings.TrimSpace(v)
			}
			field.Set(reflect.ValueOf(values))
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}
