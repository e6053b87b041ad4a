package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/coderun/isolation"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig   `mapstructure:"server" yaml:"server"`
	Sandbox   SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Languages LanguageConfig `mapstructure:"languages" yaml:"languages"`
	Logging   LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Assist    AssistConfig   `mapstructure:"assist" yaml:"assist"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// SandboxConfig holds the limits applied to every run
type SandboxConfig struct {
	Backend           string  `mapstructure:"backend" yaml:"backend"`
	Host              string  `mapstructure:"host" yaml:"host"`
	TimeoutSec        int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	ConnectTimeoutSec int     `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	MemoryLimit       string  `mapstructure:"memory_limit" yaml:"memory_limit"`
	CPULimit          float64 `mapstructure:"cpu_limit" yaml:"cpu_limit"`
	WorkspaceDir      string  `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	LogMaxSize        string  `mapstructure:"log_max_size" yaml:"log_max_size"`
	StopGraceSec      int     `mapstructure:"stop_grace_sec" yaml:"stop_grace_sec"`
}

// LanguageConfig holds language-specific configurations
type LanguageConfig struct {
	Python ImageConfig `mapstructure:"python" yaml:"python"`
	CPP    ImageConfig `mapstructure:"cpp" yaml:"cpp"`
}

// ImageConfig names the container image for a language
type ImageConfig struct {
	Image string `mapstructure:"image" yaml:"image"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// AssistConfig holds the code generation client configuration
type AssistConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	Model      string `mapstructure:"model" yaml:"model"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
}

const envPrefix = "CODERUN"

// Environment variables recognised for compatibility with existing
// deployments, checked after the CODERUN_ prefixed name.
var legacyEnv = map[string]string{
	"languages.python.image": "DOCKER_PYTHON_IMAGE",
	"languages.cpp.image":    "DOCKER_CPP_IMAGE",
	"sandbox.timeout_sec":    "DOCKER_TIMEOUT_SECONDS",
	"sandbox.memory_limit":   "DOCKER_MEM_LIMIT",
	"sandbox.cpu_limit":      "DOCKER_CPUS",
	"sandbox.workspace_dir":  "TEMP_CODE_DIR",
	"assist.api_key":         "GEMINI_API_KEY",
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in . or ./config
// when path is empty. A .env file in the working directory is applied to
// the environment first.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.host", "")
	v.SetDefault("sandbox.timeout_sec", 10)
	v.SetDefault("sandbox.connect_timeout_sec", 5)
	v.SetDefault("sandbox.memory_limit", "128m")
	v.SetDefault("sandbox.cpu_limit", 0.5)
	v.SetDefault("sandbox.workspace_dir", filepath.Join(os.TempDir(), "coderun"))
	v.SetDefault("sandbox.log_max_size", "1m")
	v.SetDefault("sandbox.stop_grace_sec", 1)

	v.SetDefault("languages.python.image", "python:3.10-slim")
	v.SetDefault("languages.cpp.image", "gcc:11")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("assist.api_key", "")
	v.SetDefault("assist.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("assist.model", "gemini-1.5-flash")
	v.SetDefault("assist.timeout_sec", 60)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Sandbox.Backend != "docker" && c.Sandbox.Backend != "podman" {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.ConnectTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.connect_timeout_sec must be positive, got: %d", c.Sandbox.ConnectTimeoutSec)
	}

	if _, err := isolation.ParseMemory(c.Sandbox.MemoryLimit); err != nil {
		return fmt.Errorf("invalid sandbox.memory_limit: %w", err)
	}

	if c.Sandbox.CPULimit <= 0 {
		return fmt.Errorf("sandbox.cpu_limit must be positive, got: %g", c.Sandbox.CPULimit)
	}

	if !filepath.IsAbs(c.Sandbox.WorkspaceDir) {
		return fmt.Errorf("sandbox.workspace_dir must be an absolute path, got: %q", c.Sandbox.WorkspaceDir)
	}

	if c.Sandbox.StopGraceSec < 0 {
		return fmt.Errorf("sandbox.stop_grace_sec must not be negative, got: %d", c.Sandbox.StopGraceSec)
	}

	if c.Languages.Python.Image == "" {
		return errors.New("languages.python.image must be set")
	}

	if c.Languages.CPP.Image == "" {
		return errors.New("languages.cpp.image must be set")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Assist.TimeoutSec <= 0 {
		return fmt.Errorf("assist.timeout_sec must be positive, got: %d", c.Assist.TimeoutSec)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetConnectTimeout returns how long to wait for the container runtime to answer a ping
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Sandbox.ConnectTimeoutSec) * time.Second
}

// GetStopGrace returns how long a timed-out container gets to exit before it is killed
func (c *Config) GetStopGrace() time.Duration {
	return time.Duration(c.Sandbox.StopGraceSec) * time.Second
}

// GetAssistTimeout returns the deadline for a single code generation request
func (c *Config) GetAssistTimeout() time.Duration {
	return time.Duration(c.Assist.TimeoutSec) * time.Second
}
