// Package config provides configuration management for the agent kernel
// runtime, loading from environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/agentkernel/internal/common/logger"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      logger.LoggingConfig `mapstructure:"logging"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Docker       DockerConfig       `mapstructure:"docker"`
	AgentManager AgentManagerConfig `mapstructure:"agentManager"`
	Kernel       KernelConfig       `mapstructure:"kernel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// NATSConfig holds NATS messaging configuration, used only when the
// cross-process event bus is enabled (see internal/eventbus/natsbus).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	Enabled       bool   `mapstructure:"enabled"`
}

// PostgresConfig configures the optional usage-audit ledger.
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// DockerConfig configures the Docker-backed kernel interpreter.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// AgentManagerConfig mirrors the Agent Manager's option set (§4.6).
type AgentManagerConfig struct {
	MaxAgents             int    `mapstructure:"maxAgents"`
	MaxAgentsPerNamespace int    `mapstructure:"maxAgentsPerNamespace"`
	DefaultMaxSteps       int    `mapstructure:"defaultMaxSteps"`
	MaxStepsCap           int    `mapstructure:"maxStepsCap"`
	AgentDataDirectory    string `mapstructure:"agentDataDirectory"`
	AutoSaveConversations bool   `mapstructure:"autoSaveConversations"`
	DefaultModelID        string `mapstructure:"defaultModelId"`
	DefaultKernelType     string `mapstructure:"defaultKernelType"`
	AllowCustomModels     bool   `mapstructure:"allowCustomModels"`
}

// KernelConfig configures default kernel behavior.
type KernelConfig struct {
	DefaultLang    string `mapstructure:"defaultLang"`
	ListenerCap    int    `mapstructure:"listenerCap"`
	InterruptWaitMs int   `mapstructure:"interruptWaitMs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8083)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentkernel-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "agentkernel")
	v.SetDefault("postgres.dbName", "agentkernel")
	v.SetDefault("postgres.sslMode", "disable")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "python:3.12-slim")

	v.SetDefault("agentManager.maxAgents", 50)
	v.SetDefault("agentManager.maxAgentsPerNamespace", 10)
	v.SetDefault("agentManager.defaultMaxSteps", 10)
	v.SetDefault("agentManager.maxStepsCap", 10)
	v.SetDefault("agentManager.agentDataDirectory", "./agent_data")
	v.SetDefault("agentManager.autoSaveConversations", false)
	v.SetDefault("agentManager.allowCustomModels", true)

	v.SetDefault("kernel.defaultLang", "typescript")
	v.SetDefault("kernel.listenerCap", 20)
	v.SetDefault("kernel.interruptWaitMs", 100)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTRT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the AGENTRT_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentkernel/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.AgentManager.MaxAgents <= 0 {
		errs = append(errs, "agentManager.maxAgents must be positive")
	}
	if cfg.AgentManager.MaxAgentsPerNamespace <= 0 {
		errs = append(errs, "agentManager.maxAgentsPerNamespace must be positive")
	}
	if cfg.AgentManager.MaxStepsCap <= 0 {
		errs = append(errs, "agentManager.maxStepsCap must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
