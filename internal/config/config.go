// Package config loads the server's environment-derived configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete, resolved server configuration, unmarshalled
// from environment variables (see the keys bound in Load).
type Config struct {
	SandboxTimeout  int    `mapstructure:"sandbox_timeout"`
	MaxSandboxes    int    `mapstructure:"max_sandboxes"`
	DockerImage     string `mapstructure:"docker_image"`
	DockerHost      string `mapstructure:"docker_host"`
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"`
	WorkspaceRoot   string `mapstructure:"workspace_root"`
	DBHost          string `mapstructure:"db_host"`
	DBPort          string `mapstructure:"db_port"`
	DBUser          string `mapstructure:"db_user"`
	DBPassword      string `mapstructure:"db_password"`
	DBName          string `mapstructure:"db_name"`
	MaxCodeChars    int    `mapstructure:"max_code_chars"`
	MaxOutputBytes  int    `mapstructure:"max_output_bytes"`
	MaxFileReadSize int    `mapstructure:"max_file_read_bytes"`
	MaxFileWrite    int    `mapstructure:"max_file_write_bytes"`
	DefaultExecSecs int    `mapstructure:"default_exec_timeout_secs"`
	Backend         string `mapstructure:"backend"`
	Language        string `mapstructure:"language"`
}

// envBindings lists every environment variable this service reads, keyed by
// its viper/mapstructure field name.
var envBindings = map[string]string{
	"sandbox_timeout":           "SANDBOX_TIMEOUT",
	"max_sandboxes":             "MAX_SANDBOXES",
	"docker_image":              "DOCKER_IMAGE",
	"docker_host":               "DOCKER_HOST",
	"log_level":                 "LOG_LEVEL",
	"log_format":                "LOG_FORMAT",
	"workspace_root":            "WORKSPACE_ROOT",
	"db_host":                   "DB_HOST",
	"db_port":                   "DB_PORT",
	"db_user":                   "DB_USER",
	"db_password":               "DB_PASSWORD",
	"db_name":                   "DB_NAME",
	"max_code_chars":            "MAX_CODE_CHARS",
	"max_output_bytes":          "MAX_OUTPUT_BYTES",
	"max_file_read_bytes":       "MAX_FILE_READ_BYTES",
	"max_file_write_bytes":      "MAX_FILE_WRITE_BYTES",
	"default_exec_timeout_secs": "DEFAULT_EXEC_TIMEOUT_SECS",
	"backend":                   "BACKEND",
	"language":                  "LANGUAGE",
}

// Default returns a Config populated with the defaults from spec.md §6.1.
func Default() *Config {
	return &Config{
		SandboxTimeout:  300,
		MaxSandboxes:    10,
		DockerImage:     "omcp-sandbox:python3.11",
		DockerHost:      "",
		LogLevel:        "INFO",
		LogFormat:       "text",
		WorkspaceRoot:   "",
		DBHost:          "",
		DBPort:          "",
		DBUser:          "",
		DBPassword:      "",
		DBName:          "",
		MaxCodeChars:    100_000,
		MaxOutputBytes:  65536,
		MaxFileReadSize: 5 << 20,
		MaxFileWrite:    5 << 20,
		DefaultExecSecs: 30,
		Backend:         "stateless",
		Language:        "python",
	}
}

// Load reads configuration from environment variables, applying the §6.1
// defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("sandbox_timeout", defaults.SandboxTimeout)
	v.SetDefault("max_sandboxes", defaults.MaxSandboxes)
	v.SetDefault("docker_image", defaults.DockerImage)
	v.SetDefault("docker_host", defaults.DockerHost)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("workspace_root", defaults.WorkspaceRoot)
	v.SetDefault("db_host", defaults.DBHost)
	v.SetDefault("db_port", defaults.DBPort)
	v.SetDefault("db_user", defaults.DBUser)
	v.SetDefault("db_password", defaults.DBPassword)
	v.SetDefault("db_name", defaults.DBName)
	v.SetDefault("max_code_chars", defaults.MaxCodeChars)
	v.SetDefault("max_output_bytes", defaults.MaxOutputBytes)
	v.SetDefault("max_file_read_bytes", defaults.MaxFileReadSize)
	v.SetDefault("max_file_write_bytes", defaults.MaxFileWrite)
	v.SetDefault("default_exec_timeout_secs", defaults.DefaultExecSecs)
	v.SetDefault("backend", defaults.Backend)
	v.SetDefault("language", defaults.Language)

	for field, env := range envBindings {
		if err := v.BindEnv(field, env); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SandboxTimeoutDuration returns SandboxTimeout as a time.Duration.
func (c *Config) SandboxTimeoutDuration() time.Duration {
	return time.Duration(c.SandboxTimeout) * time.Second
}

// DefaultExecTimeout returns DefaultExecSecs as a time.Duration.
func (c *Config) DefaultExecTimeout() time.Duration {
	return time.Duration(c.DefaultExecSecs) * time.Second
}

// IsLoopbackDBHost reports whether DBHost names the local machine, the
// condition under which the manager rewrites it to the runtime's
// host-gateway alias.
func (c *Config) IsLoopbackDBHost() bool {
	return c.DBHost == "localhost" || c.DBHost == "127.0.0.1"
}
