package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	mcp "github.com/MegaGrindStone/mcp-stdio-client"
)

// Config is the configuration of a mcpcall run. It is read from an optional config file, then
// overridden by MCPCALL_* environment variables (MCPCALL_SERVER_COMMAND for server.command), then
// by command-line flags.
type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Env      map[string]string `mapstructure:"env"`
	Timeouts TimeoutConfig     `mapstructure:"timeouts"`
	Log      LogConfig         `mapstructure:"log"`
	Calls    []CallConfig      `mapstructure:"calls"`
}

// ServerConfig describes the server process to spawn.
type ServerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
}

// TimeoutConfig holds the client timeouts.
type TimeoutConfig struct {
	Initialize time.Duration `mapstructure:"initialize"`
	Request    time.Duration `mapstructure:"request"`
	Write      time.Duration `mapstructure:"write"`
	Grace      time.Duration `mapstructure:"grace"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// CallConfig is one tool call. Arguments is a JSON object; it is kept as text because the config
// loader folds map keys to lower case, and argument names are case-sensitive.
type CallConfig struct {
	Tool      string `mapstructure:"tool"`
	Arguments string `mapstructure:"arguments"`
}

// LoadConfig loads the configuration from path, or from mcpcall.yaml in the working directory
// when path is empty. A missing default config file is not an error.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcpcall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MCPCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variable names are conventionally upper case; the loader lowered them.
	env := make(map[string]string, len(cfg.Env))
	for k, val := range cfg.Env {
		env[strings.ToUpper(k)] = val
	}
	cfg.Env = env

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.command", "")
	v.SetDefault("server.args", []string{})
	v.SetDefault("server.dir", "")

	v.SetDefault("timeouts.initialize", "30s")
	v.SetDefault("timeouts.request", "30s")
	v.SetDefault("timeouts.write", "30s")
	v.SetDefault("timeouts.grace", "2s")

	v.SetDefault("log.level", "warn")
}

// Validate checks that the configuration can be run.
func (c Config) Validate() error {
	if c.Server.Command == "" {
		return errors.New("no server command configured")
	}
	for i, call := range c.Calls {
		if call.Tool == "" {
			return fmt.Errorf("call %d: no tool name", i)
		}
		if _, err := call.ParseArguments(); err != nil {
			return fmt.Errorf("call %d (%s): %w", i, call.Tool, err)
		}
	}
	return nil
}

// ParseArguments decodes the call's arguments. Empty arguments are an empty object.
func (c CallConfig) ParseArguments() (map[string]mcp.Value, error) {
	if strings.TrimSpace(c.Arguments) == "" {
		return map[string]mcp.Value{}, nil
	}
	var val mcp.Value
	if err := json.Unmarshal([]byte(c.Arguments), &val); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	args, ok := val.AsObject()
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %s", val.Kind())
	}
	return args, nil
}

// LogLevel parses the configured log level.
func (c LogConfig) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelWarn, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	return level, nil
}
