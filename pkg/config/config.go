// Package config loads wstssh settings from a YAML file, with WSTSSH_*
// environment variables overriding any value.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// WSTSSH_SERVER_PORT overrides server.port
const EnvPrefix = "WSTSSH"

// Config holds all settings. Struct tags are used by the Viper mapstructure
// decoder.
type Config struct {
	Log    Log    `mapstructure:"log"`
	Server Server `mapstructure:"server"`
	Client Client `mapstructure:"client"`
	SSH    SSH    `mapstructure:"ssh"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

// Server configures the websocket SSH endpoint
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// KeySeed derives a deterministic host key; KeyFile loads a PEM key.
	// With neither, a random key is generated at startup.
	KeySeed string `mapstructure:"key_seed"`
	KeyFile string `mapstructure:"key_file"`

	// Auth is a single "user:pass" pair; AuthFile a JSON user index
	Auth     string `mapstructure:"auth"`
	AuthFile string `mapstructure:"auth_file"`

	// Proxy is the URL non-websocket requests are reverse proxied to
	Proxy string `mapstructure:"proxy"`

	ModuliFile string `mapstructure:"moduli_file"`
	Banner     string `mapstructure:"banner"`

	// ShutdownTimeout bounds the graceful close of sessions on exit
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Client configures the connecting side
type Client struct {
	Server           string        `mapstructure:"server"`
	Auth             string        `mapstructure:"auth"`
	Fingerprint      string        `mapstructure:"fingerprint"`
	HTTPProxy        string        `mapstructure:"http_proxy"`
	HostHeader       string        `mapstructure:"host_header"`
	Forwards         []string      `mapstructure:"forwards"`
	MaxRetryCount    int           `mapstructure:"max_retry_count"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
}

// SSH holds protocol parameters shared by both roles. Empty algorithm lists
// mean every supported algorithm, in the default preference order.
type SSH struct {
	KexMethods        []string      `mapstructure:"kex_methods"`
	Ciphers           []string      `mapstructure:"ciphers"`
	MACs              []string      `mapstructure:"macs"`
	WindowSize        uint32        `mapstructure:"window_size"`
	MaxPacket         uint32        `mapstructure:"max_packet"`
	RekeyBytes        uint64        `mapstructure:"rekey_bytes"`
	RekeyInterval     time.Duration `mapstructure:"rekey_interval"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// Load reads configuration from configPath, if it is not empty, and applies
// environment overrides on top. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if _, err := cfg.LogLevel(); err != nil {
		return nil, err
	}
	if cfg.SSH.MaxPacket > mux.MaxFramePayload {
		return nil, fmt.Errorf("ssh.max_packet %d exceeds the largest frame a packet can carry (%d)",
			cfg.SSH.MaxPacket, mux.MaxFramePayload)
	}
	return &cfg, nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults registers every key, which also makes each one reachable
// through its environment override
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.key_seed", "")
	v.SetDefault("server.key_file", "")
	v.SetDefault("server.auth", "")
	v.SetDefault("server.auth_file", "")
	v.SetDefault("server.proxy", "")
	v.SetDefault("server.moduli_file", "")
	v.SetDefault("server.banner", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("client.server", "")
	v.SetDefault("client.auth", "")
	v.SetDefault("client.fingerprint", "")
	v.SetDefault("client.http_proxy", "")
	v.SetDefault("client.host_header", "")
	v.SetDefault("client.forwards", []string{})
	v.SetDefault("client.max_retry_count", -1)
	v.SetDefault("client.max_retry_interval", 5*time.Minute)

	v.SetDefault("ssh.kex_methods", []string{})
	v.SetDefault("ssh.ciphers", []string{})
	v.SetDefault("ssh.macs", []string{})
	v.SetDefault("ssh.window_size", 2*1024*1024)
	v.SetDefault("ssh.max_packet", 32*1024)
	v.SetDefault("ssh.rekey_bytes", 1<<30)
	v.SetDefault("ssh.rekey_interval", time.Hour)
	v.SetDefault("ssh.keepalive_interval", 25*time.Second)
}

var logLevels = map[string]logger.LogLevel{
	"error":   logger.LogLevelError,
	"warn":    logger.LogLevelWarning,
	"warning": logger.LogLevelWarning,
	"info":    logger.LogLevelInfo,
	"debug":   logger.LogLevelDebug,
	"trace":   logger.LogLevelTrace,
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() (logger.LogLevel, error) {
	level, ok := logLevels[strings.ToLower(c.Log.Level)]
	if !ok {
		return logger.LogLevelInfo, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return level, nil
}
