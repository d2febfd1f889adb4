package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ifgate/internal/codec"
	"github.com/roach88/ifgate/internal/ifrpc"
)

// Config is the complete host configuration.
type Config struct {
	Channel ChannelConfig `yaml:"channel"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ChannelConfig configures every Channel the host creates.
type ChannelConfig struct {
	Magic        string `yaml:"magic"`
	PeerOrigin   string `yaml:"peer_origin"`
	AcceptOpener bool   `yaml:"accept_opener"`
	AcceptParent bool   `yaml:"accept_parent"`
	Codec        string `yaml:"codec"`

	InvokeTimeout    time.Duration `yaml:"-"`
	InvokeTimeoutRaw string        `yaml:"invoke_timeout"`
}

// StorageConfig locates record databases and extra schema files.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// SchemasDir holds .cue files loaded next to the built-in schemas.
	SchemasDir string `yaml:"schemas_dir"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for every unset field.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			Magic:            ifrpc.DefaultMagic,
			PeerOrigin:       "*",
			Codec:            codec.JSON.Name(),
			InvokeTimeout:    30 * time.Second,
			InvokeTimeoutRaw: "30s",
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8750",
			Path:       "/ifrpc",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVar = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the value of VAR, or "" when unset.
func expandEnvVars(s string) string {
	return envVar.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVar.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	if cfg.Channel.InvokeTimeoutRaw == "" {
		cfg.Channel.InvokeTimeout = 0
		return nil
	}
	d, err := time.ParseDuration(cfg.Channel.InvokeTimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing invoke_timeout %q: %w", cfg.Channel.InvokeTimeoutRaw, err)
	}
	cfg.Channel.InvokeTimeout = d
	return nil
}

// Validate returns an error describing the first invalid field.
func (c *Config) Validate() error {
	if c.Channel.Magic == "" {
		return fmt.Errorf("channel.magic is required")
	}
	if c.Channel.PeerOrigin == "" {
		return fmt.Errorf("channel.peer_origin is required (use \"*\" to accept any origin)")
	}
	if _, err := codec.ByName(c.Channel.Codec); err != nil {
		return fmt.Errorf("channel.codec: %w", err)
	}
	if c.Channel.InvokeTimeout < 0 {
		return fmt.Errorf("channel.invoke_timeout must not be negative")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}
