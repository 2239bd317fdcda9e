package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultInterval       = 30 * time.Second
	DefaultDSNEnv         = "DATABASE_URL"
	DefaultSendBuffer     = 16
	DefaultNotifyBuffer   = 256
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultStorageBackend = "memory"
)

// Config is the full configuration tree parsed from config.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Storage   StorageConfig   `yaml:"storage"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API and WebSocket endpoints listen on.
	HTTPPort int `yaml:"http_port"`

	// Auth protects the simulator control routes.
	Auth AuthConfig `yaml:"auth"`

	// CORS lets browser frontends on other origins call the API.
	CORS CORSConfig `yaml:"cors"`

	Log LogConfig `yaml:"log"`
}

// AuthConfig controls client authentication on the control routes.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// CORSConfig controls cross-origin requests.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API. "*" allows any
	// origin; an empty list disables CORS headers.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// SlogLevel maps Level to a slog.Level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SimulatorConfig controls the per-machine reading loops.
type SimulatorConfig struct {
	// Interval is the pause between two readings of one machine.
	Interval time.Duration `yaml:"interval"`

	// IterationTimeout bounds the store calls of one iteration. Zero disables it.
	IterationTimeout time.Duration `yaml:"iteration_timeout"`

	// Autostart lists machine ids started when the server boots.
	Autostart []int64 `yaml:"autostart"`

	// AutostartAll starts every stored machine at boot. Overrides Autostart.
	AutostartAll bool `yaml:"autostart_all"`

	// Seed makes generated readings reproducible when set.
	Seed *uint64 `yaml:"seed"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is one of: memory | postgres.
	Backend string `yaml:"backend"`

	// DSNEnv is the name of the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`

	// MaxConns caps the postgres pool size. Zero keeps the driver default.
	MaxConns int32 `yaml:"max_conns"`

	// Retention prunes readings and alerts older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`

	// Migrate applies the embedded schema at startup (postgres only).
	Migrate bool `yaml:"migrate"`
}

// DSN returns the postgres connection string resolved from the environment.
func (s StorageConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// RealtimeConfig tunes the WebSocket hub.
type RealtimeConfig struct {
	// SendBuffer is the outgoing message depth of each client. A client whose
	// buffer is full is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// NotifyConfig holds alert delivery targets.
type NotifyConfig struct {
	// BufferSize is the per-target queue depth. The oldest alert is evicted
	// when a queue is full.
	BufferSize int            `yaml:"buffer_size"`
	Targets    []TargetConfig `yaml:"targets"`
}

// TargetConfig defines one alert delivery target.
type TargetConfig struct {
	// Name identifies the target in logs. Defaults to Type.
	Name string `yaml:"name"`

	// Type is one of: nats | amqp | slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the server
	// or webhook URL.
	URLEnv string `yaml:"url_env"`

	// Subject is the NATS subject (nats only).
	Subject string `yaml:"subject"`

	// Exchange and RoutingKey address the topic exchange (amqp only).
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// URL returns the target URL resolved from the environment.
func (t TargetConfig) URL() string {
	if t.URLEnv == "" {
		return ""
	}
	return os.Getenv(t.URLEnv)
}

// DisplayName returns Name, or Type when Name is empty.
func (t TargetConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Type
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML data on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config { return defaults() }

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
			Log: LogConfig{
				Level:  DefaultLogLevel,
				Format: DefaultLogFormat,
			},
		},
		Simulator: SimulatorConfig{
			Interval: DefaultInterval,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			DSNEnv:  DefaultDSNEnv,
			Migrate: true,
		},
		Realtime: RealtimeConfig{
			SendBuffer: DefaultSendBuffer,
		},
		Notify: NotifyConfig{
			BufferSize: DefaultNotifyBuffer,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.KeyEnv == "" {
		return fmt.Errorf("server.auth.key_env is required when mode is apikey")
	}
	for i, o := range cfg.Server.CORS.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("server.cors.allowed_origins[%d] is empty", i)
		}
	}
	switch strings.ToLower(cfg.Server.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.log.level %q unknown: want debug|info|warn|error", cfg.Server.Log.Level)
	}
	switch cfg.Server.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("server.log.format %q unknown: want json|text", cfg.Server.Log.Format)
	}

	if cfg.Simulator.Interval <= 0 {
		return fmt.Errorf("simulator.interval must be positive")
	}
	if cfg.Simulator.IterationTimeout < 0 {
		return fmt.Errorf("simulator.iteration_timeout must not be negative")
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "postgres":
		if cfg.Storage.DSNEnv == "" {
			return fmt.Errorf("storage.dsn_env is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q unknown: want memory|postgres", cfg.Storage.Backend)
	}
	if cfg.Storage.MaxConns < 0 {
		return fmt.Errorf("storage.max_conns must not be negative")
	}
	if cfg.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	if cfg.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}

	if cfg.Notify.BufferSize <= 0 {
		return fmt.Errorf("notify.buffer_size must be positive")
	}
	for i, t := range cfg.Notify.Targets {
		if err := validateTarget(t); err != nil {
			return fmt.Errorf("notify.targets[%d]: %w", i, err)
		}
	}
	return nil
}

func validateTarget(t TargetConfig) error {
	if t.URLEnv == "" {
		return fmt.Errorf("url_env is required")
	}
	switch t.Type {
	case "nats":
		if t.Subject == "" {
			return fmt.Errorf("subject is required for nats")
		}
	case "amqp":
		if t.Exchange == "" {
			return fmt.Errorf("exchange is required for amqp")
		}
	case "slack", "teams", "http":
	default:
		return fmt.Errorf("type %q unknown: want nats|amqp|slack|teams|http", t.Type)
	}
	return nil
}
