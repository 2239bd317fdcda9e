package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, "{}\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Simulator.Interval != DefaultInterval {
		t.Errorf("simulator.interval: got %v, want %v", cfg.Simulator.Interval, DefaultInterval)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.DSNEnv != DefaultDSNEnv || !cfg.Storage.Migrate {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Realtime.SendBuffer != DefaultSendBuffer {
		t.Errorf("realtime.send_buffer: got %d, want %d", cfg.Realtime.SendBuffer, DefaultSendBuffer)
	}
	if cfg.Notify.BufferSize != DefaultNotifyBuffer {
		t.Errorf("notify.buffer_size: got %d, want %d", cfg.Notify.BufferSize, DefaultNotifyBuffer)
	}
	if cfg.Server.Log.SlogLevel() != slog.LevelInfo || cfg.Server.Log.Format != "json" {
		t.Errorf("log: got %+v", cfg.Server.Log)
	}
	if cfg.Simulator.Seed != nil {
		t.Errorf("seed: got %v, want nil", *cfg.Simulator.Seed)
	}
	if o := cfg.Server.CORS.AllowedOrigins; len(o) != 1 || o[0] != "*" {
		t.Errorf("cors.allowed_origins: got %v, want [*]", o)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `server:
  http_port: 9091
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-mw-key
  cors:
    allowed_origins: ["http://localhost:4200", "https://dash.example.com"]
  log:
    level: debug
    format: text
simulator:
  interval: 5s
  iteration_timeout: 2s
  autostart: [1, 2]
  seed: 42
storage:
  backend: postgres
  dsn_env: PG_DSN
  max_conns: 8
  retention: 168h
  migrate: false
realtime:
  send_buffer: 32
notify:
  buffer_size: 10
  targets:
    - name: bus
      type: nats
      url_env: NATS_URL
      subject: machinewatch.alerts
    - type: amqp
      url_env: AMQP_URL
      exchange: machinewatch
      routing_key: alerts.created
    - type: slack
      url_env: SLACK_WEBHOOK
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9091 {
		t.Errorf("http_port: got %d, want 9091", cfg.Server.HTTPPort)
	}
	if cfg.Server.Auth.EffectiveHeader() != "x-mw-key" {
		t.Errorf("header: got %q, want x-mw-key", cfg.Server.Auth.EffectiveHeader())
	}
	if o := cfg.Server.CORS.AllowedOrigins; len(o) != 2 || o[0] != "http://localhost:4200" {
		t.Errorf("cors.allowed_origins: got %v", o)
	}
	if cfg.Server.Log.SlogLevel() != slog.LevelDebug || cfg.Server.Log.Format != "text" {
		t.Errorf("log: got %+v", cfg.Server.Log)
	}
	if cfg.Simulator.Interval != 5*time.Second || cfg.Simulator.IterationTimeout != 2*time.Second {
		t.Errorf("simulator: got %+v", cfg.Simulator)
	}
	if len(cfg.Simulator.Autostart) != 2 || cfg.Simulator.Autostart[1] != 2 {
		t.Errorf("autostart: got %v", cfg.Simulator.Autostart)
	}
	if cfg.Simulator.Seed == nil || *cfg.Simulator.Seed != 42 {
		t.Errorf("seed: got %v, want 42", cfg.Simulator.Seed)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.MaxConns != 8 || cfg.Storage.Retention != 168*time.Hour || cfg.Storage.Migrate {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Realtime.SendBuffer != 32 {
		t.Errorf("send_buffer: got %d, want 32", cfg.Realtime.SendBuffer)
	}
	if len(cfg.Notify.Targets) != 3 {
		t.Fatalf("targets: got %d, want 3", len(cfg.Notify.Targets))
	}
	if got := cfg.Notify.Targets[0].DisplayName(); got != "bus" {
		t.Errorf("target 0 name: got %q, want bus", got)
	}
	if got := cfg.Notify.Targets[1].DisplayName(); got != "amqp" {
		t.Errorf("target 1 name: got %q, want amqp", got)
	}
}

func TestLoad_DefaultHeader(t *testing.T) {
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: K
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h := cfg.Server.Auth.EffectiveHeader(); h != "x-api-key" {
		t.Errorf("EffectiveHeader: got %q, want x-api-key", h)
	}
}

func TestLoad_EnvResolution(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "supersecret")
	t.Setenv("TEST_PG_DSN", "postgres://localhost/mw")
	t.Setenv("TEST_HOOK", "https://hooks.example.com/x")
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: TEST_SERVER_KEY
storage:
  dsn_env: TEST_PG_DSN
notify:
  targets:
    - type: http
      url_env: TEST_HOOK
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
	if d := cfg.Storage.DSN(); d != "postgres://localhost/mw" {
		t.Errorf("DSN(): got %q", d)
	}
	if u := cfg.Notify.Targets[0].URL(); u != "https://hooks.example.com/x" {
		t.Errorf("URL(): got %q", u)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n", "server.auth.mode"},
		{"apikey without key_env", "server:\n  auth:\n    mode: apikey\n", "key_env"},
		{"port out of range", "server:\n  http_port: 70000\n", "http_port"},
		{"empty cors origin", "server:\n  cors:\n    allowed_origins: [\"\"]\n", "allowed_origins"},
		{"bad log level", "server:\n  log:\n    level: loud\n", "server.log.level"},
		{"bad log format", "server:\n  log:\n    format: xml\n", "server.log.format"},
		{"zero interval", "simulator:\n  interval: 0s\n", "simulator.interval"},
		{"negative timeout", "simulator:\n  iteration_timeout: -1s\n", "iteration_timeout"},
		{"unknown backend", "storage:\n  backend: sqlite\n", "storage.backend"},
		{"postgres without dsn_env", "storage:\n  backend: postgres\n  dsn_env: \"\"\n", "dsn_env"},
		{"negative retention", "storage:\n  retention: -1h\n", "retention"},
		{"zero send buffer", "realtime:\n  send_buffer: 0\n", "send_buffer"},
		{"zero notify buffer", "notify:\n  buffer_size: 0\n", "buffer_size"},
		{"target without url_env", "notify:\n  targets:\n    - type: slack\n", "url_env"},
		{"nats without subject", "notify:\n  targets:\n    - type: nats\n      url_env: N\n", "subject"},
		{"amqp without exchange", "notify:\n  targets:\n    - type: amqp\n      url_env: A\n", "exchange"},
		{"unknown target type", "notify:\n  targets:\n    - type: sms\n      url_env: S\n", "sms"},
		{"malformed yaml", "server: [\n", "parse yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.HasPrefix(err.Error(), "config: ") {
				t.Errorf("error %q lacks the config: prefix", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, "simulator:\n  interval: 5s\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- Watch(ctx, p, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid write is skipped.
	if err := os.WriteFile(p, []byte("simulator:\n  interval: 0s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(3 * reloadDelay)
	if err := os.WriteFile(p, []byte("simulator:\n  interval: 7s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-got:
		if cfg.Simulator.Interval != 7*time.Second {
			t.Errorf("reloaded interval: got %v, want 7s", cfg.Simulator.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onChange was not called")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), "/nonexistent/dir/config.yaml", func(*Config) {})
	if err == nil {
		t.Fatal("expected error for missing directory, got nil")
	}
}
