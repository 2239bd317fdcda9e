package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/machinewatch/machinewatch/server/internal/api"
	"github.com/machinewatch/machinewatch/server/internal/auth"
	"github.com/machinewatch/machinewatch/server/internal/config"
	"github.com/machinewatch/machinewatch/server/internal/metrics"
	"github.com/machinewatch/machinewatch/server/internal/notify"
	"github.com/machinewatch/machinewatch/server/internal/simulator"
	"github.com/machinewatch/machinewatch/server/internal/store"
	"github.com/machinewatch/machinewatch/server/internal/ws"
)

// backend is the store plus its background retention loop.
type backend interface {
	store.Store
	Run(ctx context.Context)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level})))

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envFile, "err", err)
		os.Exit(1)
	}

	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	level.Set(cfg.Server.Log.SlogLevel())
	if cfg.Server.Log.Format == "text" {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      &level,
			TimeFormat: time.TimeOnly,
		})))
	}

	slog.Info("machinewatch-server starting", "config", *configPath)
	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"storage", cfg.Storage.Backend,
		"interval", cfg.Simulator.Interval,
		"notify_targets", len(cfg.Notify.Targets),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Storage.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close()
	go st.Run(ctx)

	m := metrics.New()

	// WebSocket hub: per-machine fan-out of every stored reading.
	hub := ws.New(
		ws.WithSendBuffer(cfg.Realtime.SendBuffer),
		ws.WithDropHook(m.WSDropped),
	)
	m.RegisterSubscribers(hub.Count)
	go hub.Run(ctx)

	// Alert delivery, one shipper per configured target.
	var notifier simulator.Notifier = notify.Discard
	if n := notify.New(cfg.Notify, notify.WithDropHook(m.NotifyDropped)); n.Len() > 0 {
		notifier = n
		go n.Run(ctx)
	}

	opts := []simulator.Option{
		simulator.WithInterval(cfg.Simulator.Interval),
		simulator.WithIterationTimeout(cfg.Simulator.IterationTimeout),
		simulator.WithNotifier(notifier),
		simulator.WithObserver(m),
	}
	if cfg.Simulator.Seed != nil {
		opts = append(opts, simulator.WithSeed(*cfg.Simulator.Seed))
	}
	sched := simulator.New(st, hub, opts...)

	autostart(ctx, sched, cfg.Simulator)

	if watch {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				level.Set(next.Server.Log.SlogLevel())
				sched.SetInterval(next.Simulator.Interval)
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	handler := api.New(api.Config{
		Store:       st,
		Simulator:   sched,
		Hub:         hub,
		Metrics:     m.Handler(),
		CORSOrigins: cfg.Server.CORS.AllowedOrigins,
		Auth: auth.APIKey(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
		),
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("machinewatch-server shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	slog.Info("simulations stopped", "count", sched.StopAll())
}

// loadConfig reads path. A missing file falls back to the defaults and
// disables hot reload.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), false, nil
	}
	return nil, false, err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (backend, error) {
	if cfg.Backend != "postgres" {
		return store.NewMemory(cfg.Retention), nil
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		DSN:       cfg.DSN(),
		MaxConns:  cfg.MaxConns,
		Retention: cfg.Retention,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		slog.Info("store: schema applied")
	}
	return pg, nil
}

func autostart(ctx context.Context, sched *simulator.Scheduler, cfg config.SimulatorConfig) {
	var ids []int64
	switch {
	case cfg.AutostartAll:
		ids = nil
	case len(cfg.Autostart) > 0:
		ids = cfg.Autostart
	default:
		return
	}

	n, err := sched.StartAll(ctx, ids)
	if err != nil {
		slog.Warn("autostart finished with errors", "started", n, "err", err)
		return
	}
	slog.Info("autostart complete", "started", n)
}
