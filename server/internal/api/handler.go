package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/machinewatch/machinewatch/pkg/types"
	"github.com/machinewatch/machinewatch/server/internal/anomaly"
	"github.com/machinewatch/machinewatch/server/internal/store"
)

// DefaultTimeout bounds every /api/v1 request.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Simulator is the control surface of the simulation scheduler.
type Simulator interface {
	Start(ctx context.Context, machineID int64) (bool, error)
	Stop(machineID int64) bool
	StartAll(ctx context.Context, ids []int64) (int, error)
	StopAll() int
	Running() []int64
	Interval() time.Duration
}

// Realtime is the broadcast hub as seen by the API.
type Realtime interface {
	Broadcast(machineID int64, r types.Reading)
	ServeMachine(w http.ResponseWriter, r *http.Request, machineID int64)
	Count() int
}

// Config wires the handler to its collaborators. Store, Simulator and Hub
// are required.
type Config struct {
	Store     store.Store
	Simulator Simulator
	Hub       Realtime

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	// Auth wraps the simulator control routes when non-nil.
	Auth func(http.Handler) http.Handler
	// CORSOrigins enables CORS for the listed origins ("*" for any).
	// Empty disables it.
	CORSOrigins []string
	// Timeout bounds /api/v1 requests. Zero means DefaultTimeout.
	Timeout time.Duration
	// Now is the clock for manual readings. Defaults to time.Now.
	Now func() time.Time
}

// Handler serves the REST API, the metrics endpoint and the realtime
// WebSocket routes.
type Handler struct {
	store store.Store
	sim   Simulator
	hub   Realtime
	now   func() time.Time
	r     chi.Router
}

// New creates a Handler and registers all routes.
func New(cfg Config) http.Handler {
	h := &Handler{
		store: cfg.Store,
		sim:   cfg.Simulator,
		hub:   cfg.Hub,
		now:   cfg.Now,
		r:     chi.NewRouter(),
	}
	if h.now == nil {
		h.now = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	protect := cfg.Auth
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}

	h.r.Use(middleware.RequestID)
	h.r.Use(middleware.RealIP)
	h.r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		h.r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}

	h.r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Get("/health", h.health)

		r.Route("/simulator", func(r chi.Router) {
			r.Use(protect)
			r.Get("/", h.simulatorStatus)
			r.Post("/start", h.start)
			r.Post("/start/{machineID}", h.start)
			r.Post("/stop", h.stop)
			r.Post("/stop/{machineID}", h.stop)
			r.Post("/start_all", h.startAll)
			r.Post("/stop_all", h.stopAll)
		})

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", h.listMachines)
			r.Post("/", h.createMachine)
			r.Route("/{machineID}", func(r chi.Router) {
				r.Get("/", h.getMachine)
				r.Put("/", h.updateMachine)
				r.Delete("/", h.deleteMachine)
				r.Get("/readings", h.listReadings)
				r.Get("/alerts", h.listAlerts)
			})
		})

		r.Post("/readings", h.createReading)
		r.Get("/readings/{readingID}", h.getReading)
		r.Delete("/readings/{readingID}", h.deleteReading)

		r.Post("/alerts", h.createAlert)
		r.Get("/alerts/{alertID}", h.getAlert)
		r.Delete("/alerts/{alertID}", h.deleteAlert)
	})

	// WebSocket routes live outside the timeout group: the connection
	// outlives any request deadline.
	h.r.Get("/realtime/machine/", h.realtime)
	h.r.Get("/realtime/machine/{machineID}", h.realtime)

	if cfg.Metrics != nil {
		h.r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.r.ServeHTTP(w, r)
}

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Running:     len(h.sim.Running()),
		Subscribers: h.hub.Count(),
		Interval:    h.sim.Interval().String(),
		Thresholds:  anomaly.Thresholds(),
	})
}

// realtime upgrades GET /realtime/machine/{machineID} to a WebSocket stream.
func (h *Handler) realtime(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	h.hub.ServeMachine(w, r, id)
}

// --- helpers ----------------------------------------------------------------

// machineIDParam reads the machine id from the {machineID} path segment or,
// failing that, from the machine_id query parameter.
func machineIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "machineID")
	if raw == "" {
		raw = r.URL.Query().Get("machine_id")
	}
	if raw == "" {
		return 0, errors.New("machine_id is required")
	}
	return parseID("machine_id", raw)
}

func idParam(r *http.Request, name string) (int64, error) {
	return parseID(name, chi.URLParam(r, name))
}

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

// decodeBody decodes a JSON body into v. An empty body is accepted only when
// optional is true.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// storeErr writes the response for an error returned by the store.
func storeErr(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonErr(w, http.StatusNotFound, what+" not found")
		return
	}
	slog.Error("api: store call failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	)
	jsonErr(w, http.StatusInternalServerError, "internal error")
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
