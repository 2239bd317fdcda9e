package api

import "github.com/machinewatch/machinewatch/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status      string                   `json:"status"`
	Running     int                      `json:"running"`
	Subscribers int                      `json:"subscribers"`
	Interval    string                   `json:"interval"`
	Thresholds  map[types.Metric]float64 `json:"thresholds"`
}

// SimulatorResponse is the payload for GET /api/v1/simulator/.
type SimulatorResponse struct {
	Running  []int64 `json:"running"`
	Interval string  `json:"interval"`
}

// ControlResponse answers a start or stop of a single machine.
type ControlResponse struct {
	Status    string `json:"status"`
	MachineID int64  `json:"machine_id"`
}

// BulkResponse answers start_all and stop_all.
type BulkResponse struct {
	Status string   `json:"status"`
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

// StartAllRequest is the optional body of POST /api/v1/simulator/start_all.
// A missing or null machine_ids starts every known machine.
type StartAllRequest struct {
	MachineIDs []int64 `json:"machine_ids"`
}

// MachineRequest is the body of machine create and update.
type MachineRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
}

// ReadingRequest is the body of POST /api/v1/readings.
// RecordedAt is optional; the server time is used when empty.
type ReadingRequest struct {
	MachineID         int64   `json:"machine_id"`
	Temperature       float64 `json:"temperature"`
	Vibration         float64 `json:"vibration"`
	EnergyConsumption float64 `json:"energy_consumption"`
	RecordedAt        string  `json:"recorded_at,omitempty"`
}

// AlertRequest is the body of POST /api/v1/alerts.
type AlertRequest struct {
	MachineID   int64           `json:"machine_id"`
	AlertType   types.AlertType `json:"alert_type"`
	Probability float64         `json:"probability"`
	Message     string          `json:"message"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
