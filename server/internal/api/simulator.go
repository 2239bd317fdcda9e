package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/machinewatch/machinewatch/server/internal/simulator"
)

// simulatorStatus returns GET /api/v1/simulator/.
func (h *Handler) simulatorStatus(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, SimulatorResponse{
		Running:  h.sim.Running(),
		Interval: h.sim.Interval().String(),
	})
}

// start handles POST /api/v1/simulator/start/{machineID}.
func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	started, err := h.sim.Start(r.Context(), id)
	switch {
	case errors.Is(err, simulator.ErrMachineNotFound):
		jsonErr(w, http.StatusNotFound, "machine not found")
		return
	case err != nil:
		slog.Error("api: start simulation", "machine_id", id, "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := "started"
	if !started {
		status = "already_running"
	}
	jsonResp(w, http.StatusOK, ControlResponse{Status: status, MachineID: id})
}

// stop handles POST /api/v1/simulator/stop/{machineID}. Stopping a machine
// that is not running is not an error.
func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	status := "not_running"
	if h.sim.Stop(id) {
		status = "stopped"
	}
	jsonResp(w, http.StatusOK, ControlResponse{Status: status, MachineID: id})
}

// startAll handles POST /api/v1/simulator/start_all. Per-machine failures
// are reported in the response and do not fail the request.
func (h *Handler) startAll(w http.ResponseWriter, r *http.Request) {
	var req StartAllRequest
	if err := decodeBody(r, &req, true); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.sim.StartAll(r.Context(), req.MachineIDs)
	resp := BulkResponse{Status: "started_all", Count: n, Errors: errorStrings(err)}
	if err != nil {
		slog.Warn("api: start all finished with errors", "started", n, "failed", len(resp.Errors))
	}
	jsonResp(w, http.StatusOK, resp)
}

// stopAll handles POST /api/v1/simulator/stop_all.
func (h *Handler) stopAll(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, BulkResponse{Status: "stopped_all", Count: h.sim.StopAll()})
}

// errorStrings flattens a joined error into one message per failure.
func errorStrings(err error) []string {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	errs := joined.Unwrap()
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
