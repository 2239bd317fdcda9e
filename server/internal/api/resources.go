package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relvacode/iso8601"

	"github.com/machinewatch/machinewatch/pkg/types"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000

	minNameLen    = 2
	maxNameLen    = 100
	minMessageLen = 5
)

// --- machines ---------------------------------------------------------------

func (h *Handler) listMachines(w http.ResponseWriter, r *http.Request) {
	ms, err := h.store.Machines(r.Context())
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	jsonResp(w, http.StatusOK, ms)
}

func (h *Handler) createMachine(w http.ResponseWriter, r *http.Request) {
	var req MachineRequest
	if err := decodeBody(r, &req, false); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := req.machine()
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err = h.store.CreateMachine(r.Context(), m)
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	jsonResp(w, http.StatusCreated, m)
}

func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.store.Machine(r.Context(), id)
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	jsonResp(w, http.StatusOK, m)
}

func (h *Handler) updateMachine(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	var req MachineRequest
	if err := decodeBody(r, &req, false); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := req.machine()
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	m.ID = id

	m, err = h.store.UpdateMachine(r.Context(), m)
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	jsonResp(w, http.StatusOK, m)
}

// deleteMachine stops the machine's loop before removing it so no iteration
// writes rows for a machine that no longer exists. A Start that slipped in
// between the stop and the delete is stopped afterwards.
func (h *Handler) deleteMachine(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	h.sim.Stop(id)
	if err := h.store.DeleteMachine(r.Context(), id); err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	h.sim.Stop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (req MachineRequest) machine() (types.Machine, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < minNameLen || n > maxNameLen {
		return types.Machine{}, fmt.Errorf("name must be between %d and %d characters", minNameLen, maxNameLen)
	}
	return types.Machine{
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		ImageURL:    strings.TrimSpace(req.ImageURL),
	}, nil
}

// --- readings ---------------------------------------------------------------

// listReadings returns GET /api/v1/machines/{machineID}/readings, newest
// first. limit defaults to 100; since is an ISO-8601 timestamp.
func (h *Handler) listReadings(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, since, err := readingsQuery(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.machineFound(w, r, id) {
		return
	}

	rs, err := h.store.Readings(r.Context(), id, since, limit)
	if err != nil {
		storeErr(w, r, "reading", err)
		return
	}
	jsonResp(w, http.StatusOK, rs)
}

// createReading stores a reading supplied by the caller and pushes it to the
// machine's subscribers. Manual readings are not run through the detector.
func (h *Handler) createReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if err := decodeBody(r, &req, false); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MachineID <= 0 {
		jsonErr(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	recordedAt := h.now().UTC()
	if req.RecordedAt != "" {
		t, err := iso8601.ParseString(req.RecordedAt)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, fmt.Sprintf("invalid recorded_at %q", req.RecordedAt))
			return
		}
		recordedAt = t.UTC()
	}

	sess, err := h.store.Acquire(r.Context())
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	defer sess.Release()

	stored, err := sess.InsertReading(r.Context(), types.Reading{
		MachineID:         req.MachineID,
		Temperature:       req.Temperature,
		Vibration:         req.Vibration,
		EnergyConsumption: req.EnergyConsumption,
		RecordedAt:        recordedAt,
	})
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	h.hub.Broadcast(stored.MachineID, stored)
	jsonResp(w, http.StatusCreated, stored)
}

func (h *Handler) getReading(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "readingID")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := h.store.Reading(r.Context(), id)
	if err != nil {
		storeErr(w, r, "reading", err)
		return
	}
	jsonResp(w, http.StatusOK, rd)
}

func (h *Handler) deleteReading(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "readingID")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.DeleteReading(r.Context(), id); err != nil {
		storeErr(w, r, "reading", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readingsQuery(r *http.Request) (int, time.Time, error) {
	q := r.URL.Query()
	limit := defaultReadingsLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, time.Time{}, fmt.Errorf("invalid limit %q", raw)
		}
		limit = min(n, maxReadingsLimit)
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := iso8601.ParseString(raw)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("invalid since %q", raw)
		}
		since = t
	}
	return limit, since, nil
}

// --- alerts -----------------------------------------------------------------

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	id, err := machineIDParam(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.machineFound(w, r, id) {
		return
	}
	as, err := h.store.Alerts(r.Context(), id)
	if err != nil {
		storeErr(w, r, "alert", err)
		return
	}
	jsonResp(w, http.StatusOK, as)
}

func (h *Handler) createAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := decodeBody(r, &req, false); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := req.alert(h.now().UTC())
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err = h.store.CreateAlert(r.Context(), a)
	if err != nil {
		storeErr(w, r, "machine", err)
		return
	}
	jsonResp(w, http.StatusCreated, a)
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "alertID")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.store.Alert(r.Context(), id)
	if err != nil {
		storeErr(w, r, "alert", err)
		return
	}
	jsonResp(w, http.StatusOK, a)
}

func (h *Handler) deleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "alertID")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.DeleteAlert(r.Context(), id); err != nil {
		storeErr(w, r, "alert", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (req AlertRequest) alert(now time.Time) (types.Alert, error) {
	msg := strings.TrimSpace(req.Message)
	switch {
	case req.MachineID <= 0:
		return types.Alert{}, errors.New("machine_id is required")
	case !req.AlertType.Valid():
		return types.Alert{}, fmt.Errorf("invalid alert_type %q", req.AlertType)
	case req.Probability < 0 || req.Probability > 1:
		return types.Alert{}, errors.New("probability must be within [0, 1]")
	case utf8.RuneCountInString(msg) < minMessageLen:
		return types.Alert{}, fmt.Errorf("message must be at least %d characters", minMessageLen)
	}
	return types.Alert{
		MachineID:   req.MachineID,
		AlertType:   req.AlertType,
		Probability: req.Probability,
		Message:     msg,
		CreatedAt:   now,
	}, nil
}

// machineFound writes a 404 and returns false when id is unknown.
func (h *Handler) machineFound(w http.ResponseWriter, r *http.Request, id int64) bool {
	ok, err := h.store.MachineExists(r.Context(), id)
	if err != nil {
		storeErr(w, r, "machine", err)
		return false
	}
	if !ok {
		jsonErr(w, http.StatusNotFound, "machine not found")
		return false
	}
	return true
}
