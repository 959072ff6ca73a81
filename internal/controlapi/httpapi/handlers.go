package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/btaudiod/internal/controlapi"
	"github.com/micro-nova/btaudiod/internal/models"
)

type handlers struct {
	api *controlapi.Api
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError translates a models.CoreError into an HTTP status the way
// spec §7 groups error kinds: bad input is 400, not-found is 404,
// unreachable/timeout kinds are 503, everything else is 500.
func writeError(w http.ResponseWriter, err error) {
	var ce *models.CoreError
	if !errors.As(err, &ce) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch ce.Kind {
	case models.ErrBadRequest:
		status = http.StatusBadRequest
	case models.ErrNotFound:
		status = http.StatusNotFound
	case models.ErrDeviceUnreachable, models.ErrSinkTimeout, models.ErrPulseUnavailable, models.ErrDbusUnavailable, models.ErrBusy:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ce)
}

func addressParam(r *http.Request) string {
	return chi.URLParam(r, "address")
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.ListDevices())
}

func (h *handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	// ListDevices is the source of truth; find the one matching address
	// rather than adding a second lookup path through the API surface.
	for _, d := range h.api.ListDevices() {
		if d.Address == addressParam(r) {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeError(w, models.NewCoreError(models.ErrNotFound, "", addressParam(r)))
}

func (h *handlers) updateDeviceSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, models.NewCoreError(models.ErrBadRequest, "", err.Error()))
		return
	}
	updated, err := h.api.UpdateDeviceSettings(r.Context(), addressParam(r), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) pair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := h.api.Pair(r.Context(), addressParam(r), body.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Connect(r.Context(), addressParam(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Disconnect(r.Context(), addressParam(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *handlers) forceReconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.api.ForceReconnect(r.Context(), addressParam(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *handlers) forget(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Forget(r.Context(), addressParam(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *handlers) listAdapters(w http.ResponseWriter, r *http.Request) {
	adapters, err := h.api.ListAdapters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adapters)
}

func (h *handlers) setAdapter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MAC   string `json:"mac"`
		Clean bool   `json:"clean"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.NewCoreError(models.ErrBadRequest, "", err.Error()))
		return
	}
	if err := h.api.SetAdapter(r.Context(), body.MAC, body.Clean); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restart_required": true})
}

func (h *handlers) startScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DurationSeconds int `json:"duration_s"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	duration, err := h.api.StartScan(r.Context(), body.DurationSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"duration_s": duration})
}

func (h *handlers) scanStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.ScanStatus())
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.GetSettings())
}

func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, models.NewCoreError(models.ErrBadRequest, "", err.Error()))
		return
	}
	updated, err := h.api.PutSettings(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) restart(w http.ResponseWriter, r *http.Request) {
	if err := h.api.Restart(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
