// Package httpapi is the thin chi-based HTTP binding over controlapi.Api
// (spec §6: "Transport of the API is external to the core"). It is a
// convenience host for local development and the front-end this daemon
// serves; every handler is a direct translation of one ControlApi command.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/micro-nova/btaudiod/internal/controlapi"
)

// NewRouter builds the HTTP handler tree over api. Every route is wrapped
// in otelhttp so each request gets a span, matching the ambient tracing
// the teacher's own HTTP surface carries.
func NewRouter(api *controlapi.Api) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &handlers{api: api}

	r.Get("/api/devices", h.listDevices)
	r.Get("/api/devices/{address}", h.getDevice)
	r.Patch("/api/devices/{address}", h.updateDeviceSettings)
	r.Post("/api/devices/{address}/pair", h.pair)
	r.Post("/api/devices/{address}/connect", h.connect)
	r.Post("/api/devices/{address}/disconnect", h.disconnect)
	r.Post("/api/devices/{address}/force-reconnect", h.forceReconnect)
	r.Delete("/api/devices/{address}", h.forget)

	r.Get("/api/adapters", h.listAdapters)
	r.Post("/api/adapters/select", h.setAdapter)

	r.Post("/api/scan", h.startScan)
	r.Get("/api/scan", h.scanStatus)

	r.Get("/api/settings", h.getSettings)
	r.Put("/api/settings", h.putSettings)

	r.Post("/api/restart", h.restart)

	r.Get("/api/events", h.sseEvents)

	return otelhttp.NewHandler(r, "btaudiod.controlapi")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
