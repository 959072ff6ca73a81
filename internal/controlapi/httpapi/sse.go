package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/micro-nova/btaudiod/internal/events"
)

// sseEvents streams every event published on the bus, replaying the
// avrcp_event/mpris_event/log_entry ring buffers immediately on attach
// (spec §4.11: "optional replay ... on attach").
func (h *handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch, replay := h.api.Subscribe()
	defer h.api.Unsubscribe(id)

	for _, topic := range []events.Topic{events.TopicLogEntry, events.TopicMprisEvent, events.TopicAvrcpEvent} {
		for _, ev := range replay[topic] {
			sendSSE(w, flusher, ev)
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, ev)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
	flusher.Flush()
}
