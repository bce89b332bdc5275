package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/stream"
)

// Subscriber hands out live audit event feeds.
type Subscriber interface {
	Subscribe(ctx context.Context, f stream.Filter) <-chan audit.Event
}

// Alerts streams audit events as Server-Sent Events. Query parameters
// min_severity (low..critical) and alerts_only narrow the feed.
func (a *API) Alerts(w http.ResponseWriter, r *http.Request) {
	if a.alerts == nil {
		respondError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	var f stream.Filter
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev, err := audit.ParseSeverity(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.MinSeverity = sev
	}
	if v := r.URL.Query().Get("alerts_only"); v != "" {
		only, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "alerts_only must be a boolean")
			return
		}
		f.AlertsOnly = only
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.alerts.Subscribe(ctx, f)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("id: " + ev.ID + "\nevent: " + string(ev.Kind) + "\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
