package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/domain"
)

// handleRemovalStream streams request progress as server-sent events:
// status_update whenever the fingerprint over request and session state
// changes, heartbeat every sixth poll cycle, and complete (then EOF) once
// the request reaches a terminal status.
func (h *Handler) handleRemovalStream(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET required"}`))
		return
	}

	// Resolve before committing to the event stream so a missing request
	// still gets a JSON 404.
	if _, _, err := h.svc.RemovalRequestByID(id); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	var lastFingerprint string
	cycle := 0
	for {
		req, sessions, err := h.svc.RemovalRequestByID(id)
		if err != nil {
			// Deleted mid-stream, or the store failed: close the stream.
			if !errors.Is(err, app.ErrNotFound) {
				writeEvent(w, "error", map[string]string{"error": err.Error()})
				flusher.Flush()
			}
			return
		}

		if fp := statusFingerprint(req, sessions); fp != lastFingerprint {
			writeEvent(w, "status_update", RemovalDetail{Request: req, Sessions: sessions})
			flusher.Flush()
			lastFingerprint = fp
		}

		if req.Status.Terminal() {
			writeEvent(w, "complete", map[string]string{"status": string(req.Status)})
			flusher.Flush()
			return
		}

		cycle++
		if cycle%6 == 0 {
			writeEvent(w, "heartbeat", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// writeEvent emits one SSE frame. json.Marshal keeps the payload on a single
// line, which the SSE framing requires.
func writeEvent(w io.Writer, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// statusFingerprint condenses the fields the stream cares about; a changed
// fingerprint drives a status_update event.
func statusFingerprint(req *domain.RemovalRequest, sessions []*domain.AgentSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d", req.Status, req.TotalACU)
	for _, s := range sessions {
		fmt.Fprintf(&b, "|%d:%s:%s", s.ID, s.Status, s.PRURL)
	}
	return b.String()
}
