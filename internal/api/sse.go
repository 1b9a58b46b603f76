package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StreamSSE handles GET /api/marketflow/{job_id}/sse.
// It polls the job and streams each new event, then the final result once
// the job is terminal or until the client disconnects.
//
// The stream ends at the first terminal status it sees. A failed attempt
// that the dispatcher retries records ERROR before the retry runs, so a
// client wanting the retried outcome reconnects or polls GetJob; the result
// frame of a later stream reflects the newest attempt.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	v, ok := h.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSEEvent(w, flusher, "status", map[string]any{"job_id": v.JobID, "status": v.Status})

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	sent := 0
	status := v.Status
	for {
		for _, e := range v.Events[sent:] {
			writeSSEEvent(w, flusher, "event", e)
		}
		sent = len(v.Events)

		if v.Status != status {
			status = v.Status
			writeSSEEvent(w, flusher, "status", map[string]any{"job_id": v.JobID, "status": v.Status})
		}
		if v.Status.IsTerminal() {
			writeSSEEvent(w, flusher, "result", v)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		next, err := h.svc.Status(r.Context(), v.JobID)
		if err != nil {
			if r.Context().Err() == nil {
				slog.Warn("sse: poll job", "job_id", v.JobID, "error", err)
			}
			return
		}
		v = next
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
