package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/streaming"
)

// serveSSE streams one progress stream to the client as Server-Sent Events
// until its terminal event or client disconnect. start runs after the
// subscription exists so early events are not lost. A Last-Event-ID header
// (or last_event_id query param) replays the backlog after that sequence.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, streamID string, start func()) {
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := h.streams.Subscribe(streamID, 256)
	defer h.streams.Unsubscribe(streamID, ch)
	if start != nil {
		start()
	}

	fmt.Fprintf(w, ": connected to stream %s\n\n", streamID)
	flusher.Flush()

	if lastID > 0 {
		for _, ev := range h.streams.ReplaySince(streamID, lastID) {
			writeSSE(w, ev)
			if ev.Type == streaming.TypeComplete || ev.Type == streaming.TypeError {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("stream_id", streamID))
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == streaming.TypeComplete || ev.Type == streaming.TypeError {
				return
			}
		case <-hb.C:
			// keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
